package records

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"pepseek/internal/domain"
)

const recordExt = ".rec"

// Leading fields written in fixed order; remaining fields follow sorted.
var headFields = []string{"sample", "stage", "status", "finished_at"}

var (
	ErrNoRecord  = errors.New("no completion record")
	ErrMalformed = errors.New("malformed completion record")
)

// Record is one sample's published completion record. A record on disk
// means the sample's task reached a terminal status; partial files never
// appear because publication goes through an atomic rename.
type Record struct {
	Sample string            `json:"sample"`
	Stage  string            `json:"stage"`
	Status string            `json:"status"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Field returns a named field, including the fixed head fields.
func (r Record) Field(key string) (string, bool) {
	switch key {
	case "sample":
		return r.Sample, true
	case "stage":
		return r.Stage, true
	case "status":
		return r.Status, true
	}
	v, ok := r.Fields[key]
	return v, ok
}

// Store reads and writes completion records in a single directory.
type Store struct {
	Dir string
}

func NewStore(dir string) Store {
	return Store{Dir: dir}
}

// Path returns the record file for a sample.
func (s Store) Path(sample string) string {
	return filepath.Join(s.Dir, sample+recordExt)
}

// Publish writes a record via temp-file-plus-rename so readers never
// observe a partial record. Republishing a sample replaces its record.
func (s Store) Publish(rec Record) error {
	if strings.TrimSpace(rec.Sample) == "" {
		return fmt.Errorf("%w: record sample is required", domain.ErrConfig)
	}
	if !domain.TerminalStatus(rec.Status) {
		return fmt.Errorf("%w: status %q is not terminal", domain.ErrConfig, rec.Status)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(s.Path(rec.Sample), strings.NewReader(s.render(rec)))
}

func (s Store) render(rec Record) string {
	var b strings.Builder
	write := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	write("sample", rec.Sample)
	write("stage", rec.Stage)
	write("status", rec.Status)
	if v, ok := rec.Fields["finished_at"]; ok {
		write("finished_at", v)
	}
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		if k == "finished_at" || k == "sample" || k == "stage" || k == "status" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k, rec.Fields[k])
	}
	return b.String()
}

// Read loads and parses a sample's record. Missing files map to
// ErrNoRecord so callers can distinguish "not done yet" from corruption.
func (s Store) Read(sample string) (Record, error) {
	return s.readFile(s.Path(sample))
}

func (s Store) readFile(path string) (Record, error) {
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrNoRecord, path)
		}
		return Record{}, err
	}
	defer fh.Close()

	rec := Record{Fields: map[string]string{}}
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return Record{}, fmt.Errorf("%w: %s: line %q", ErrMalformed, path, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "sample":
			rec.Sample = value
		case "stage":
			rec.Stage = value
		case "status":
			rec.Status = value
		default:
			rec.Fields[key] = value
		}
	}
	if err := sc.Err(); err != nil {
		return Record{}, err
	}
	if rec.Sample == "" {
		return Record{}, fmt.Errorf("%w: %s missing sample field", ErrMalformed, path)
	}
	if rec.Status == "" {
		return Record{}, fmt.Errorf("%w: %s missing status field", ErrMalformed, path)
	}
	return rec, nil
}

// List loads every record in the store, sorted by sample.
func (s Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var recs []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		rec, err := s.readFile(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Sample < recs[j].Sample })
	return recs, nil
}

// ListStage returns the records published for one pipeline stage.
func (s Store) ListStage(stage string) ([]Record, error) {
	recs, err := s.List()
	if err != nil {
		return nil, err
	}
	filtered := recs[:0]
	for _, rec := range recs {
		if rec.Stage == stage {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

// Terminal reports whether a sample has a published terminal record.
// Missing and malformed records both read as not terminal, so a barrier
// keeps waiting rather than acting on a record it cannot trust.
func (s Store) Terminal(sample string) (bool, error) {
	rec, err := s.Read(sample)
	if errors.Is(err, ErrNoRecord) || errors.Is(err, ErrMalformed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return domain.TerminalStatus(rec.Status), nil
}

// Pending returns the samples that do not yet have a terminal record.
func (s Store) Pending(samples []string) ([]string, error) {
	var pending []string
	for _, sample := range samples {
		done, err := s.Terminal(sample)
		if err != nil {
			return nil, err
		}
		if !done {
			pending = append(pending, sample)
		}
	}
	return pending, nil
}

// Wait blocks until every sample has a terminal record, polling the
// store at the given interval. It returns the records on success and
// the context error if cancelled first, naming the stragglers.
func (s Store) Wait(ctx context.Context, samples []string, poll time.Duration) ([]Record, error) {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		pending, err := s.Pending(samples)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			recs := make([]Record, 0, len(samples))
			for _, sample := range samples {
				rec, err := s.Read(sample)
				if err != nil {
					return nil, err
				}
				recs = append(recs, rec)
			}
			return recs, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %d sample(s) %v: %w", len(pending), pending, ctx.Err())
		case <-ticker.C:
		}
	}
}
