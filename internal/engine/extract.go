package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pepseek/internal/domain"
	"pepseek/internal/fasta"
	"pepseek/internal/records"
)

// ExtractResult summarizes one sample's extraction task.
type ExtractResult struct {
	Sample        string        `json:"sample"`
	Status        string        `json:"status"`
	ReadsAssigned int           `json:"reads_assigned"`
	Extracted     int           `json:"extracted"`
	Output        string        `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// ExtractSample runs the extraction state machine for one sample:
//
//	PENDING -> NO_INPUT            alignment table absent
//	PENDING -> SCANNED             alignment table scanned
//	SCANNED -> NO_TARGET_READS     zero reads assigned to targets
//	SCANNED -> READS_SELECTED      matching read names written
//	READS_SELECTED -> INPUT_MISSING raw read source absent
//	READS_SELECTED -> FAILED       sequence retrieval tool failed
//	READS_SELECTED -> COMPLETED    sequences retrieved
//
// Terminal states publish a completion record after all sample output
// is durable. NO_INPUT, INPUT_MISSING and FAILED are reported in the
// result, not as an error, so sibling samples keep running; the
// returned error is reserved for infrastructure failures and
// cancellation.
func (e Engine) ExtractSample(ctx context.Context, sample domain.Sample, targets TargetSet) (ExtractResult, error) {
	start := e.now()
	res := ExtractResult{Sample: sample.ID}

	if _, err := os.Stat(sample.Alignment); err != nil {
		res.Status = domain.StatusNoInput
		return res, e.publishExtract(res, targets, start)
	}

	readIDs, err := scanAlignment(ctx, sample.Alignment, targets)
	if err != nil {
		return res, fmt.Errorf("sample %s: %w", sample.ID, err)
	}
	res.ReadsAssigned = len(readIDs)

	if len(readIDs) == 0 {
		res.Status = domain.StatusNoTargetReads
		return res, e.publishExtract(res, targets, start)
	}

	if _, err := os.Stat(sample.Reads); err != nil {
		res.Status = domain.StatusInputMissing
		return res, e.publishExtract(res, targets, start)
	}

	layout := e.Config.Layout()
	if err := os.MkdirAll(layout.ExtractedDir(sample.ID), 0o755); err != nil {
		return res, err
	}
	namesPath := layout.ReadNamesPath(sample.ID)
	if err := writeReadNames(namesPath, readIDs); err != nil {
		return res, fmt.Errorf("sample %s: write read names: %w", sample.ID, err)
	}

	outFasta := layout.ExtractedFasta(sample.ID)
	if err := e.Tools.Toolkit.ExtractReads(ctx, sample.Reads, namesPath, outFasta); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Status = domain.StatusFailed
		res.Error = condense(err.Error())
		return res, e.publishExtract(res, targets, start)
	}

	// The extracted count reflects what was actually retrieved; read
	// names absent from the raw source are tolerated.
	extracted, err := fasta.Count(ctx, outFasta)
	if err != nil {
		return res, fmt.Errorf("sample %s: count extracted: %w", sample.ID, err)
	}
	res.Extracted = extracted
	res.Output = outFasta
	res.Status = domain.StatusCompleted
	return res, e.publishExtract(res, targets, start)
}

func (e Engine) publishExtract(res ExtractResult, targets TargetSet, start time.Time) error {
	finished := e.now()
	rec := records.Record{
		Sample: res.Sample,
		Stage:  domain.StageExtract,
		Status: res.Status,
		Fields: map[string]string{
			"finished_at":    finished.UTC().Format(time.RFC3339),
			"targets":        strconv.Itoa(targets.Size()),
			"reads_assigned": strconv.Itoa(res.ReadsAssigned),
			"extracted_seqs": strconv.Itoa(res.Extracted),
			"duration":       finished.Sub(start).Round(time.Millisecond).String(),
		},
	}
	if res.Output != "" {
		rec.Fields["output"] = res.Output
	}
	if res.Error != "" {
		rec.Fields["error"] = res.Error
	}
	return e.Records.Publish(rec)
}

// condense flattens an error message onto one line so it fits a record
// field.
func condense(msg string) string {
	return strings.Join(strings.Fields(msg), " ")
}

// scanAlignment collects the raw read IDs assigned to any target. The
// table is tab separated with the read ID first and the assigned
// reference ID second; rows with fewer columns are skipped.
func scanAlignment(ctx context.Context, path string, targets TargetSet) (map[string]struct{}, error) {
	rc, err := fasta.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: alignment table %s: %v", domain.ErrInputMissing, path, err)
	}
	defer rc.Close()

	readIDs := make(map[string]struct{})
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		if targets.Contains(domain.CanonicalID(fields[1])) {
			readIDs[fields[0]] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan alignment %s: %w", path, err)
	}
	return readIDs, nil
}

// writeReadNames persists the selected read names, one per line, with
// instrument suffixes stripped so they match the raw source headers.
func writeReadNames(path string, readIDs map[string]struct{}) error {
	stripped := make(map[string]struct{}, len(readIDs))
	for id := range readIDs {
		stripped[domain.CanonicalID(id)] = struct{}{}
	}
	names := make([]string, 0, len(stripped))
	for id := range stripped {
		names = append(names, id)
	}
	sort.Strings(names)

	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(fh)
	for _, name := range names {
		if _, err := w.WriteString(name + "\n"); err != nil {
			_ = fh.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}

// ExtractAll fans the manifest out over a bounded worker pool. Results
// are delivered to onResult in completion order. The first
// infrastructure error cancels remaining work and is returned; terminal
// per-sample statuses are never errors here.
func (e Engine) ExtractAll(ctx context.Context, samples []domain.Sample, targets TargetSet, workers int, onResult func(ExtractResult)) error {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan domain.Sample, workers*2)
	results := make(chan ExtractResult, workers*2)
	errs := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sample, ok := <-jobs:
					if !ok {
						return
					}
					res, err := e.ExtractSample(ctx, sample, targets)
					if err != nil {
						select {
						case errs <- err:
						default:
						}
						cancel()
						return
					}
					select {
					case results <- res:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	var cwg sync.WaitGroup
	cwg.Add(1)
	go func() {
		defer cwg.Done()
		for res := range results {
			if onResult != nil {
				onResult(res)
			}
		}
	}()

	for _, sample := range samples {
		select {
		case jobs <- sample:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
	close(results)
	cwg.Wait()

	select {
	case err := <-errs:
		return err
	default:
	}
	return ctx.Err()
}
