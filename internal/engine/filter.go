package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pepseek/internal/domain"
	"pepseek/internal/records"
)

// ParseHits reads a validation hit table. Columns, tab separated:
// query ID, subject ID, percent identity, alignment length, e-value,
// bit score. Row order is preserved.
func ParseHits(ctx context.Context, path string) ([]domain.Hit, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var hits []domain.Hit
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 6 {
			return nil, fmt.Errorf("%w: hit table %s line %d has %d columns, want 6", domain.ErrToolFailure, path, lineNo, len(fields))
		}
		identity, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: hit table %s line %d: bad identity %q", domain.ErrToolFailure, path, lineNo, fields[2])
		}
		length, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("%w: hit table %s line %d: bad length %q", domain.ErrToolFailure, path, lineNo, fields[3])
		}
		evalue, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: hit table %s line %d: bad e-value %q", domain.ErrToolFailure, path, lineNo, fields[4])
		}
		score, err := strconv.ParseFloat(fields[5], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: hit table %s line %d: bad bit score %q", domain.ErrToolFailure, path, lineNo, fields[5])
		}
		hits = append(hits, domain.Hit{
			Query:    fields[0],
			Subject:  fields[1],
			Identity: identity,
			Length:   length,
			EValue:   evalue,
			BitScore: score,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return hits, nil
}

// FilterHits accepts a hit iff the canonical subject is a target, the
// identity meets the cutoff, and the alignment length meets the
// minimum. It is a pure function of its inputs and preserves order.
func FilterHits(hits []domain.Hit, targets TargetSet, minIdentity float64, minLength int) []domain.Hit {
	var accepted []domain.Hit
	for _, h := range hits {
		if !targets.Contains(domain.CanonicalID(h.Subject)) {
			continue
		}
		if h.Identity < minIdentity {
			continue
		}
		if h.Length < minLength {
			continue
		}
		accepted = append(accepted, h)
	}
	return accepted
}

// FilterResult summarizes the filtering stage.
type FilterResult struct {
	In       int `json:"in"`
	Accepted int `json:"accepted"`
}

// Filter applies the acceptance thresholds to the raw validation output
// and writes the filtered table. An empty hit table is not an error;
// the run completes with zero candidates and the stats make that
// visible.
func (e Engine) Filter(ctx context.Context) (FilterResult, error) {
	start := e.now()
	var res FilterResult

	layout := e.Config.Layout()
	hits, err := ParseHits(ctx, layout.HitsTSV())
	if err != nil {
		if os.IsNotExist(err) {
			return res, fmt.Errorf("%w: %s missing; run validate first", domain.ErrConfig, layout.HitsTSV())
		}
		return res, err
	}
	res.In = len(hits)

	targets, err := e.LoadTargets()
	if err != nil {
		return res, err
	}
	accepted := FilterHits(hits, targets, e.Config.Thresholds.MinIdentity, e.Config.Thresholds.MinLength)
	res.Accepted = len(accepted)

	if err := writeHits(layout.FilteredTSV(), accepted); err != nil {
		return res, err
	}

	finished := e.now()
	err = e.Records.Publish(records.Record{
		Sample: domain.StageFilter,
		Stage:  domain.StageFilter,
		Status: domain.StatusCompleted,
		Fields: map[string]string{
			"finished_at":   finished.UTC().Format(time.RFC3339),
			"hits_in":       strconv.Itoa(res.In),
			"hits_accepted": strconv.Itoa(res.Accepted),
			"min_identity":  strconv.FormatFloat(e.Config.Thresholds.MinIdentity, 'g', -1, 64),
			"min_length":    strconv.Itoa(e.Config.Thresholds.MinLength),
			"duration":      finished.Sub(start).Round(time.Millisecond).String(),
			"output":        layout.FilteredTSV(),
		},
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

func writeHits(path string, hits []domain.Hit) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(fh)
	for _, h := range hits {
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			h.Query, h.Subject,
			strconv.FormatFloat(h.Identity, 'g', -1, 64),
			h.Length,
			strconv.FormatFloat(h.EValue, 'g', -1, 64),
			strconv.FormatFloat(h.BitScore, 'g', -1, 64))
		if err != nil {
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
