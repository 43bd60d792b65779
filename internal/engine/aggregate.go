package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"pepseek/internal/domain"
	"pepseek/internal/fasta"
	"pepseek/internal/records"
)

// AggregateResult summarizes the fan-in stage.
type AggregateResult struct {
	SamplesUsed int             `json:"samples_used"`
	Combined    int             `json:"combined"`
	Unique      int             `json:"unique"`
	Summary     records.Summary `json:"-"`
}

// Aggregate concatenates every successful sample's extraction output,
// deduplicates by exact sequence content, and writes the cross-sample
// summary table. The expected sample list enforces the barrier: every
// listed sample must have a terminal record before fan-in starts.
func (e Engine) Aggregate(ctx context.Context, expected []string) (AggregateResult, error) {
	start := e.now()
	var res AggregateResult

	recs, err := e.Records.ListStage(domain.StageExtract)
	if err != nil {
		return res, err
	}
	if len(recs) == 0 {
		return res, fmt.Errorf("%w: no extraction records in %s; run extraction first", domain.ErrConfig, e.Records.Dir)
	}
	if len(expected) > 0 {
		pending, err := e.Records.Pending(expected)
		if err != nil {
			return res, err
		}
		if len(pending) > 0 {
			return res, fmt.Errorf("%w: %d sample(s) have no terminal record yet: %v", domain.ErrConfig, len(pending), pending)
		}
	}

	// Stale records from samples no longer in the manifest must not
	// leak into the combined output.
	inScope := func(string) bool { return true }
	if len(expected) > 0 {
		set := make(map[string]struct{}, len(expected))
		for _, id := range expected {
			set[id] = struct{}{}
		}
		inScope = func(sample string) bool {
			_, ok := set[sample]
			return ok
		}
	}

	var usable []records.Record
	total := 0
	for _, rec := range recs {
		if !inScope(rec.Sample) {
			continue
		}
		if !domain.SuccessStatus(rec.Status) {
			continue
		}
		n, _ := strconv.Atoi(rec.Fields["extracted_seqs"])
		if n <= 0 {
			continue
		}
		total += n
		usable = append(usable, rec)
	}
	if total == 0 {
		return res, fmt.Errorf("%w: no sample extracted any sequences", domain.ErrNoData)
	}
	res.SamplesUsed = len(usable)

	layout := e.Config.Layout()
	if err := layout.Ensure(); err != nil {
		return res, err
	}

	combinedFh, err := os.Create(layout.CombinedFasta())
	if err != nil {
		return res, err
	}
	defer combinedFh.Close()
	uniqueFh, err := os.Create(layout.UniqueFasta())
	if err != nil {
		return res, err
	}
	defer uniqueFh.Close()
	combinedW := fasta.NewWriter(combinedFh)
	uniqueW := fasta.NewWriter(uniqueFh)

	// Concatenate in record order, deduplicating by residue content.
	// The first occurrence keeps its header.
	seen := make(map[string]struct{}, total)
	for _, rec := range usable {
		path := rec.Fields["output"]
		if path == "" {
			path = layout.ExtractedFasta(rec.Sample)
		}
		err := fasta.StreamPath(ctx, path, func(fr fasta.Record) error {
			res.Combined++
			if err := combinedW.Write(fr); err != nil {
				return err
			}
			if _, dup := seen[string(fr.Seq)]; dup {
				return nil
			}
			seen[string(fr.Seq)] = struct{}{}
			res.Unique++
			return uniqueW.Write(fr)
		})
		if err != nil {
			return res, fmt.Errorf("sample %s: read extraction output: %w", rec.Sample, err)
		}
	}
	if err := combinedW.Flush(); err != nil {
		return res, err
	}
	if err := uniqueW.Flush(); err != nil {
		return res, err
	}
	if err := combinedFh.Close(); err != nil {
		return res, err
	}
	if err := uniqueFh.Close(); err != nil {
		return res, err
	}

	summary, err := e.Records.WriteSummary(layout.SummaryTSV())
	if err != nil {
		return res, err
	}
	res.Summary = summary

	finished := e.now()
	err = e.Records.Publish(records.Record{
		Sample: domain.StageAggregate,
		Stage:  domain.StageAggregate,
		Status: domain.StatusCompleted,
		Fields: map[string]string{
			"finished_at":   finished.UTC().Format(time.RFC3339),
			"samples_used":  strconv.Itoa(res.SamplesUsed),
			"combined_seqs": strconv.Itoa(res.Combined),
			"unique_seqs":   strconv.Itoa(res.Unique),
			"duration":      finished.Sub(start).Round(time.Millisecond).String(),
			"output":        layout.UniqueFasta(),
		},
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// WaitForExtraction blocks until every expected sample has a terminal
// record, then returns them. Callers bound the wait through ctx.
func (e Engine) WaitForExtraction(ctx context.Context, expected []string, poll time.Duration) ([]records.Record, error) {
	return e.Records.Wait(ctx, expected, poll)
}

// UniqueCount reports how many deduplicated sequences the aggregation
// stage produced.
func (e Engine) UniqueCount(ctx context.Context) (int, error) {
	layout := e.Config.Layout()
	n, err := fasta.Count(ctx, layout.UniqueFasta())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s missing; run aggregate first", domain.ErrConfig, layout.UniqueFasta())
		}
		return 0, err
	}
	return n, nil
}
