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

// RenameResult summarizes the final canonicalization stage.
type RenameResult struct {
	Candidates   int `json:"candidates"`
	CanonicalIDs int `json:"canonical_ids"`
}

// Rename produces the final peptide output in two passes. Pass one maps
// each accepted query to the canonical subject of its first listed hit.
// Pass two walks the translated frames in file order and emits every
// mapped sequence under its canonical ID with a per-ID contiguous
// 1-based suffix, headers in the form CanonicalID_N GN=CanonicalID_N.
func (e Engine) Rename(ctx context.Context) (RenameResult, error) {
	start := e.now()
	var res RenameResult

	layout := e.Config.Layout()
	hits, err := ParseHits(ctx, layout.FilteredTSV())
	if err != nil {
		if os.IsNotExist(err) {
			return res, fmt.Errorf("%w: %s missing; run filter first", domain.ErrConfig, layout.FilteredTSV())
		}
		return res, err
	}

	// first listed hit per query wins
	mapping := make(map[string]string, len(hits))
	for _, h := range hits {
		if _, seen := mapping[h.Query]; seen {
			continue
		}
		mapping[h.Query] = domain.CanonicalID(h.Subject)
	}

	if _, err := os.Stat(layout.FramesFaa()); err != nil {
		return res, fmt.Errorf("%w: %s missing; run translate first", domain.ErrConfig, layout.FramesFaa())
	}

	outFh, err := os.Create(layout.CandidatesFaa())
	if err != nil {
		return res, err
	}
	w := fasta.NewWriter(outFh)

	counters := make(map[string]int, len(mapping))
	err = fasta.StreamPath(ctx, layout.FramesFaa(), func(fr fasta.Record) error {
		canonical, ok := mapping[fr.ID()]
		if !ok {
			return nil
		}
		counters[canonical]++
		name := fmt.Sprintf("%s_%d", canonical, counters[canonical])
		res.Candidates++
		return w.Write(fasta.Record{
			Header: fmt.Sprintf("%s GN=%s", name, name),
			Seq:    fr.Seq,
		})
	})
	if err != nil {
		_ = outFh.Close()
		return res, err
	}
	if err := w.Flush(); err != nil {
		_ = outFh.Close()
		return res, err
	}
	if err := outFh.Close(); err != nil {
		return res, err
	}
	res.CanonicalIDs = len(counters)

	finished := e.now()
	err = e.Records.Publish(records.Record{
		Sample: domain.StageRename,
		Stage:  domain.StageRename,
		Status: domain.StatusCompleted,
		Fields: map[string]string{
			"finished_at":   finished.UTC().Format(time.RFC3339),
			"candidates":    strconv.Itoa(res.Candidates),
			"canonical_ids": strconv.Itoa(res.CanonicalIDs),
			"duration":      finished.Sub(start).Round(time.Millisecond).String(),
			"output":        layout.CandidatesFaa(),
		},
	})
	if err != nil {
		return res, err
	}
	return res, nil
}
