package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"pepseek/internal/domain"
	"pepseek/internal/fasta"
	"pepseek/internal/records"
)

// TranslateResult summarizes the six-frame translation stage.
type TranslateResult struct {
	InputSeqs int `json:"input_seqs"`
	Frames    int `json:"frames"`
}

// Translate runs the translation engine over the deduplicated
// candidates, producing six reading frames per input sequence.
func (e Engine) Translate(ctx context.Context) (TranslateResult, error) {
	start := e.now()
	var res TranslateResult

	layout := e.Config.Layout()
	n, err := e.UniqueCount(ctx)
	if err != nil {
		return res, err
	}
	if n == 0 {
		return res, fmt.Errorf("%w: %s holds no sequences to translate", domain.ErrNoData, layout.UniqueFasta())
	}
	res.InputSeqs = n

	if err := e.Tools.Translator.SixFrame(ctx, layout.UniqueFasta(), layout.FramesFaa()); err != nil {
		return res, err
	}
	frames, err := fasta.Count(ctx, layout.FramesFaa())
	if err != nil {
		return res, fmt.Errorf("count translated frames: %w", err)
	}
	if frames == 0 {
		return res, fmt.Errorf("%w: translation produced no frames from %d sequences", domain.ErrToolFailure, n)
	}
	res.Frames = frames

	finished := e.now()
	err = e.Records.Publish(records.Record{
		Sample: domain.StageTranslate,
		Stage:  domain.StageTranslate,
		Status: domain.StatusCompleted,
		Fields: map[string]string{
			"finished_at": finished.UTC().Format(time.RFC3339),
			"input_seqs":  strconv.Itoa(res.InputSeqs),
			"frames":      strconv.Itoa(res.Frames),
			"duration":    finished.Sub(start).Round(time.Millisecond).String(),
			"output":      layout.FramesFaa(),
		},
	})
	if err != nil {
		return res, err
	}
	return res, nil
}
