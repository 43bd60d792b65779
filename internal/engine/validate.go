package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"pepseek/internal/domain"
	"pepseek/internal/fasta"
	"pepseek/internal/records"
)

// ValidateResult summarizes the validation stage.
type ValidateResult struct {
	Queries int `json:"queries"`
	Hits    int `json:"hits"`
}

// Validate builds the reference database and aligns every translated
// frame against it, writing the raw hit table.
func (e Engine) Validate(ctx context.Context) (ValidateResult, error) {
	start := e.now()
	var res ValidateResult

	layout := e.Config.Layout()
	queries, err := fasta.Count(ctx, layout.FramesFaa())
	if err != nil {
		if os.IsNotExist(err) {
			return res, fmt.Errorf("%w: %s missing; run translate first", domain.ErrConfig, layout.FramesFaa())
		}
		return res, err
	}
	if queries == 0 {
		return res, fmt.Errorf("%w: no translated frames to validate", domain.ErrNoData)
	}
	res.Queries = queries

	ref := e.Config.Inputs.Reference
	if _, err := os.Stat(ref); err != nil {
		return res, fmt.Errorf("%w: reference %s: %v", domain.ErrConfig, ref, err)
	}

	if err := e.Tools.Validator.MakeDB(ctx, ref, layout.ValidationDB()); err != nil {
		return res, err
	}
	if err := e.Tools.Validator.Search(ctx, layout.ValidationDB(), layout.FramesFaa(), layout.HitsTSV()); err != nil {
		return res, err
	}

	hits, err := countLines(layout.HitsTSV())
	if err != nil {
		return res, fmt.Errorf("count validation hits: %w", err)
	}
	res.Hits = hits

	finished := e.now()
	err = e.Records.Publish(records.Record{
		Sample: domain.StageValidate,
		Stage:  domain.StageValidate,
		Status: domain.StatusCompleted,
		Fields: map[string]string{
			"finished_at": finished.UTC().Format(time.RFC3339),
			"queries":     strconv.Itoa(res.Queries),
			"hits":        strconv.Itoa(res.Hits),
			"duration":    finished.Sub(start).Round(time.Millisecond).String(),
			"output":      layout.HitsTSV(),
		},
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

func countLines(path string) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer fh.Close()
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n, sc.Err()
}
