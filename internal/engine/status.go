package engine

import (
	"context"
	"errors"
	"os"

	"pepseek/internal/domain"
	"pepseek/internal/manifest"
	"pepseek/internal/repo"
)

// StageStatus is one stage's progress as read from its record.
type StageStatus struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	FinishedAt string `json:"finished_at,omitempty"`
	Output     string `json:"output,omitempty"`
}

// StatusReport is a point-in-time view of the workspace, assembled from
// the manifest, the completion record store, and the run ledger.
type StatusReport struct {
	Project   string         `json:"project"`
	Samples   int            `json:"samples"`
	Terminal  int            `json:"terminal"`
	Statuses  map[string]int `json:"statuses"`
	Stages    []StageStatus  `json:"stages"`
	LatestRun *domain.Run    `json:"latest_run,omitempty"`
}

// Status assembles the workspace status. A missing manifest or an empty
// record store is a valid pre-run state, not an error.
func (e Engine) Status(ctx context.Context) (StatusReport, error) {
	report := StatusReport{
		Project:  e.Config.Project.ID,
		Statuses: map[string]int{},
	}

	if man, err := manifest.Load(e.Config.ManifestPath()); err == nil {
		report.Samples = len(man.Samples)
	}

	recs, err := e.Records.ListStage(domain.StageExtract)
	if err != nil {
		return report, err
	}
	for _, rec := range recs {
		report.Statuses[rec.Status]++
		if domain.TerminalStatus(rec.Status) {
			report.Terminal++
		}
	}

	for _, stage := range []string{domain.StageAggregate, domain.StageTranslate, domain.StageValidate, domain.StageFilter, domain.StageStats, domain.StageRename} {
		st := StageStatus{Stage: stage, Status: "pending"}
		if rec, err := e.Records.Read(stage); err == nil {
			st.Status = rec.Status
			st.FinishedAt = rec.Fields["finished_at"]
			if out := rec.Fields["output"]; out != "" {
				if _, err := os.Stat(out); err == nil {
					st.Output = out
				}
			}
		}
		report.Stages = append(report.Stages, st)
	}

	run, err := e.Repo.LatestRun(ctx, e.Config.Project.ID)
	switch {
	case err == nil:
		report.LatestRun = &run
	case errors.Is(err, repo.ErrNotFound):
	default:
		return report, err
	}
	return report, nil
}
