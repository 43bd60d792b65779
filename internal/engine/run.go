package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"pepseek/internal/domain"
	"pepseek/internal/events"
	"pepseek/internal/manifest"
	"pepseek/internal/records"
)

// RunOptions control one pipeline invocation. WaitExtract hands the
// per-sample extraction to an external scheduler: the run loads the
// saved manifest, polls the record store until every sample is
// terminal, and picks up from aggregation.
type RunOptions struct {
	Rerun       bool
	Workers     int
	WaitExtract bool
	Poll        time.Duration
}

// RunReport collects what each stage produced, for rendering and for
// the event log.
type RunReport struct {
	Run        domain.Run      `json:"run"`
	Demoted    bool            `json:"demoted,omitempty"`
	DemotedWhy string          `json:"demoted_why,omitempty"`
	Samples    int             `json:"samples"`
	Extract    []ExtractResult `json:"extract,omitempty"`
	Aggregate  AggregateResult `json:"aggregate"`
	Translate  TranslateResult `json:"translate"`
	Validate   ValidateResult  `json:"validate"`
	Filter     FilterResult    `json:"filter"`
	Stats      domain.Stats    `json:"stats"`
	Rename     RenameResult    `json:"rename"`
}

// RerunEligible reports whether a prior validation output exists and is
// non-empty, the precondition for honoring rerun mode.
func (e Engine) RerunEligible() (bool, string) {
	path := e.Config.Layout().HitsTSV()
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Sprintf("%s missing", path)
	}
	if info.Size() == 0 {
		return false, fmt.Sprintf("%s is empty", path)
	}
	return true, ""
}

// Run executes the pipeline end to end. Rerun mode skips extraction,
// aggregation, translation, and validation, resuming from filtering
// against the persisted validation output; a rerun without a usable
// prior output is demoted to a full run rather than failing.
func (e Engine) Run(ctx context.Context, opts RunOptions) (RunReport, error) {
	var report RunReport

	mode := domain.ModeFull
	if opts.Rerun {
		if ok, why := e.RerunEligible(); ok {
			mode = domain.ModeRerun
		} else {
			report.Demoted = true
			report.DemotedWhy = why
		}
	}

	run, err := e.beginRun(ctx, mode)
	if err != nil {
		return report, err
	}
	report.Run = run
	if report.Demoted {
		_ = e.appendEvent(ctx, "run.demoted", run.ID, "", "", events.EventPayload{"reason": report.DemotedWhy})
	}

	if err := e.runStages(ctx, &report, mode, opts); err != nil {
		_ = e.endRun(ctx, run.ID, domain.RunFailed, err.Error())
		return report, err
	}
	if err := e.endRun(ctx, run.ID, domain.RunCompleted, ""); err != nil {
		return report, err
	}
	report.Run.Status = domain.RunCompleted
	return report, nil
}

func (e Engine) runStages(ctx context.Context, report *RunReport, mode string, opts RunOptions) error {
	runID := report.Run.ID
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	if mode == domain.ModeFull {
		var man manifest.Manifest
		if opts.WaitExtract {
			loaded, err := manifest.Load(e.Config.ManifestPath())
			if err != nil {
				return fmt.Errorf("%w: waiting on external extraction needs a saved manifest: %v", domain.ErrConfig, err)
			}
			man = loaded
			report.Samples = len(man.Samples)
			if _, err := e.WaitForExtraction(ctx, man.IDs(), opts.Poll); err != nil {
				return err
			}
			_ = e.appendEvent(ctx, "stage.completed", runID, domain.StageExtract, "", events.EventPayload{"samples": len(man.Samples), "external": true})
		} else {
			targets, err := e.LoadTargets()
			if err != nil {
				return err
			}

			man, err = manifest.Build(e.Config)
			if err != nil {
				return err
			}
			if err := manifest.Save(e.Config.ManifestPath(), man); err != nil {
				return err
			}
			report.Samples = len(man.Samples)

			err = e.ExtractAll(ctx, man.Samples, targets, workers, func(res ExtractResult) {
				report.Extract = append(report.Extract, res)
				_ = e.appendEvent(ctx, "sample.extracted", runID, domain.StageExtract, res.Sample, events.EventPayload{
					"status":    res.Status,
					"extracted": res.Extracted,
				})
			})
			if err != nil {
				return err
			}
			_ = e.appendEvent(ctx, "stage.completed", runID, domain.StageExtract, "", events.EventPayload{"samples": len(report.Extract)})
		}

		var err error
		report.Aggregate, err = e.Aggregate(ctx, man.IDs())
		if err != nil {
			return err
		}
		_ = e.appendEvent(ctx, "stage.completed", runID, domain.StageAggregate, "", events.EventPayload{
			"combined": report.Aggregate.Combined,
			"unique":   report.Aggregate.Unique,
		})

		report.Translate, err = e.Translate(ctx)
		if err != nil {
			return err
		}
		_ = e.appendEvent(ctx, "stage.completed", runID, domain.StageTranslate, "", events.EventPayload{"frames": report.Translate.Frames})

		report.Validate, err = e.Validate(ctx)
		if err != nil {
			return err
		}
		_ = e.appendEvent(ctx, "stage.completed", runID, domain.StageValidate, "", events.EventPayload{"hits": report.Validate.Hits})
	} else {
		e.recoverStageCounts(report)
	}

	var err error
	report.Filter, err = e.Filter(ctx)
	if err != nil {
		return err
	}
	_ = e.appendEvent(ctx, "stage.completed", runID, domain.StageFilter, "", events.EventPayload{"accepted": report.Filter.Accepted})

	report.Stats, err = e.Stats(ctx)
	if err != nil {
		return err
	}
	_ = e.appendEvent(ctx, "stage.completed", runID, domain.StageStats, "", events.EventPayload{
		"matched_targets": len(report.Stats.MatchedTargets),
	})

	report.Rename, err = e.Rename(ctx)
	if err != nil {
		return err
	}
	_ = e.appendEvent(ctx, "stage.completed", runID, domain.StageRename, "", events.EventPayload{"candidates": report.Rename.Candidates})
	return nil
}

// recoverStageCounts backfills the skipped stages' counts from their
// prior records so a rerun report is not all zeros. Missing or
// unparseable records leave a count at zero.
func (e Engine) recoverStageCounts(report *RunReport) {
	if rec, err := e.Records.Read(domain.StageAggregate); err == nil {
		report.Aggregate.SamplesUsed = recordInt(rec, "samples_used")
		report.Aggregate.Combined = recordInt(rec, "combined_seqs")
		report.Aggregate.Unique = recordInt(rec, "unique_seqs")
	}
	if rec, err := e.Records.Read(domain.StageTranslate); err == nil {
		report.Translate.InputSeqs = recordInt(rec, "input_seqs")
		report.Translate.Frames = recordInt(rec, "frames")
	}
	if rec, err := e.Records.Read(domain.StageValidate); err == nil {
		report.Validate.Queries = recordInt(rec, "queries")
		report.Validate.Hits = recordInt(rec, "hits")
	}
}

func recordInt(rec records.Record, key string) int {
	n, _ := strconv.Atoi(rec.Fields[key])
	return n
}

func (e Engine) beginRun(ctx context.Context, mode string) (domain.Run, error) {
	run := domain.Run{
		ID:        uuid.NewString(),
		ProjectID: e.Config.Project.ID,
		Mode:      mode,
		Status:    domain.RunRunning,
		StartedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.started", run.ID, "", "", events.EventPayload{"mode": mode}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (e Engine) endRun(ctx context.Context, runID, status, errMsg string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	finished := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.FinishRun(ctx, tx, runID, status, finished, errMsg); err != nil {
		return err
	}
	evtType := "run.completed"
	payload := events.EventPayload{}
	if status == domain.RunFailed {
		evtType = "run.failed"
		payload["error"] = errMsg
	}
	if err := e.Events.Append(ctx, tx, evtType, runID, "", "", payload); err != nil {
		return err
	}
	return tx.Commit()
}
