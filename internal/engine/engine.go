package engine

import (
	"context"
	"database/sql"
	"time"

	"pepseek/internal/config"
	"pepseek/internal/events"
	"pepseek/internal/records"
	"pepseek/internal/repo"
	"pepseek/internal/tools"
)

// Engine executes pipeline stages against one workspace. Stage methods
// are safe to call from separate processes on a shared filesystem; the
// database is only touched by run orchestration and reporting.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Records records.Store
	Config  *config.Config
	Tools   tools.Set
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Records: records.NewStore(cfg.Layout().RecordsDir()),
		Config:  cfg,
		Tools:   tools.New(cfg.Tools, cfg.Thresholds),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// appendEvent records one event in its own transaction. Orchestration
// uses it between stages; failures here must not undo stage work, so
// the error is returned for logging rather than aborting.
func (e Engine) appendEvent(ctx context.Context, evtType, runID, stage, sample string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, runID, stage, sample, payload); err != nil {
		return err
	}
	return tx.Commit()
}
