package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pepseek/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanRun(row *sql.Row) (domain.Run, error) {
	var r domain.Run
	var finished, runErr sql.NullString
	err := row.Scan(&r.ID, &r.ProjectID, &r.Mode, &r.Status, &r.StartedAt, &finished, &runErr)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if finished.Valid {
		r.FinishedAt = finished.String
	}
	if runErr.Valid {
		r.Error = runErr.String
	}
	return r, err
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,project_id,mode,status,started_at,finished_at,error) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.Mode, run.Status, run.StartedAt, nullable(run.FinishedAt), nullable(run.Error))
	return err
}

func (r Repo) FinishRun(ctx context.Context, tx *sql.Tx, id, status, finishedAt, errMsg string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, finished_at=?, error=? WHERE id=?`,
		status, finishedAt, nullable(errMsg), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT id,project_id,mode,status,started_at,finished_at,error FROM runs WHERE id=?`, id))
}

// LatestRun returns the most recently started run for a project.
func (r Repo) LatestRun(ctx context.Context, projectID string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT id,project_id,mode,status,started_at,finished_at,error FROM runs WHERE project_id=? ORDER BY started_at DESC, id DESC LIMIT 1`, projectID))
}

func (r Repo) ListRuns(ctx context.Context, projectID string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,mode,status,started_at,finished_at,error FROM runs WHERE project_id=? ORDER BY started_at DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var finished, runErr sql.NullString
		if err := rows.Scan(&run.ID, &run.ProjectID, &run.Mode, &run.Status, &run.StartedAt, &finished, &runErr); err != nil {
			return nil, err
		}
		if finished.Valid {
			run.FinishedAt = finished.String
		}
		if runErr.Valid {
			run.Error = runErr.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) ListEvents(ctx context.Context, runID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,run_id,COALESCE(stage,''),COALESCE(sample,''),COALESCE(payload,'') FROM events WHERE run_id=? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventFilter narrows event queries. Empty fields match everything.
type EventFilter struct {
	Type   string
	Stage  string
	Sample string
}

func (f EventFilter) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Sample != "" {
		clauses = append(clauses, "sample=?")
		args = append(args, f.Sample)
	}
	return clauses, args
}

// EventsAfter pages events past a cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, filter EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := filter.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,COALESCE(stage,''),COALESCE(sample,''),COALESCE(payload,'') FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEvents returns the newest n matching events in chronological order.
func (r Repo) LatestEvents(ctx context.Context, n int, filter EventFilter) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	clauses, args := filter.clauses()
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,COALESCE(stage,''),COALESCE(sample,''),COALESCE(payload,'') FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	evts, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
		evts[i], evts[j] = evts[j], evts[i]
	}
	return evts, nil
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Stage, &e.Sample, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
