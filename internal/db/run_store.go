package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/optobench/internal/sweep"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is a row of the runs table without its measurements.
type RunSummary struct {
	ID           string       `json:"id"`
	State        sweep.State  `json:"state"`
	AbortedIn    sweep.State  `json:"aborted_in,omitempty"`
	Params       sweep.Params `json:"params"`
	TotalSteps   int          `json:"total_steps"`
	Records      int          `json:"records"`
	ArtifactPath string       `json:"artifact_path,omitempty"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
}

// RunStore indexes sweep runs. It implements sweep.RunRecorder.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a RunStore on db.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db.DB}
}

// RunStarted inserts a row for a run that passed validation.
func (s *RunStore) RunStarted(ctx context.Context, run *sweep.Run) error {
	query := `
		INSERT INTO runs (
			run_id, state, start_ma, stop_ma, step_ma, module,
			stabilization_delay_ms, total_steps, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	p := run.Params
	_, err := s.db.ExecContext(ctx, query,
		run.ID, string(run.State), p.StartMA, p.StopMA, p.StepMA, p.Module,
		p.StabilizationDelayMS, run.TotalSteps, formatTime(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return nil
}

// RunFinished records the outcome and measurements of a run. The run row
// is created if RunStarted was never called for it.
func (s *RunStore) RunFinished(ctx context.Context, run *sweep.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p := run.Params
	var finished *string
	if run.FinishedAt != nil {
		f := formatTime(*run.FinishedAt)
		finished = &f
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, state, aborted_in, start_ma, stop_ma, step_ma, module,
			stabilization_delay_ms, total_steps, artifact_path, error,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			state = excluded.state,
			aborted_in = excluded.aborted_in,
			total_steps = excluded.total_steps,
			artifact_path = excluded.artifact_path,
			error = excluded.error,
			finished_at = excluded.finished_at
	`,
		run.ID, string(run.State), nullStr(string(run.AbortedIn)),
		p.StartMA, p.StopMA, p.StepMA, p.Module, p.StabilizationDelayMS,
		run.TotalSteps, nullStr(run.ArtifactPath), nullStr(run.Error),
		formatTime(run.StartedAt), finished,
	)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM measurements WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("clearing measurements for %s: %w", run.ID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO measurements (run_id, seq, timestamp, current_ma, power, module)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range run.Records {
		if _, err := stmt.ExecContext(ctx, run.ID, i, r.Timestamp, r.CurrentMA, r.Power, r.Module); err != nil {
			return fmt.Errorf("inserting measurement %d for %s: %w", i, run.ID, err)
		}
	}
	return tx.Commit()
}

const runColumns = `
	r.run_id, r.state, r.aborted_in, r.start_ma, r.stop_ma, r.step_ma, r.module,
	r.stabilization_delay_ms, r.total_steps, r.artifact_path, r.error,
	r.started_at, r.finished_at,
	(SELECT COUNT(*) FROM measurements m WHERE m.run_id = r.run_id)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunSummary, error) {
	var rs RunSummary
	var state string
	var abortedIn, artifact, errMsg, startedAt, finishedAt sql.NullString
	err := row.Scan(
		&rs.ID, &state, &abortedIn,
		&rs.Params.StartMA, &rs.Params.StopMA, &rs.Params.StepMA, &rs.Params.Module,
		&rs.Params.StabilizationDelayMS, &rs.TotalSteps, &artifact, &errMsg,
		&startedAt, &finishedAt, &rs.Records,
	)
	if err != nil {
		return nil, err
	}
	rs.State = sweep.State(state)
	rs.AbortedIn = sweep.State(abortedIn.String)
	rs.ArtifactPath = artifact.String
	rs.Error = errMsg.String
	if startedAt.Valid {
		if t, err := parseTime(startedAt.String); err == nil {
			rs.StartedAt = t
		}
	}
	if finishedAt.Valid {
		if t, err := parseTime(finishedAt.String); err == nil {
			rs.FinishedAt = &t
		}
	}
	return &rs, nil
}

// GetRun returns one run summary.
func (s *RunStore) GetRun(ctx context.Context, id string) (*RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs r WHERE r.run_id = ?`, id)
	rs, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	return rs, nil
}

// ListRuns returns the most recent runs first. limit <= 0 means 100.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs r ORDER BY r.started_at DESC, r.run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		rs, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *rs)
	}
	return runs, rows.Err()
}

// Measurements returns a run's records in acquisition order.
func (s *RunStore) Measurements(ctx context.Context, id string) ([]sweep.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, current_ma, power, module
		FROM measurements
		WHERE run_id = ?
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying measurements for %s: %w", id, err)
	}
	defer rows.Close()

	records := []sweep.Record{}
	for rows.Next() {
		var r sweep.Record
		if err := rows.Scan(&r.Timestamp, &r.CurrentMA, &r.Power, &r.Module); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteRun removes a run and its measurements.
func (s *RunStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
