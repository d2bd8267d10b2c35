// Package jobs keeps the registry of asynchronous cycle invocations. The
// registry lives in an in-memory SQLite database and is lost on restart.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/iotpredict/predictor/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates an empty registry.
func Open(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_ts INTEGER NOT NULL,
			started_ts INTEGER DEFAULT NULL,
			finished_ts INTEGER DEFAULT NULL,
			payload TEXT NOT NULL,
			result TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating jobs table: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rollback(ctx context.Context, tx *sql.Tx, id string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("job_id", id))
	}
}

// Create registers a new queued job.
func (s *Store) Create(ctx context.Context, payload model.RunRequest) (model.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.Job{}, err
	}
	job := model.Job{
		ID:        uuid.NewString(),
		Status:    model.JobQueued,
		CreatedTS: model.Millis(s.now()),
		Payload:   payload,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, created_ts, payload) VALUES (?,?,?,?);`,
		job.ID, string(job.Status), job.CreatedTS, string(raw),
	)
	if err != nil {
		return model.Job{}, fmt.Errorf("executing sql insert failed: %w", err)
	}
	return job, nil
}

// Get returns the job identified by id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (model.Job, error) {
	var (
		job        model.Job
		status     string
		started    sql.NullInt64
		finished   sql.NullInt64
		payload    string
		resultJSON sql.NullString
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, created_ts, started_ts, finished_ts, payload, result FROM jobs WHERE id=?`, id,
	)
	err := row.Scan(&job.ID, &status, &job.CreatedTS, &started, &finished, &payload, &resultJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Job{}, ErrNotFound
	case err != nil:
		return model.Job{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	job.Status = model.JobStatus(status)
	if started.Valid {
		job.StartedTS = &started.Int64
	}
	if finished.Valid {
		job.FinishedTS = &finished.Int64
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return model.Job{}, fmt.Errorf("decoding payload of %s: %w", id, err)
	}
	if resultJSON.Valid {
		var res model.CycleResult
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return model.Job{}, fmt.Errorf("decoding result of %s: %w", id, err)
		}
		job.Result = &res
	}
	return job, nil
}

// Start moves a queued job to running. Starting a running job is a no-op,
// a finished one returns ErrAlreadyFinished.
func (s *Store) Start(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, id)

	status, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	switch {
	case status == model.JobRunning:
		return nil
	case status.Terminal():
		return ErrAlreadyFinished
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_ts = ? WHERE id = ?;`,
		string(model.JobRunning), model.Millis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Finish records the terminal status and result of a job. Terminal states
// are final, finishing twice returns ErrAlreadyFinished.
func (s *Store) Finish(ctx context.Context, id string, status model.JobStatus, result model.CycleResult) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, id)

	current, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return ErrAlreadyFinished
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, finished_ts = ?, result = ? WHERE id = ?;`,
		string(status), model.Millis(s.now()), string(raw), id,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Cancel marks a queued or running job canceled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.Finish(ctx, id, model.JobCanceled, model.CycleResult{Status: model.CycleCanceled})
}

func currentStatus(ctx context.Context, tx *sql.Tx, id string) (model.JobStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", ErrNotFound
	case err != nil:
		return "", fmt.Errorf("executing sql query failed: %w", err)
	}
	return model.JobStatus(status), nil
}
