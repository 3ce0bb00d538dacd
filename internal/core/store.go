package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/ballast/pkg/api"
)

// Run is one benchmark trigger as recorded in the store.
type Run struct {
	ID          string
	Cluster     string
	Status      api.RunStatus
	SchedulerIP string
	Executors   int
	StartedAt   time.Time
	FinishedAt  time.Time
	Duration    time.Duration
	Error       string
}

// Store is a SQLite-backed run history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// NewRun returns a pending run with a fresh ID
func NewRun(cluster string, executors int) Run {
	return Run{
		ID:        uuid.NewString(),
		Cluster:   cluster,
		Status:    api.RunPending,
		Executors: executors,
		StartedAt: time.Now().UTC(),
	}
}

// RecordRun inserts or replaces a run.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	var finished any
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, cluster, status, scheduler_ip, executors, started_at, finished_at, duration_ms, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    scheduler_ip = excluded.scheduler_ip,
    executors = excluded.executors,
    finished_at = excluded.finished_at,
    duration_ms = excluded.duration_ms,
    error = excluded.error`,
		r.ID, r.Cluster, string(r.Status), r.SchedulerIP, r.Executors, r.StartedAt.UTC(), finished, r.Duration.Milliseconds(), r.Error)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, cluster, status, scheduler_ip, executors, started_at, finished_at, duration_ms, error
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r        Run
			status   string
			finished sql.NullTime
			ms       int64
		)
		if err := rows.Scan(&r.ID, &r.Cluster, &status, &r.SchedulerIP, &r.Executors, &r.StartedAt, &finished, &ms, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = api.RunStatus(status)
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
