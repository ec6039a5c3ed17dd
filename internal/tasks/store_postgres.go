package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			task TEXT NOT NULL,
			status TEXT NOT NULL,
			steps_completed INTEGER NOT NULL DEFAULT 0,
			target_steps INTEGER NOT NULL DEFAULT 0,
			stall_count INTEGER NOT NULL DEFAULT 0,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL,
			last_activity TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks (user_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (
			id, user_id, task, status, steps_completed, target_steps, stall_count,
			result, error, duration_seconds, created_at, updated_at, started_at, completed_at, last_activity
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
		)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			steps_completed=EXCLUDED.steps_completed,
			stall_count=EXCLUDED.stall_count,
			result=EXCLUDED.result,
			error=EXCLUDED.error,
			duration_seconds=EXCLUDED.duration_seconds,
			updated_at=EXCLUDED.updated_at,
			started_at=EXCLUDED.started_at,
			completed_at=EXCLUDED.completed_at,
			last_activity=EXCLUDED.last_activity`,
		task.ID,
		task.UserID,
		task.Spec,
		string(task.Status),
		task.StepsCompleted,
		task.TargetSteps,
		task.StallCount,
		task.Result,
		task.Error,
		task.DurationSec,
		task.CreatedAt,
		task.UpdatedAt,
		task.StartedAt,
		task.CompletedAt,
		task.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx,
		taskSelect+` WHERE id=$1`,
		taskID,
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasksByUser(ctx context.Context, userID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		taskSelect+` WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

const taskSelect = `SELECT id, user_id, task, status, steps_completed, target_steps, stall_count,
       result, error, duration_seconds, created_at, updated_at, started_at, completed_at, last_activity
  FROM tasks`

func scanTask(row pgx.Row) (Task, error) {
	var (
		task         Task
		status       string
		started      *time.Time
		completed    *time.Time
		lastActivity *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Spec,
		&status,
		&task.StepsCompleted,
		&task.TargetSteps,
		&task.StallCount,
		&task.Result,
		&task.Error,
		&task.DurationSec,
		&task.CreatedAt,
		&task.UpdatedAt,
		&started,
		&completed,
		&lastActivity,
	); err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	task.StartedAt = started
	task.CompletedAt = completed
	task.LastActivity = lastActivity
	return task, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
