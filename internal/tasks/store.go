package tasks

import (
	"context"
	"errors"
	"strings"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store archives task records beyond the in-memory registry's retention
// window. The registry itself never touches it; the orchestrator saves
// terminal records and falls back to it on registry misses.
type Store interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasksByUser(ctx context.Context, userID string, limit int) ([]Task, error)
	Close() error
}

// NewStore returns a postgres-backed store when databaseURL is set, otherwise
// nil (purely in-memory operation).
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
