package session

import (
	"context"
	"log/slog"
	"sync"
)

// Manager maps each user to at most one live Handle. Handles are created
// lazily on first Acquire and torn down only by Release; task completion never
// touches them.
//
// Construction for one user never blocks another: the map lock is held only
// long enough to install an in-flight entry, and callers for the same user
// wait on that entry instead of racing a second Launch.
type Manager struct {
	mu       sync.Mutex
	logger   *slog.Logger
	launcher Launcher
	entries  map[string]*entry
}

type entry struct {
	ready  chan struct{}
	handle *Handle
	err    error
}

func NewManager(launcher Launcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		launcher: launcher,
		entries:  make(map[string]*entry),
	}
}

// Acquire returns the user's existing handle, or constructs one. Concurrent
// calls for the same user share a single construction.
func (m *Manager) Acquire(ctx context.Context, userID string) (*Handle, error) {
	m.mu.Lock()
	if e, ok := m.entries[userID]; ok {
		m.mu.Unlock()
		select {
		case <-e.ready:
			return e.handle, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e := &entry{ready: make(chan struct{})}
	m.entries[userID] = e
	m.mu.Unlock()

	handle, err := m.launcher.Launch(ctx, userID)
	if err != nil {
		m.mu.Lock()
		if m.entries[userID] == e {
			delete(m.entries, userID)
		}
		m.mu.Unlock()
		e.err = err
		close(e.ready)
		m.logger.Error("session launch failed", "user_id", userID, "error", err)
		return nil, err
	}

	e.handle = handle
	close(e.ready)
	m.logger.Info("session created", "user_id", userID, "session_id", handle.ID)
	return handle, nil
}

// Release tears down the user's handle if one exists. It is idempotent:
// releasing an absent user is a no-op.
func (m *Manager) Release(ctx context.Context, userID string) error {
	m.mu.Lock()
	e, ok := m.entries[userID]
	if ok {
		delete(m.entries, userID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.handle == nil {
		return nil
	}
	if err := m.launcher.Close(ctx, e.handle); err != nil {
		m.logger.Error("session close failed", "user_id", userID, "error", err)
		return err
	}
	m.logger.Info("session released", "user_id", userID, "session_id", e.handle.ID)
	return nil
}

// Peek returns the user's handle without constructing one.
func (m *Manager) Peek(userID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CloseAll releases every handle; used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	users := make([]string, 0, len(m.entries))
	for userID := range m.entries {
		users = append(users, userID)
	}
	m.mu.Unlock()

	for _, userID := range users {
		_ = m.Release(ctx, userID)
	}
}
