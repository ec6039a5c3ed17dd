package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Handle is a reusable per-user execution context. It outlives individual
// tasks: the registry owns it until an explicit Release.
type Handle struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	WorkDir   string    `json:"work_dir"`
	StateFile string    `json:"state_file"`
	CreatedAt time.Time `json:"created_at"`
}

// Launcher constructs and tears down execution contexts. Construction may be
// slow (it allocates external resources such as a browser profile directory);
// the registry makes sure it only ever blocks the requesting user.
type Launcher interface {
	Launch(ctx context.Context, userID string) (*Handle, error)
	Close(ctx context.Context, h *Handle) error
}

// LocalLauncher backs each handle with a per-user directory holding the
// profile workdir and a persisted state file.
type LocalLauncher struct {
	usersDir string
}

func NewLocalLauncher(usersDir string) (*LocalLauncher, error) {
	if err := os.MkdirAll(usersDir, 0o755); err != nil {
		return nil, fmt.Errorf("create users dir: %w", err)
	}
	return &LocalLauncher{usersDir: usersDir}, nil
}

func (l *LocalLauncher) Launch(_ context.Context, userID string) (*Handle, error) {
	userDir := filepath.Join(l.usersDir, userID)
	workDir := filepath.Join(userDir, "profile")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(userDir, "downloads"), 0o755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}

	stateFile := filepath.Join(userDir, "session.json")
	if _, err := os.Stat(stateFile); os.IsNotExist(err) {
		if err := os.WriteFile(stateFile, []byte("{}\n"), 0o644); err != nil {
			return nil, fmt.Errorf("seed state file: %w", err)
		}
	}

	return &Handle{
		ID:        fmt.Sprintf("session-%s-%d", userID, time.Now().Unix()),
		UserID:    userID,
		WorkDir:   workDir,
		StateFile: stateFile,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Close releases the live context. Persisted state stays on disk so the next
// Launch for the same user resumes where this one left off.
func (l *LocalLauncher) Close(_ context.Context, _ *Handle) error {
	return nil
}
