package artifacts

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidep87/browserd/internal/tasks"
)

// Manager owns the on-disk layout for task output: one directory per task id
// under <base>/tasks, zip archives of retired directories under
// <base>/archive. The core orchestration code never reads artifact bytes; it
// only keys into this layout by task id.
type Manager struct {
	baseDir    string
	tasksDir   string
	archiveDir string
	logger     *slog.Logger
}

// TaskFiles lists the known artifacts of one task.
type TaskFiles struct {
	TaskID      string   `json:"task_id"`
	HistoryFile string   `json:"history_file,omitempty"`
	GIFFile     string   `json:"gif_file,omitempty"`
	Screenshots []string `json:"screenshots,omitempty"`
}

func (f TaskFiles) HasFiles() bool {
	return f.HistoryFile != "" || f.GIFFile != "" || len(f.Screenshots) > 0
}

func NewManager(baseDir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		baseDir:    baseDir,
		tasksDir:   filepath.Join(baseDir, "tasks"),
		archiveDir: filepath.Join(baseDir, "archive"),
		logger:     logger,
	}
	for _, dir := range []string{m.tasksDir, m.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}
	return m, nil
}

func (m *Manager) TasksDir() string {
	return m.tasksDir
}

func (m *Manager) TaskDir(taskID string) string {
	return filepath.Join(m.tasksDir, taskID)
}

// SaveHistory writes the terminal task snapshot as <task_id>.json in the
// task's directory.
func (m *Manager) SaveHistory(task tasks.Task) (string, error) {
	dir := m.TaskDir(task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	path := filepath.Join(dir, task.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write history: %w", err)
	}
	return path, nil
}

// Files inspects the task directory for the artifacts the executor may have
// produced: history JSON, a run animation, and step screenshots.
func (m *Manager) Files(taskID string) TaskFiles {
	dir := m.TaskDir(taskID)
	out := TaskFiles{TaskID: taskID}

	if _, err := os.Stat(filepath.Join(dir, taskID+".json")); err == nil {
		out.HistoryFile = taskID + ".json"
	}
	if _, err := os.Stat(filepath.Join(dir, taskID+".gif")); err == nil {
		out.GIFFile = taskID + ".gif"
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "step_*.jpg"))
	sort.Strings(matches)
	for _, match := range matches {
		out.Screenshots = append(out.Screenshots, filepath.Base(match))
	}
	return out
}

// RemoveTaskDir deletes a task's directory once its contents are archived.
func (m *Manager) RemoveTaskDir(taskID string) error {
	return os.RemoveAll(m.TaskDir(taskID))
}

// ArchiveOlderThan zips task directories whose newest content is older than
// age into <base>/archive/<task_id>.zip and removes the originals. Returns
// the number of directories archived.
func (m *Manager) ArchiveOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(m.tasksDir)
	if err != nil {
		return 0, fmt.Errorf("read tasks dir: %w", err)
	}
	cutoff := time.Now().Add(-age)

	archived := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "task-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := m.zipTaskDir(entry.Name()); err != nil {
			m.logger.Error("archive failed", "task_id", entry.Name(), "error", err)
			continue
		}
		if err := m.RemoveTaskDir(entry.Name()); err != nil {
			m.logger.Error("remove archived dir failed", "task_id", entry.Name(), "error", err)
			continue
		}
		archived++
	}
	return archived, nil
}

func (m *Manager) zipTaskDir(taskID string) error {
	srcDir := m.TaskDir(taskID)
	zipPath := filepath.Join(m.archiveDir, taskID+".zip")

	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(filepath.Join(taskID, rel)))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
}
