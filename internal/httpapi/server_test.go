package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/davidep87/browserd/internal/artifacts"
	"github.com/davidep87/browserd/internal/config"
	"github.com/davidep87/browserd/internal/executor"
	"github.com/davidep87/browserd/internal/orchestrator"
	"github.com/davidep87/browserd/internal/session"
	"github.com/davidep87/browserd/internal/tasks"
)

const testAPIKey = "test-key"

type testLauncher struct{}

func (testLauncher) Launch(_ context.Context, userID string) (*session.Handle, error) {
	return &session.Handle{
		ID:        "session-" + userID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (testLauncher) Close(_ context.Context, _ *session.Handle) error { return nil }

type testExecutor struct {
	result string
	block  bool
}

func (e *testExecutor) Run(ctx context.Context, _ executor.StartSignal, onProgress func(int)) (string, error) {
	onProgress(1)
	if e.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return e.result, nil
}

func newTestServer(t *testing.T, exec executor.Executor) (*Server, *tasks.Registry) {
	t.Helper()
	cfg := config.Config{APIKey: testAPIKey, DefaultMaxSteps: 30, AllowAnyOrigin: true}
	registry := tasks.NewRegistry(nil)
	sessions := session.NewManager(testLauncher{}, nil)
	artifactMgr, err := artifacts.NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	service := orchestrator.New(registry, sessions, exec, nil, artifactMgr, nil, nil)
	return New(cfg, service, registry, artifactMgr, nil), registry
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) tasks.Task {
	t.Helper()
	var task tasks.Task
	if err := json.NewDecoder(rec.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v (body: %s)", err, rec.Body.String())
	}
	return task
}

func waitForTaskStatus(t *testing.T, handler http.Handler, taskID string, want tasks.Status) tasks.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, handler, http.MethodGet, "/v1/tasks/"+taskID, nil, testAPIKey)
		if rec.Code == http.StatusOK {
			task := decodeTask(t, rec)
			if task.Status == want {
				return task
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %q", taskID, want)
	return tasks.Task{}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{result: "ok"})
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/v1/stats", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/stats", nil, "wrong-key")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong key: status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/stats", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key: status = %d, want 200", rec.Code)
	}

	// Health stays open for probes.
	rec = doJSON(t, router, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status = %d, want 200", rec.Code)
	}
}

func TestCreateTaskLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{result: "booked the flight"})
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", map[string]any{
		"user_id":   "alice",
		"task":      "book a flight to Lisbon",
		"max_steps": 5,
	}, testAPIKey)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeTask(t, rec)
	if created.Status != tasks.StatusQueued {
		t.Fatalf("created status = %q, want queued", created.Status)
	}
	if created.TargetSteps != 5 {
		t.Fatalf("TargetSteps = %d, want 5", created.TargetSteps)
	}

	done := waitForTaskStatus(t, router, created.ID, tasks.StatusCompleted)
	if done.Result != "booked the flight" {
		t.Fatalf("Result = %q", done.Result)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{result: "ok"})
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", map[string]any{"task": "no user"}, testAPIKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/tasks", map[string]any{"user_id": "alice"}, testAPIKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing task: status = %d, want 400", rec.Code)
	}
}

func TestCreateTaskMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{result: "ok"})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"user_id": "alice",`))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("truncated body: status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{not json at all`))
	req.Header.Set("X-API-Key", testAPIKey)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d, want 400", rec.Code)
	}
}

func TestCreateTaskConflict(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{block: true})
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", map[string]any{
		"user_id": "alice",
		"task":    "first",
	}, testAPIKey)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first submit: status = %d, want 201", rec.Code)
	}
	first := decodeTask(t, rec)

	rec = doJSON(t, router, http.MethodPost, "/v1/tasks", map[string]any{
		"user_id": "alice",
		"task":    "second",
	}, testAPIKey)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second submit: status = %d, want 409", rec.Code)
	}

	// Cancel unblocks the slot; the next submission is admitted.
	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/"+first.ID+"/cancel", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	cancelled := decodeTask(t, rec)
	if cancelled.Status != tasks.StatusCancelled {
		t.Fatalf("cancelled status = %q", cancelled.Status)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/tasks", map[string]any{
		"user_id": "alice",
		"task":    "third",
	}, testAPIKey)
	if rec.Code != http.StatusCreated {
		t.Fatalf("resubmit after cancel: status = %d, want 201", rec.Code)
	}
}

func TestCancelErrors(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{result: "ok"})
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks/task-0-missing/cancel", nil, testAPIKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cancel missing: status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/tasks", map[string]any{
		"user_id": "alice",
		"task":    "quick",
	}, testAPIKey)
	created := decodeTask(t, rec)
	waitForTaskStatus(t, router, created.ID, tasks.StatusCompleted)

	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/cancel", nil, testAPIKey)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel terminal: status = %d, want 409 (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestListTasks(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{result: "ok"})
	router := srv.Router()

	for i := 0; i < 3; i++ {
		rec := doJSON(t, router, http.MethodPost, "/v1/tasks", map[string]any{
			"user_id": "alice",
			"task":    fmt.Sprintf("errand %d", i),
		}, testAPIKey)
		if rec.Code != http.StatusCreated {
			t.Fatalf("submit %d: status = %d (body: %s)", i, rec.Code, rec.Body.String())
		}
		created := decodeTask(t, rec)
		waitForTaskStatus(t, router, created.ID, tasks.StatusCompleted)
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/tasks?user_id=alice&limit=2", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var resp struct {
		UserID string       `json:"user_id"`
		Tasks  []tasks.Task `json:"tasks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(resp.Tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want limit 2", len(resp.Tasks))
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/tasks", nil, testAPIKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("list without user_id: status = %d, want 400", rec.Code)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{result: "ok"})
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/v1/tasks/task-0-missing", nil, testAPIKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTaskFiles(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{result: "ok"})
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", map[string]any{
		"user_id": "alice",
		"task":    "screenshot the dashboard",
	}, testAPIKey)
	created := decodeTask(t, rec)
	waitForTaskStatus(t, router, created.ID, tasks.StatusCompleted)

	// History is written on completion and must be listed and servable.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = doJSON(t, router, http.MethodGet, "/v1/tasks/"+created.ID+"/files", nil, testAPIKey)
		if rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), created.ID+".json") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("files listing never showed history (last: %d %s)", rec.Code, rec.Body.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = doJSON(t, router, http.MethodGet, "/files/"+created.ID+"/"+created.ID+".json", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("file fetch: status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/tasks/task-0-missing/files", nil, testAPIKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("files for missing task: status = %d, want 404", rec.Code)
	}
}

func TestReleaseSession(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{result: "ok"})
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", map[string]any{
		"user_id": "alice",
		"task":    "warm up the session",
	}, testAPIKey)
	created := decodeTask(t, rec)
	waitForTaskStatus(t, router, created.ID, tasks.StatusCompleted)

	rec = doJSON(t, router, http.MethodDelete, "/v1/sessions/alice", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("release: status = %d", rec.Code)
	}

	// Idempotent: a second release succeeds.
	rec = doJSON(t, router, http.MethodDelete, "/v1/sessions/alice", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("second release: status = %d", rec.Code)
	}
}

func TestTaskEventsWS(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{result: "ok"})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tasks/ws?user_id=alice"
	header := http.Header{}
	header.Set("X-API-Key", testAPIKey)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("ws dial: %v (resp: %+v)", err, resp)
	}
	defer conn.Close()

	// Give the handler a moment to install the subscription after the
	// handshake before any events are published.
	time.Sleep(100 * time.Millisecond)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/v1/tasks", map[string]any{
		"user_id": "alice",
		"task":    "stream my progress",
	}, testAPIKey)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: status = %d", rec.Code)
	}
	created := decodeTask(t, rec)

	// Read until the terminal event; queued, started, and progress come first.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	seen := map[tasks.EventType]bool{}
	for !seen[tasks.EventTaskCompleted] {
		var evt tasks.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read event: %v (seen: %v)", err, seen)
		}
		if evt.TaskID != created.ID {
			t.Fatalf("event for task %q, want %q", evt.TaskID, created.ID)
		}
		seen[evt.Type] = true
	}
	if !seen[tasks.EventTaskQueued] || !seen[tasks.EventTaskStarted] {
		t.Fatalf("missing lifecycle events: %v", seen)
	}
}

func TestTaskEventsWSRejectsMissingUser(t *testing.T) {
	srv, _ := newTestServer(t, &testExecutor{result: "ok"})
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/v1/tasks/ws", nil, testAPIKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
