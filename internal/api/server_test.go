package api

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	overrs "github.com/randalmurphal/overseer/internal/errors"
	"github.com/randalmurphal/overseer/internal/events"
	"github.com/randalmurphal/overseer/internal/git"
	"github.com/randalmurphal/overseer/internal/hosting"
	"github.com/randalmurphal/overseer/internal/store"
	"github.com/randalmurphal/overseer/internal/supervisor"
	"github.com/randalmurphal/overseer/internal/task"
)

type fakeOrchestrator struct {
	started    []string
	startOpts  []supervisor.StartOptions
	cancelled  []string
	extended   []string
	feedback   []string
	planOK     []string
	approved   []string
	requested  []string
	startErr   error
	approveErr error
	changes    *supervisor.Changes
	changesErr error
	pr         *hosting.PR
}

func (f *fakeOrchestrator) StartAgent(taskID string, opts supervisor.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, taskID)
	f.startOpts = append(f.startOpts, opts)
	return nil
}

func (f *fakeOrchestrator) CancelAgent(taskID string) error {
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func (f *fakeOrchestrator) ExtendTimeout(taskID string) error {
	f.extended = append(f.extended, taskID)
	return nil
}

func (f *fakeOrchestrator) SendFeedback(taskID, msg string) error {
	f.feedback = append(f.feedback, taskID+":"+msg)
	return nil
}

func (f *fakeOrchestrator) ApprovePlan(taskID string) error {
	f.planOK = append(f.planOK, taskID)
	return nil
}

func (f *fakeOrchestrator) ApproveAndCreatePR(_ context.Context, taskID string) (*hosting.PR, error) {
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	f.approved = append(f.approved, taskID)
	return f.pr, nil
}

func (f *fakeOrchestrator) RequestChanges(taskID, feedback string) error {
	f.requested = append(f.requested, taskID+":"+feedback)
	return nil
}

func (f *fakeOrchestrator) TaskChanges(taskID string) (*supervisor.Changes, error) {
	return f.changes, f.changesErr
}

type env struct {
	srv   *httptest.Server
	store *store.Store
	bus   *events.Bus
	hist  *events.History
	orch  *fakeOrchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	hist := events.NewHistory(100, 100, time.Minute)
	t.Cleanup(hist.Close)

	orch := &fakeOrchestrator{pr: &hosting.PR{Number: 9, URL: "https://github.com/o/r/pull/9"}}
	server := NewServer(st, bus, hist, orch, nil)
	t.Cleanup(server.Close)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &env{srv: srv, store: st, bus: bus, hist: hist, orch: orch}
}

func (e *env) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateAndGetTask(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/tasks", map[string]any{
		"title":         "fix the login flow",
		"repo_url":      "https://github.com/o/r.git",
		"target_branch": "main",
		"agent_type":    "claude-code",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[task.Task](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, task.StatusDraft, created.Status)
	assert.Equal(t, task.BranchName(created.ID), created.BranchName)

	resp = e.get(t, "/api/tasks/"+created.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[task.Task](t, resp)
	assert.Equal(t, "fix the login flow", got.Title)
}

func TestCreateTaskValidation(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/api/tasks", map[string]any{"title": "missing repo"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetMissingTaskIs404(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/api/tasks/"+task.NewID())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[APIError](t, resp)
	assert.Equal(t, string(overrs.CodeTaskNotFound), body.Code)
}

func TestStartCancelAndExtend(t *testing.T) {
	e := newEnv(t)
	tk := task.New("t", "https://github.com/o/r.git", "main")
	require.NoError(t, e.store.CreateTask(tk))

	resp := e.post(t, "/api/tasks/"+tk.ID+"/start", map[string]any{"plan_only": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Len(t, e.orch.startOpts, 1)
	assert.True(t, e.orch.startOpts[0].PlanOnly)

	resp = e.post(t, "/api/tasks/"+tk.ID+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, []string{tk.ID}, e.orch.cancelled)

	resp = e.post(t, "/api/tasks/"+tk.ID+"/extend-timeout", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, []string{tk.ID}, e.orch.extended)
}

func TestStartMapsStatusErrors(t *testing.T) {
	e := newEnv(t)
	e.orch.startErr = overrs.ErrAgentRunning("x")

	resp := e.post(t, "/api/tasks/x/start", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[APIError](t, resp)
	assert.Equal(t, string(overrs.CodeAgentRunning), body.Code)
}

func TestApproveEndpoints(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/tasks/abc/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pr := decode[hosting.PR](t, resp)
	assert.Equal(t, 9, pr.Number)
	assert.Equal(t, []string{"abc"}, e.orch.approved)

	resp = e.post(t, "/api/tasks/abc/approve-plan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, []string{"abc"}, e.orch.planOK)

	resp = e.post(t, "/api/tasks/abc/request-changes", map[string]string{"feedback": "tighten the loop"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, []string{"abc:tighten the loop"}, e.orch.requested)

	resp = e.post(t, "/api/tasks/abc/request-changes", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestFeedbackEndpoint(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/tasks/abc/feedback", map[string]string{"message": "use table tests"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, []string{"abc:use table tests"}, e.orch.feedback)
}

func TestTaskLogsPrefersHistory(t *testing.T) {
	e := newEnv(t)
	tk := task.New("t", "https://github.com/o/r.git", "main")
	require.NoError(t, e.store.CreateTask(tk))

	e.hist.AppendLog(tk.ID, events.LogEntry{TS: time.Now(), Level: events.LevelInfo, Message: "from ring"})
	require.NoError(t, e.store.AppendTaskLog(tk.ID, events.LogEntry{TS: time.Now(), Level: events.LevelInfo, Message: "from table"}))

	resp := e.get(t, "/api/tasks/"+tk.ID+"/logs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := decode[[]events.LogEntry](t, resp)
	require.Len(t, logs, 1)
	assert.Equal(t, "from ring", logs[0].Message)
}

func TestTaskLogsFallsBackToStore(t *testing.T) {
	e := newEnv(t)
	tk := task.New("t", "https://github.com/o/r.git", "main")
	require.NoError(t, e.store.CreateTask(tk))
	require.NoError(t, e.store.AppendTaskLog(tk.ID, events.LogEntry{TS: time.Now(), Level: events.LevelWarn, Message: "persisted"}))

	resp := e.get(t, "/api/tasks/"+tk.ID+"/logs")
	logs := decode[[]events.LogEntry](t, resp)
	require.Len(t, logs, 1)
	assert.Equal(t, "persisted", logs[0].Message)
}

func TestTaskChangesEndpoint(t *testing.T) {
	e := newEnv(t)
	e.orch.changes = &supervisor.Changes{
		Files: []git.ChangedFile{{Path: "a.go", Status: git.StatusModified}},
		Diff:  "diff --git a/a.go b/a.go",
	}

	resp := e.get(t, "/api/tasks/abc/changes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ch := decode[supervisor.Changes](t, resp)
	require.Len(t, ch.Files, 1)
	assert.Equal(t, "a.go", ch.Files[0].Path)

	e.orch.changes = nil
	e.orch.changesErr = fmt.Errorf("no change snapshot")
	resp = e.get(t, "/api/tasks/abc/changes")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()
}

func TestWebsocketStreamsEvents(t *testing.T) {
	e := newEnv(t)
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "subscribe", TaskID: "task-1"}))

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack["type"])

	e.bus.Publish(events.New(events.TypeStatus, "task-1", events.StatusData{New: "planning"}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "event", frame["type"])
	assert.Equal(t, "status", frame["event"])
	assert.Equal(t, "task-1", frame["task_id"])
}

func TestWebsocketTopicClosedOnTerminalEvent(t *testing.T) {
	e := newEnv(t)
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "subscribe", TaskID: "task-2"}))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))

	e.bus.Publish(events.New(events.TypeComplete, "task-2", events.CompleteData{Summary: "done"}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	types := map[string]bool{}
	for len(types) < 2 {
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame))
		types[frame["type"].(string)] = true
	}
	assert.True(t, types["event"])
	assert.True(t, types["topic_closed"])
}
