package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/randalmurphal/overseer/internal/events"
	"github.com/randalmurphal/overseer/internal/hosting"
	"github.com/randalmurphal/overseer/internal/store"
	"github.com/randalmurphal/overseer/internal/supervisor"
	"github.com/randalmurphal/overseer/internal/task"
)

// Orchestrator is the slice of the supervisor the API drives.
type Orchestrator interface {
	StartAgent(taskID string, opts supervisor.StartOptions) error
	CancelAgent(taskID string) error
	ExtendTimeout(taskID string) error
	SendFeedback(taskID, msg string) error
	ApprovePlan(taskID string) error
	ApproveAndCreatePR(ctx context.Context, taskID string) (*hosting.PR, error)
	RequestChanges(taskID, feedback string) error
	TaskChanges(taskID string) (*supervisor.Changes, error)
}

// Server exposes the orchestrator over HTTP.
type Server struct {
	store   *store.Store
	history *events.History
	bus     *events.Bus
	sup     Orchestrator
	logger  *slog.Logger
	ws      *WSHandler
}

// NewServer creates a Server.
func NewServer(st *store.Store, bus *events.Bus, history *events.History, sup Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   st,
		history: history,
		bus:     bus,
		sup:     sup,
		logger:  logger,
	}
	s.ws = NewWSHandler(bus, logger)
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)

	mux.HandleFunc("GET /api/tasks/{id}/logs", s.handleTaskLogs)
	mux.HandleFunc("GET /api/tasks/{id}/chat", s.handleTaskChat)
	mux.HandleFunc("GET /api/tasks/{id}/changes", s.handleTaskChanges)

	mux.HandleFunc("POST /api/tasks/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/tasks/{id}/extend-timeout", s.handleExtendTimeout)
	mux.HandleFunc("POST /api/tasks/{id}/feedback", s.handleFeedback)
	mux.HandleFunc("POST /api/tasks/{id}/approve-plan", s.handleApprovePlan)
	mux.HandleFunc("POST /api/tasks/{id}/approve", s.handleApprovePR)
	mux.HandleFunc("POST /api/tasks/{id}/request-changes", s.handleRequestChanges)

	mux.HandleFunc("GET /api/repositories", s.handleListRepositories)

	mux.HandleFunc("GET /ws", s.ws.ServeHTTP)

	return mux
}

// Close shuts down the websocket connections.
func (s *Server) Close() {
	s.ws.Close()
}

type createTaskRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	RepoURL      string   `json:"repo_url"`
	TargetBranch string   `json:"target_branch"`
	ContextFiles []string `json:"context_files,omitempty"`
	BuildCommand string   `json:"build_command,omitempty"`
	AgentType    string   `json:"agent_type,omitempty"`
	AgentModel   string   `json:"agent_model,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Title == "" || req.RepoURL == "" || req.TargetBranch == "" {
		JSONError(w, "title, repo_url, and target_branch are required", http.StatusBadRequest)
		return
	}

	t := task.New(req.Title, req.RepoURL, req.TargetBranch)
	t.Description = req.Description
	t.ContextFiles = req.ContextFiles
	t.BuildCommand = req.BuildCommand
	t.AgentType = req.AgentType
	t.AgentModel = req.AgentModel

	if err := s.store.CreateTask(t); err != nil {
		HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	JSONResponse(w, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.PathValue("id")); err != nil {
		HandleError(w, err)
		return
	}
	NoContent(w)
}

// handleTaskLogs serves the in-memory ring buffer, falling back to the
// persisted log table for tasks whose buffer was evicted.
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logs := s.history.Logs(id)
	if len(logs) == 0 {
		stored, err := s.store.TaskLogs(id)
		if err == nil {
			logs = stored
		}
	}
	if logs == nil {
		logs = []events.LogEntry{}
	}
	JSONResponse(w, logs)
}

func (s *Server) handleTaskChat(w http.ResponseWriter, r *http.Request) {
	chat := s.history.Chat(r.PathValue("id"))
	if chat == nil {
		chat = []events.Event{}
	}
	JSONResponse(w, chat)
}

func (s *Server) handleTaskChanges(w http.ResponseWriter, r *http.Request) {
	ch, err := s.sup.TaskChanges(r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, ch)
}

type startRequest struct {
	Resume   bool `json:"resume,omitempty"`
	PlanOnly bool `json:"plan_only,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			JSONError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	id := r.PathValue("id")
	if err := s.sup.StartAgent(id, supervisor.StartOptions{
		IsResume: req.Resume,
		PlanOnly: req.PlanOnly,
	}); err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]string{"task_id": id, "state": "started"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.CancelAgent(r.PathValue("id")); err != nil {
		HandleError(w, err)
		return
	}
	NoContent(w)
}

func (s *Server) handleExtendTimeout(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.ExtendTimeout(r.PathValue("id")); err != nil {
		HandleError(w, err)
		return
	}
	NoContent(w)
}

type feedbackRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		JSONError(w, "message is required", http.StatusBadRequest)
		return
	}
	if err := s.sup.SendFeedback(r.PathValue("id"), req.Message); err != nil {
		HandleError(w, err)
		return
	}
	NoContent(w)
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sup.ApprovePlan(id); err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]string{"task_id": id, "state": "implementing"})
}

func (s *Server) handleApprovePR(w http.ResponseWriter, r *http.Request) {
	pr, err := s.sup.ApproveAndCreatePR(r.Context(), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, pr)
}

type requestChangesRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleRequestChanges(w http.ResponseWriter, r *http.Request) {
	var req requestChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Feedback == "" {
		JSONError(w, "feedback is required", http.StatusBadRequest)
		return
	}
	if err := s.sup.RequestChanges(r.PathValue("id"), req.Feedback); err != nil {
		HandleError(w, err)
		return
	}
	NoContent(w)
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepositories()
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, repos)
}
