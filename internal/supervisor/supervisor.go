// Package supervisor owns the task lifecycle state machine: it starts
// and monitors agent runs, enforces deadlines, and drives the review
// and PR pipeline. It is the only writer of task status.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/overseer/internal/config"
	overrs "github.com/randalmurphal/overseer/internal/errors"
	"github.com/randalmurphal/overseer/internal/events"
	"github.com/randalmurphal/overseer/internal/git"
	"github.com/randalmurphal/overseer/internal/hosting"
	"github.com/randalmurphal/overseer/internal/proc"
	"github.com/randalmurphal/overseer/internal/prompt"
	"github.com/randalmurphal/overseer/internal/runner"
	"github.com/randalmurphal/overseer/internal/secrets"
	"github.com/randalmurphal/overseer/internal/store"
	"github.com/randalmurphal/overseer/internal/task"
)

// GitManager is the slice of the worktree manager the supervisor drives.
type GitManager interface {
	SetupWorktree(taskID, repoURL, targetBranch string) (*git.SetupResult, error)
	WorktreePath(taskID string) string
	CommitChanges(wtPath, message string) (bool, error)
	OriginURL(wtPath string) (string, error)
	FetchTargetFromOrigin(wtPath, targetBranch string) error
	MergeTarget(wtPath, taskID, ref string) ([]string, error)
	PushBranch(wtPath, branch string) error
	ChangedFiles(wtPath, baseBranch string) ([]git.ChangedFile, error)
	Diff(wtPath, baseBranch string) (string, error)
	CleanupWorktree(taskID, repoURL string, removeBranch bool) error
}

// Forge resolves a hosting provider for a repository URL.
type Forge interface {
	For(repoURL string) (hosting.Provider, error)
}

// PRTracker is how the supervisor keeps the PR watcher in sync.
type PRTracker interface {
	TrackPR(taskID string)
	UntrackPR(taskID string)
}

// agentRunner is what the supervisor needs from a running agent.
type agentRunner interface {
	Run(ctx context.Context) *runner.Result
	AddFeedback(msg string)
	Cancel()
}

// Options wires a Supervisor.
type Options struct {
	Config  config.AgentConfig
	Store   *store.Store
	Bus     *events.Bus
	History *events.History
	Procs   *proc.Supervisor
	Git     GitManager
	Forge   Forge
	Secrets secrets.Accessor
}

// StartOptions selects the trigger for an agent start.
type StartOptions struct {
	IsResume     bool
	PlanOnly     bool
	ApprovedPlan string
}

// activeAgent tracks one running agent and its timers.
type activeAgent struct {
	taskID   string
	planOnly bool
	done     chan struct{}

	mu sync.Mutex
	// runner and cancel stay nil until launch finishes worktree setup
	// and spawns the runner; callers must tolerate the nil window.
	runner     agentRunner
	cancel     context.CancelFunc
	pending    []string
	warning    *time.Timer
	deadline   *time.Timer
	warned     bool
	deadlineAt time.Time
	// finished marks that a terminal path (cancel, timeout) already
	// wrote the task status; the run-exit handler must not write again.
	finished bool
}

// Supervisor is the single writer of task status.
type Supervisor struct {
	cfg     config.AgentConfig
	store   *store.Store
	bus     *events.Bus
	history *events.History
	procs   *proc.Supervisor
	git     GitManager
	forge   Forge
	sec     secrets.Accessor

	newRunner func(opts runner.Options) (agentRunner, error)

	mu      sync.Mutex
	active  map[string]*activeAgent
	tracker PRTracker
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	sec := opts.Secrets
	if sec == nil {
		sec = secrets.EnvAccessor{}
	}
	s := &Supervisor{
		cfg:     opts.Config,
		store:   opts.Store,
		bus:     opts.Bus,
		history: opts.History,
		procs:   opts.Procs,
		git:     opts.Git,
		forge:   opts.Forge,
		sec:     sec,
		active:  make(map[string]*activeAgent),
	}
	s.newRunner = func(ro runner.Options) (agentRunner, error) {
		return runner.New(ro, s.bus, s.history, s.procs, s.sec)
	}
	return s
}

// SetTracker wires the PR watcher. Must be called before the first
// PR-creating operation.
func (s *Supervisor) SetTracker(t PRTracker) {
	s.mu.Lock()
	s.tracker = t
	s.mu.Unlock()
}

// HasActiveAgent reports whether an agent is running for the task.
func (s *Supervisor) HasActiveAgent(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[taskID]
	return ok
}

// validStartStatuses returns the statuses the task must be in for the
// requested trigger.
func validStartStatuses(opts StartOptions) []task.Status {
	switch {
	case opts.ApprovedPlan != "":
		return []task.Status{task.StatusPlanReview}
	case opts.IsResume:
		return []task.Status{task.StatusChangesRequested, task.StatusPlanning}
	default:
		return []task.Status{
			task.StatusDraft, task.StatusBacklog, task.StatusFailed,
			task.StatusPlanning, task.StatusCoding, task.StatusPlanReview,
		}
	}
}

func statusNames(statuses []task.Status) string {
	parts := make([]string, len(statuses))
	for i, st := range statuses {
		parts[i] = string(st)
	}
	return strings.Join(parts, "|")
}

// StartAgent validates the trigger, prepares the worktree, builds the
// prompt, and launches the runner. It returns once the agent is
// started; the run itself proceeds in the background.
func (s *Supervisor) StartAgent(taskID string, opts StartOptions) error {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}

	allowed := validStartStatuses(opts)
	ok := false
	for _, st := range allowed {
		if t.Status == st {
			ok = true
			break
		}
	}
	if !ok {
		return overrs.ErrInvalidStatus(taskID, string(t.Status), statusNames(allowed))
	}

	agent := &activeAgent{
		taskID:   taskID,
		planOnly: opts.PlanOnly,
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	if _, running := s.active[taskID]; running {
		s.mu.Unlock()
		return overrs.ErrAgentRunning(taskID)
	}
	s.active[taskID] = agent
	s.mu.Unlock()

	if err := s.launch(agent, t, opts); err != nil {
		s.mu.Lock()
		delete(s.active, taskID)
		s.mu.Unlock()

		agent.mu.Lock()
		cancelled := agent.finished
		agent.finished = true
		agent.mu.Unlock()
		close(agent.done)
		// A cancel that raced the failed launch already wrote the
		// terminal status.
		if !cancelled {
			s.failTask(taskID, err)
		}
		return err
	}
	return nil
}

// launch performs the slow part of a start: worktree setup, prompt
// construction, and the spawn itself.
func (s *Supervisor) launch(agent *activeAgent, t *task.Task, opts StartOptions) error {
	taskID := t.ID
	s.history.CancelLogEviction(taskID)
	if err := s.setStatus(taskID, task.StatusPlanning); err != nil {
		return err
	}

	wt, err := s.git.SetupWorktree(taskID, t.RepoURL, t.TargetBranch)
	if err != nil {
		return fmt.Errorf("prepare worktree: %w", err)
	}

	repo, err := s.store.GetRepositoryByURL(t.RepoURL)
	if err != nil {
		repo = nil
	}

	feedback := t.PendingFeedback
	if opts.IsResume && feedback != "" {
		empty := ""
		if _, err := s.store.UpdateTask(taskID, store.TaskPatch{PendingFeedback: &empty}); err != nil {
			slog.Warn("clear pending feedback", "task_id", taskID, "error", err)
		}
	}

	agentType := t.AgentType
	if agentType == "" {
		agentType = s.cfg.DefaultType
	}
	model := t.AgentModel
	if model == "" {
		model = s.cfg.DefaultModel
	}

	text, err := prompt.Build(prompt.Input{
		Task:           t,
		Repository:     repo,
		IsResume:       opts.IsResume,
		ReviewFeedback: feedback,
		IsEmptyRepo:    wt.IsEmptyRepo,
		PlanOnly:       opts.PlanOnly,
		ApprovedPlan:   opts.ApprovedPlan,
		AgentType:      agentType,
	}, wt.Path)
	if err != nil {
		return err
	}

	run, err := s.newRunner(runner.Options{
		TaskID:         taskID,
		WorktreePath:   wt.Path,
		Prompt:         text,
		AgentType:      agentType,
		Model:          model,
		PlanOnly:       opts.PlanOnly,
		SilenceWarning: s.cfg.SilenceWarning,
		OnFirstOutput: func() {
			if err := s.setStatus(taskID, task.StatusInProgress); err != nil {
				slog.Warn("mark in_progress", "task_id", taskID, "error", err)
			}
		},
		LogSink: s.store,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	agent.mu.Lock()
	if agent.finished {
		// Cancelled while the worktree was being prepared; the cancel
		// path already wrote the terminal status.
		agent.mu.Unlock()
		cancel()
		s.mu.Lock()
		delete(s.active, taskID)
		s.mu.Unlock()
		close(agent.done)
		return nil
	}
	agent.runner = run
	agent.cancel = cancel
	queued := agent.pending
	agent.pending = nil
	agent.mu.Unlock()

	for _, msg := range queued {
		run.AddFeedback(msg)
	}
	s.armTimers(agent)

	go func() {
		res := run.Run(ctx)
		s.finishRun(agent, t, res)
	}()
	return nil
}

// finishRun handles the runner's exit. Terminal paths that already
// wrote status (cancel, timeout) are skipped.
func (s *Supervisor) finishRun(agent *activeAgent, t *task.Task, res *runner.Result) {
	taskID := agent.taskID
	s.disarmTimers(agent)
	agent.cancel()

	s.mu.Lock()
	delete(s.active, taskID)
	s.mu.Unlock()
	defer close(agent.done)

	agent.mu.Lock()
	alreadyFinished := agent.finished
	agent.finished = true
	agent.mu.Unlock()
	if alreadyFinished {
		return
	}

	switch {
	case res.Cancelled:
		s.terminate(taskID, task.StatusCanceled, events.ErrorCodeCancelled,
			fmt.Sprintf("agent run for task %s was cancelled", taskID))
	case res.Err != nil:
		s.failTask(taskID, res.Err)
	default:
		s.completeRun(agent, t, res)
	}
}

// completeRun commits the agent's work, snapshots the diff, and moves
// the task into its review status.
func (s *Supervisor) completeRun(agent *activeAgent, t *task.Task, res *runner.Result) {
	taskID := agent.taskID
	wtPath := s.git.WorktreePath(taskID)

	if _, err := s.git.CommitChanges(wtPath, "Task: "+t.Title); err != nil {
		slog.Warn("commit agent changes", "task_id", taskID, "error", err)
	}
	if err := s.persistChanges(taskID, t.TargetBranch); err != nil {
		slog.Warn("persist change snapshot", "task_id", taskID, "error", err)
	}

	if agent.planOnly {
		plan := s.extractPlan(taskID, res.Summary)
		st := task.StatusPlanReview
		if _, err := s.store.UpdateTask(taskID, store.TaskPatch{Plan: &plan, Status: &st}); err != nil {
			slog.Error("store plan", "task_id", taskID, "error", err)
			return
		}
		s.publishStatus(taskID, st)
		s.bus.Publish(events.New(events.TypeAwaitingReview, taskID, events.AwaitingReviewData{
			Message: "plan is ready for review",
		}))
		return
	}

	// A resume after requested changes amends an open PR; push the new
	// commits so the PR reflects them. Re-approval retries on failure.
	if t.PRURL != "" {
		if err := s.git.PushBranch(wtPath, t.BranchName); err != nil {
			slog.Error("push updated branch", "task_id", taskID, "error", err)
		}
	}

	if err := s.setStatus(taskID, task.StatusAwaitingReview); err != nil {
		slog.Error("mark awaiting_review", "task_id", taskID, "error", err)
		return
	}
	s.bus.Publish(events.New(events.TypeAwaitingReview, taskID, events.AwaitingReviewData{
		Message: res.Summary,
	}))
}

// extractPlan concatenates the assistant text of the run, falling back
// to the runner's summary when the agent produced no chat.
func (s *Supervisor) extractPlan(taskID, fallback string) string {
	var parts []string
	for _, ev := range s.history.Chat(taskID) {
		if ev.Type != events.TypeChatMessage {
			continue
		}
		msg, ok := ev.Data.(events.ChatMessage)
		if !ok || msg.Role != events.RoleAssistant {
			continue
		}
		if text := strings.TrimSpace(msg.Content); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, "\n\n")
}

// SendFeedback records a user chat message and forwards it to the
// running agent's stdin.
func (s *Supervisor) SendFeedback(taskID, msg string) error {
	ev := events.New(events.TypeChatMessage, taskID, events.ChatMessage{
		ID:      task.NewID(),
		Role:    events.RoleUser,
		Content: msg,
		TS:      time.Now(),
	})
	s.history.AppendChat(taskID, ev)
	s.bus.Publish(ev)

	s.mu.Lock()
	agent, ok := s.active[taskID]
	s.mu.Unlock()
	if !ok {
		return overrs.ErrAgentRunning(taskID).WithCause(fmt.Errorf("no active agent"))
	}

	agent.mu.Lock()
	run := agent.runner
	if run == nil {
		// Worktree setup still in flight; launch delivers the queue
		// once the runner exists.
		agent.pending = append(agent.pending, msg)
		agent.mu.Unlock()
		return nil
	}
	agent.mu.Unlock()
	run.AddFeedback(msg)
	return nil
}

// CancelAgent stops the task's agent synchronously: timers disarmed,
// process tree killed, and the terminal event emitted before return.
func (s *Supervisor) CancelAgent(taskID string) error {
	s.mu.Lock()
	agent, ok := s.active[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active agent for task %s", taskID)
	}

	agent.mu.Lock()
	if agent.finished {
		agent.mu.Unlock()
		return nil
	}
	agent.finished = true
	run := agent.runner
	cancel := agent.cancel
	agent.mu.Unlock()

	s.disarmTimers(agent)
	s.procs.KillTask(taskID)
	// run and cancel are nil while launch is still preparing the
	// worktree; launch cleans up the registration itself in that case.
	if run != nil {
		run.Cancel()
	}
	if cancel != nil {
		cancel()
	}

	s.terminate(taskID, task.StatusCanceled, events.ErrorCodeCancelled,
		fmt.Sprintf("agent run for task %s was cancelled", taskID))
	return nil
}

// ExtendTimeout rebases the warning and deadline timers to the
// configured extension from now and clears the warned flag.
func (s *Supervisor) ExtendTimeout(taskID string) error {
	s.mu.Lock()
	agent, ok := s.active[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active agent for task %s", taskID)
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.finished {
		return nil
	}
	if agent.warning != nil {
		agent.warning.Stop()
	}
	if agent.deadline != nil {
		agent.deadline.Stop()
	}
	ext := s.cfg.Extension
	warnAfter := ext - s.cfg.WarningThreshold
	if warnAfter <= 0 {
		warnAfter = ext / 2
	}
	agent.warned = false
	agent.deadlineAt = time.Now().Add(ext)
	agent.warning = time.AfterFunc(warnAfter, func() { s.warnDeadline(agent) })
	agent.deadline = time.AfterFunc(ext, func() { s.timeoutAgent(agent) })
	return nil
}

// Shutdown cancels every active agent and waits for their runs to
// settle, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	agents := make([]*activeAgent, 0, len(s.active))
	for _, a := range s.active {
		agents = append(agents, a)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, agent := range agents {
		g.Go(func() error {
			if err := s.CancelAgent(agent.taskID); err != nil {
				slog.Warn("cancel on shutdown", "task_id", agent.taskID, "error", err)
			}
			select {
			case <-agent.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

func (s *Supervisor) armTimers(agent *activeAgent) {
	warnAfter := s.cfg.DefaultTimeout - s.cfg.WarningThreshold
	agent.mu.Lock()
	agent.deadlineAt = time.Now().Add(s.cfg.DefaultTimeout)
	agent.warning = time.AfterFunc(warnAfter, func() { s.warnDeadline(agent) })
	agent.deadline = time.AfterFunc(s.cfg.DefaultTimeout, func() { s.timeoutAgent(agent) })
	agent.mu.Unlock()
}

func (s *Supervisor) disarmTimers(agent *activeAgent) {
	agent.mu.Lock()
	if agent.warning != nil {
		agent.warning.Stop()
	}
	if agent.deadline != nil {
		agent.deadline.Stop()
	}
	agent.mu.Unlock()
}

// warnDeadline fires at most once per armed deadline.
func (s *Supervisor) warnDeadline(agent *activeAgent) {
	agent.mu.Lock()
	if agent.warned || agent.finished {
		agent.mu.Unlock()
		return
	}
	agent.warned = true
	deadlineAt := agent.deadlineAt
	agent.mu.Unlock()

	s.bus.Publish(events.New(events.TypeTimeoutWarning, agent.taskID, events.TimeoutWarningData{
		Message:   fmt.Sprintf("agent deadline in %s; extend the timeout to keep it running", time.Until(deadlineAt).Round(time.Second)),
		ExpiresAt: deadlineAt,
	}))
}

// timeoutAgent enforces an elapsed deadline: the process tree is killed
// and the task fails with a terminal TIMEOUT event.
func (s *Supervisor) timeoutAgent(agent *activeAgent) {
	taskID := agent.taskID
	agent.mu.Lock()
	if agent.finished {
		agent.mu.Unlock()
		return
	}
	agent.finished = true
	if agent.warning != nil {
		agent.warning.Stop()
	}
	run := agent.runner
	cancel := agent.cancel
	agent.mu.Unlock()

	s.procs.KillTask(taskID)
	run.Cancel()
	cancel()

	s.terminate(taskID, task.StatusFailed, events.ErrorCodeTimeout,
		overrs.ErrTimeout(taskID, s.cfg.DefaultTimeout.String()).Error())
}

// terminate writes a terminal status and emits the closing error event.
func (s *Supervisor) terminate(taskID string, st task.Status, code, msg string) {
	errMsg := msg
	if _, err := s.store.UpdateTask(taskID, store.TaskPatch{Status: &st, Error: &errMsg}); err != nil {
		slog.Error("write terminal status", "task_id", taskID, "status", st, "error", err)
	}
	s.publishStatus(taskID, st)
	s.bus.Publish(events.New(events.TypeError, taskID, events.ErrorData{Message: msg, Code: code}))
	s.history.ScheduleLogEviction(taskID)
}

// failTask marks a task failed after a runner error. The error event is
// not terminal: failed tasks can be restarted.
func (s *Supervisor) failTask(taskID string, cause error) {
	st := task.StatusFailed
	msg := cause.Error()
	if _, err := s.store.UpdateTask(taskID, store.TaskPatch{Status: &st, Error: &msg}); err != nil {
		slog.Error("mark task failed", "task_id", taskID, "error", err)
	}
	s.publishStatus(taskID, st)
	s.bus.Publish(events.New(events.TypeError, taskID, events.ErrorData{
		Message: msg,
		Code:    string(overrs.CodeRunnerFailed),
	}))
	s.history.ScheduleLogEviction(taskID)
}

// setStatus writes the status and publishes the transition event.
func (s *Supervisor) setStatus(taskID string, st task.Status) error {
	if _, err := s.store.UpdateTask(taskID, store.TaskPatch{Status: &st}); err != nil {
		return err
	}
	s.publishStatus(taskID, st)
	return nil
}

func (s *Supervisor) publishStatus(taskID string, st task.Status) {
	s.bus.Publish(events.New(events.TypeStatus, taskID, events.StatusData{New: string(st)}))
}
