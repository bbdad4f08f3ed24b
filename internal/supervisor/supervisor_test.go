package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/overseer/internal/config"
	overrs "github.com/randalmurphal/overseer/internal/errors"
	"github.com/randalmurphal/overseer/internal/events"
	"github.com/randalmurphal/overseer/internal/git"
	"github.com/randalmurphal/overseer/internal/hosting"
	"github.com/randalmurphal/overseer/internal/proc"
	"github.com/randalmurphal/overseer/internal/runner"
	"github.com/randalmurphal/overseer/internal/secrets"
	"github.com/randalmurphal/overseer/internal/store"
	"github.com/randalmurphal/overseer/internal/task"
)

type fakeRun struct {
	opts   runner.Options
	result chan *runner.Result

	mu       sync.Mutex
	feedback []string
}

func (f *fakeRun) Run(ctx context.Context) *runner.Result {
	select {
	case res := <-f.result:
		return res
	case <-ctx.Done():
		return &runner.Result{Cancelled: true}
	}
}

func (f *fakeRun) AddFeedback(msg string) {
	f.mu.Lock()
	f.feedback = append(f.feedback, msg)
	f.mu.Unlock()
}

func (f *fakeRun) Cancel() {}

func (f *fakeRun) sentFeedback() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.feedback...)
}

type fakeGit struct {
	mu sync.Mutex

	// setupGate, when set, blocks SetupWorktree until closed.
	setupGate  chan struct{}
	setupErr   error
	emptyRepo  bool
	originURL  string
	originErr  error
	mergeErr   error
	conflicts  []string
	pushErr    error
	changedErr error
	files      []git.ChangedFile
	diff       string

	committed []string
	fetched   []string
	merged    []string
	pushed    []string
	cleaned   []string
}

func (f *fakeGit) SetupWorktree(taskID, repoURL, targetBranch string) (*git.SetupResult, error) {
	if f.setupGate != nil {
		<-f.setupGate
	}
	if f.setupErr != nil {
		return nil, f.setupErr
	}
	return &git.SetupResult{
		Path:        f.WorktreePath(taskID),
		BranchName:  task.BranchName(taskID),
		IsEmptyRepo: f.emptyRepo,
	}, nil
}

func (f *fakeGit) WorktreePath(taskID string) string {
	return filepath.Join("/worktrees", task.WorktreeDirName(taskID))
}

func (f *fakeGit) CommitChanges(wtPath, message string) (bool, error) {
	f.mu.Lock()
	f.committed = append(f.committed, message)
	f.mu.Unlock()
	return true, nil
}

func (f *fakeGit) OriginURL(wtPath string) (string, error) {
	return f.originURL, f.originErr
}

func (f *fakeGit) FetchTargetFromOrigin(wtPath, targetBranch string) error {
	f.mu.Lock()
	f.fetched = append(f.fetched, targetBranch)
	f.mu.Unlock()
	return nil
}

func (f *fakeGit) MergeTarget(wtPath, taskID, ref string) ([]string, error) {
	f.mu.Lock()
	f.merged = append(f.merged, ref)
	f.mu.Unlock()
	if f.mergeErr != nil {
		return f.conflicts, f.mergeErr
	}
	return nil, nil
}

func (f *fakeGit) PushBranch(wtPath, branch string) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.mu.Lock()
	f.pushed = append(f.pushed, branch)
	f.mu.Unlock()
	return nil
}

func (f *fakeGit) ChangedFiles(wtPath, baseBranch string) ([]git.ChangedFile, error) {
	return f.files, f.changedErr
}

func (f *fakeGit) Diff(wtPath, baseBranch string) (string, error) {
	return f.diff, f.changedErr
}

func (f *fakeGit) CleanupWorktree(taskID, repoURL string, removeBranch bool) error {
	f.mu.Lock()
	f.cleaned = append(f.cleaned, taskID)
	f.mu.Unlock()
	return nil
}

type fakeProvider struct {
	pr        *hosting.PR
	createErr error
	created   []hosting.CreateOptions
}

func (f *fakeProvider) CreatePR(_ context.Context, opts hosting.CreateOptions) (*hosting.PR, error) {
	f.created = append(f.created, opts)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.pr, nil
}

func (f *fakeProvider) GetPR(context.Context, string, int) (*hosting.PR, error) {
	return f.pr, nil
}

func (f *fakeProvider) ListPRComments(context.Context, string, int, time.Time) ([]hosting.Comment, error) {
	return nil, nil
}

func (f *fakeProvider) AddComment(context.Context, string, int, string) error { return nil }

func (f *fakeProvider) Name() hosting.ProviderType { return hosting.ProviderGitHub }

type fakeForge struct {
	provider *fakeProvider
	resolved []string
}

func (f *fakeForge) For(repoURL string) (hosting.Provider, error) {
	f.resolved = append(f.resolved, repoURL)
	return f.provider, nil
}

type fakeTracker struct {
	mu        sync.Mutex
	tracked   []string
	untracked []string
}

func (f *fakeTracker) TrackPR(taskID string) {
	f.mu.Lock()
	f.tracked = append(f.tracked, taskID)
	f.mu.Unlock()
}

func (f *fakeTracker) UntrackPR(taskID string) {
	f.mu.Lock()
	f.untracked = append(f.untracked, taskID)
	f.mu.Unlock()
}

type harness struct {
	sup     *Supervisor
	store   *store.Store
	bus     *events.Bus
	history *events.History
	git     *fakeGit
	forge   *fakeForge
	tracker *fakeTracker
	runs    chan *fakeRun
}

func newHarness(t *testing.T, cfg config.AgentConfig) *harness {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	history := events.NewHistory(100, 100, time.Minute)
	t.Cleanup(history.Close)

	h := &harness{
		store:   st,
		bus:     bus,
		history: history,
		git:     &fakeGit{diff: "diff --git a/x b/x"},
		forge:   &fakeForge{provider: &fakeProvider{pr: &hosting.PR{Number: 42, URL: "https://github.com/o/r/pull/42", State: hosting.StateOpen}}},
		tracker: &fakeTracker{},
		runs:    make(chan *fakeRun, 4),
	}
	h.sup = New(Options{
		Config:  cfg,
		Store:   st,
		Bus:     bus,
		History: history,
		Procs:   proc.NewSupervisor(),
		Git:     h.git,
		Forge:   h.forge,
		Secrets: secrets.Static{},
	})
	h.sup.SetTracker(h.tracker)
	h.sup.newRunner = func(ro runner.Options) (agentRunner, error) {
		fr := &fakeRun{opts: ro, result: make(chan *runner.Result, 1)}
		h.runs <- fr
		return fr, nil
	}
	return h
}

func defaultAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		DefaultTimeout:   time.Hour,
		WarningThreshold: time.Minute,
		Extension:        time.Hour,
		SilenceWarning:   time.Second,
		DefaultType:      "claude-code",
	}
}

func (h *harness) newTask(t *testing.T, st task.Status) *task.Task {
	t.Helper()
	tk := task.New("add retry logic", "https://github.com/o/r.git", "main")
	tk.Status = st
	require.NoError(t, h.store.CreateTask(tk))
	return tk
}

func (h *harness) waitStatus(t *testing.T, taskID string, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := h.store.GetTask(taskID)
		return err == nil && got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "waiting for status %s", want)
}

func (h *harness) nextRun(t *testing.T) *fakeRun {
	t.Helper()
	select {
	case fr := <-h.runs:
		return fr
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not started")
		return nil
	}
}

func TestStartAgentHappyPath(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusBacklog)
	h.git.files = []git.ChangedFile{{Path: "retry.go", Status: git.StatusAdded}}

	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{}))
	h.waitStatus(t, tk.ID, task.StatusPlanning)

	fr := h.nextRun(t)
	assert.Contains(t, fr.opts.Prompt, "add retry logic")
	assert.Equal(t, "claude-code", fr.opts.AgentType)

	fr.opts.OnFirstOutput()
	h.waitStatus(t, tk.ID, task.StatusInProgress)

	fr.result <- &runner.Result{Summary: "added the retry loop"}
	h.waitStatus(t, tk.ID, task.StatusAwaitingReview)

	got, err := h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ChangesData, "retry.go")
	assert.Contains(t, h.git.committed, "Task: add retry logic")
	assert.False(t, h.sup.HasActiveAgent(tk.ID))
}

func TestStartAgentRejectsWrongStatus(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusPRCreated)

	err := h.sup.StartAgent(tk.ID, StartOptions{})
	require.Error(t, err)
	assert.Equal(t, overrs.CodeInvalidStatus, overrs.CodeOf(err))
}

func TestStartAgentRejectsSecondStart(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusBacklog)

	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{}))
	fr := h.nextRun(t)

	err := h.sup.StartAgent(tk.ID, StartOptions{})
	require.Error(t, err)
	assert.Equal(t, overrs.CodeAgentRunning, overrs.CodeOf(err))

	fr.result <- &runner.Result{Summary: "done"}
	h.waitStatus(t, tk.ID, task.StatusAwaitingReview)
}

func TestRunnerFailureMarksTaskFailed(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusBacklog)

	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{}))
	fr := h.nextRun(t)
	fr.result <- &runner.Result{Err: fmt.Errorf("claude exited: exit status 1")}

	h.waitStatus(t, tk.ID, task.StatusFailed)
	got, err := h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "exit status 1")

	// A failed task is restartable.
	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{}))
	fr = h.nextRun(t)
	fr.result <- &runner.Result{Summary: "second try"}
	h.waitStatus(t, tk.ID, task.StatusAwaitingReview)
}

func TestPlanOnlyRunStoresPlan(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusBacklog)

	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{PlanOnly: true}))
	fr := h.nextRun(t)
	assert.True(t, fr.opts.PlanOnly)

	for _, text := range []string{"Step 1: survey the code", "Step 2: add the retry"} {
		h.history.AppendChat(tk.ID, events.New(events.TypeChatMessage, tk.ID, events.ChatMessage{
			ID: task.NewID(), Role: events.RoleAssistant, Content: text, TS: time.Now(),
		}))
	}
	fr.result <- &runner.Result{Summary: "planned"}
	h.waitStatus(t, tk.ID, task.StatusPlanReview)

	got, err := h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "Step 1: survey the code\n\nStep 2: add the retry", got.Plan)

	// Approving the plan starts an implementation run carrying it.
	require.NoError(t, h.sup.ApprovePlan(tk.ID))
	fr = h.nextRun(t)
	assert.False(t, fr.opts.PlanOnly)
	assert.Contains(t, fr.opts.Prompt, "Step 2: add the retry")

	fr.result <- &runner.Result{Summary: "implemented"}
	h.waitStatus(t, tk.ID, task.StatusAwaitingReview)
}

func TestPlanFallsBackToSummary(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusBacklog)

	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{PlanOnly: true}))
	fr := h.nextRun(t)
	fr.result <- &runner.Result{Summary: "the whole plan in one line"}

	h.waitStatus(t, tk.ID, task.StatusPlanReview)
	got, err := h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "the whole plan in one line", got.Plan)
}

func TestCancelAgentIsSynchronous(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusBacklog)

	sub := h.bus.Subscribe(tk.ID)
	defer sub.Cancel()

	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{}))
	h.nextRun(t)

	require.NoError(t, h.sup.CancelAgent(tk.ID))

	// Status and terminal event are visible before the call returned.
	got, err := h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, got.Status)

	var sawTerminal bool
	timeout := time.After(5 * time.Second)
	for !sawTerminal {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatal("topic closed before terminal error event")
			}
			if ev.Type == events.TypeError {
				data := ev.Data.(events.ErrorData)
				assert.Equal(t, events.ErrorCodeCancelled, data.Code)
				sawTerminal = true
			}
		case <-timeout:
			t.Fatal("no terminal event observed")
		}
	}

	require.Eventually(t, func() bool {
		return !h.sup.HasActiveAgent(tk.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCancelAgentDuringWorktreeSetup(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusBacklog)
	h.git.setupGate = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- h.sup.StartAgent(tk.ID, StartOptions{}) }()

	require.Eventually(t, func() bool {
		return h.sup.HasActiveAgent(tk.ID)
	}, 5*time.Second, 10*time.Millisecond)

	// The runner does not exist yet; cancel must still settle the task.
	require.NoError(t, h.sup.CancelAgent(tk.ID))
	got, err := h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, got.Status)

	close(h.git.setupGate)
	require.NoError(t, <-started)

	require.Eventually(t, func() bool {
		return !h.sup.HasActiveAgent(tk.ID)
	}, 5*time.Second, 10*time.Millisecond)

	// The late-finishing start must not resurrect the task.
	got, err = h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, got.Status)
}

func TestSendFeedbackQueuedDuringWorktreeSetup(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusBacklog)
	h.git.setupGate = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- h.sup.StartAgent(tk.ID, StartOptions{}) }()

	require.Eventually(t, func() bool {
		return h.sup.HasActiveAgent(tk.ID)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.sup.SendFeedback(tk.ID, "also update the docs"))

	close(h.git.setupGate)
	require.NoError(t, <-started)
	fr := h.nextRun(t)

	require.Eventually(t, func() bool {
		sent := fr.sentFeedback()
		return len(sent) == 1 && sent[0] == "also update the docs"
	}, 5*time.Second, 10*time.Millisecond)

	fr.result <- &runner.Result{Summary: "done"}
	h.waitStatus(t, tk.ID, task.StatusAwaitingReview)
}

func TestDeadlineTimesOutAgent(t *testing.T) {
	cfg := defaultAgentConfig()
	cfg.DefaultTimeout = 150 * time.Millisecond
	cfg.WarningThreshold = 100 * time.Millisecond
	h := newHarness(t, cfg)
	tk := h.newTask(t, task.StatusBacklog)

	sub := h.bus.Subscribe(tk.ID)
	defer sub.Cancel()

	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{}))
	h.nextRun(t)

	h.waitStatus(t, tk.ID, task.StatusFailed)
	got, err := h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "timed out")

	var sawWarning, sawTimeout bool
	deadline := time.After(5 * time.Second)
	for !(sawWarning && sawTimeout) {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				require.True(t, sawWarning, "warning must precede the deadline")
				require.True(t, sawTimeout)
				return
			}
			switch ev.Type {
			case events.TypeTimeoutWarning:
				sawWarning = true
			case events.TypeError:
				assert.Equal(t, events.ErrorCodeTimeout, ev.Data.(events.ErrorData).Code)
				sawTimeout = true
			}
		case <-deadline:
			t.Fatalf("missing events: warning=%v timeout=%v", sawWarning, sawTimeout)
		}
	}
}

func TestExtendTimeoutPostponesDeadline(t *testing.T) {
	cfg := defaultAgentConfig()
	cfg.DefaultTimeout = 100 * time.Millisecond
	cfg.WarningThreshold = 50 * time.Millisecond
	cfg.Extension = time.Hour
	h := newHarness(t, cfg)
	tk := h.newTask(t, task.StatusBacklog)

	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{}))
	fr := h.nextRun(t)
	require.NoError(t, h.sup.ExtendTimeout(tk.ID))

	time.Sleep(250 * time.Millisecond)
	assert.True(t, h.sup.HasActiveAgent(tk.ID), "extension must outlive the original deadline")

	fr.result <- &runner.Result{Summary: "done"}
	h.waitStatus(t, tk.ID, task.StatusAwaitingReview)
}

func TestApproveAndCreatePRHappyPath(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	h.git.originURL = "https://github.com/o/r.git"
	tk := h.newTask(t, task.StatusAwaitingReview)

	pr, err := h.sup.ApproveAndCreatePR(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)

	got, err := h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPRCreated, got.Status)
	assert.Equal(t, "https://github.com/o/r/pull/42", got.PRURL)
	assert.Equal(t, 42, got.PRNumber)

	assert.Equal(t, []string{"main"}, h.git.fetched)
	assert.Equal(t, []string{"origin/main"}, h.git.merged)
	assert.Equal(t, []string{tk.BranchName}, h.git.pushed)
	assert.Equal(t, []string{"https://github.com/o/r.git"}, h.forge.resolved)
	require.Len(t, h.forge.provider.created, 1)
	assert.Equal(t, tk.BranchName, h.forge.provider.created[0].Head)
	assert.Equal(t, "main", h.forge.provider.created[0].Base)
	assert.Equal(t, []string{tk.ID}, h.tracker.tracked)
}

func TestApproveAndCreatePRRequiresAwaitingReview(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusCoding)

	_, err := h.sup.ApproveAndCreatePR(context.Background(), tk.ID)
	require.Error(t, err)
	assert.Equal(t, overrs.CodeInvalidStatus, overrs.CodeOf(err))
}

func TestApproveAndCreatePRMergeConflict(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusAwaitingReview)
	h.git.conflicts = []string{"a.go", "b.go"}
	h.git.mergeErr = overrs.ErrMergeConflict(tk.ID, h.git.conflicts)

	_, err := h.sup.ApproveAndCreatePR(context.Background(), tk.ID)
	require.Error(t, err)
	assert.Equal(t, overrs.CodeMergeConflict, overrs.CodeOf(err))

	got, gerr := h.store.GetTask(tk.ID)
	require.NoError(t, gerr)
	assert.Equal(t, task.StatusMergeConflicts, got.Status)
	assert.Equal(t, []string{"a.go", "b.go"}, got.ConflictFiles)
	assert.Empty(t, h.git.pushed, "conflicted branches must not be pushed")
	assert.Empty(t, h.forge.provider.created)
}

func TestApproveAndCreatePRPushFailureReverts(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusAwaitingReview)
	h.git.pushErr = fmt.Errorf("push rejected")

	_, err := h.sup.ApproveAndCreatePR(context.Background(), tk.ID)
	require.Error(t, err)

	got, gerr := h.store.GetTask(tk.ID)
	require.NoError(t, gerr)
	assert.Equal(t, task.StatusAwaitingReview, got.Status)
}

func TestRequestChangesAndResume(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusPRCreated)

	require.NoError(t, h.sup.RequestChanges(tk.ID, "rename the helper"))
	got, err := h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusChangesRequested, got.Status)
	assert.Equal(t, "rename the helper", got.PendingFeedback)

	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{IsResume: true}))
	fr := h.nextRun(t)
	assert.Contains(t, fr.opts.Prompt, "rename the helper")

	got, err = h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PendingFeedback, "feedback is consumed by the resume")

	fr.result <- &runner.Result{Summary: "renamed"}
	h.waitStatus(t, tk.ID, task.StatusAwaitingReview)
}

func TestResumeWithOpenPRPushesBranch(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusPRCreated)
	prURL := "https://github.com/o/r/pull/7"
	prNumber := 7
	_, err := h.store.UpdateTask(tk.ID, store.TaskPatch{PRURL: &prURL, PRNumber: &prNumber})
	require.NoError(t, err)

	require.NoError(t, h.sup.RequestChanges(tk.ID, "split the function"))
	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{IsResume: true}))
	fr := h.nextRun(t)
	fr.result <- &runner.Result{Summary: "split"}
	h.waitStatus(t, tk.ID, task.StatusAwaitingReview)

	// The open PR tracks the branch; the resume's commits must reach it.
	assert.Equal(t, []string{tk.BranchName}, h.git.pushed)
}

func TestReapproveWithOpenPRSkipsCreation(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	h.git.originURL = "https://github.com/o/r.git"
	tk := h.newTask(t, task.StatusAwaitingReview)
	prURL := "https://github.com/o/r/pull/7"
	prNumber := 7
	_, err := h.store.UpdateTask(tk.ID, store.TaskPatch{PRURL: &prURL, PRNumber: &prNumber})
	require.NoError(t, err)

	pr, err := h.sup.ApproveAndCreatePR(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, prURL, pr.URL)

	got, gerr := h.store.GetTask(tk.ID)
	require.NoError(t, gerr)
	assert.Equal(t, task.StatusPRCreated, got.Status)
	assert.Equal(t, 7, got.PRNumber)

	assert.Equal(t, []string{tk.BranchName}, h.git.pushed)
	assert.Empty(t, h.forge.provider.created, "an open PR must not be recreated")
	assert.Equal(t, []string{tk.ID}, h.tracker.tracked)
}

func TestMarkPRMerged(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusPRCreated)

	sub := h.bus.Subscribe(tk.ID)
	defer sub.Cancel()

	require.NoError(t, h.sup.MarkPRMerged(tk.ID))
	got, err := h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, got.Status)
	assert.Equal(t, []string{tk.ID}, h.git.cleaned)
	assert.Equal(t, []string{tk.ID}, h.tracker.untracked)

	var sawComplete bool
	timeout := time.After(5 * time.Second)
	for !sawComplete {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatal("topic closed without a complete event")
			}
			if ev.Type == events.TypeComplete {
				sawComplete = true
			}
		case <-timeout:
			t.Fatal("no complete event observed")
		}
	}
}

func TestMarkPRClosed(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusChangesRequested)

	require.NoError(t, h.sup.MarkPRClosed(tk.ID))
	got, err := h.store.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, got.Status)
	assert.Equal(t, []string{tk.ID}, h.git.cleaned)

	// Terminal statuses reject another close.
	require.Error(t, h.sup.MarkPRClosed(tk.ID))
}

func TestSendFeedbackForwardsToRunner(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusBacklog)

	require.NoError(t, h.sup.StartAgent(tk.ID, StartOptions{}))
	fr := h.nextRun(t)

	require.NoError(t, h.sup.SendFeedback(tk.ID, "focus on the parser"))
	assert.Equal(t, []string{"focus on the parser"}, fr.sentFeedback())

	chat := h.history.Chat(tk.ID)
	require.Len(t, chat, 1)
	msg := chat[0].Data.(events.ChatMessage)
	assert.Equal(t, events.RoleUser, msg.Role)
	assert.Equal(t, "focus on the parser", msg.Content)

	fr.result <- &runner.Result{Summary: "done"}
	h.waitStatus(t, tk.ID, task.StatusAwaitingReview)
}

func TestSendFeedbackWithoutAgent(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusBacklog)

	err := h.sup.SendFeedback(tk.ID, "hello")
	require.Error(t, err)
}

func TestTaskChangesFallsBackToSnapshot(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusDone)
	h.git.changedErr = fmt.Errorf("worktree removed")

	snapshot := `{"files":[{"path":"x.go","status":"modified"}],"diff":"diff --git a/x.go b/x.go"}`
	_, err := h.store.UpdateTask(tk.ID, store.TaskPatch{ChangesData: &snapshot})
	require.NoError(t, err)

	ch, err := h.sup.TaskChanges(tk.ID)
	require.NoError(t, err)
	require.Len(t, ch.Files, 1)
	assert.Equal(t, "x.go", ch.Files[0].Path)
	assert.Contains(t, ch.Diff, "diff --git")
}

func TestTaskChangesPrefersLiveWorktree(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	tk := h.newTask(t, task.StatusAwaitingReview)
	h.git.files = []git.ChangedFile{{Path: "live.go", Status: git.StatusAdded}}
	h.git.diff = "live diff"

	ch, err := h.sup.TaskChanges(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "live.go", ch.Files[0].Path)
	assert.Equal(t, "live diff", ch.Diff)
}

func TestShutdownCancelsAllAgents(t *testing.T) {
	h := newHarness(t, defaultAgentConfig())
	a := h.newTask(t, task.StatusBacklog)
	b := h.newTask(t, task.StatusBacklog)

	require.NoError(t, h.sup.StartAgent(a.ID, StartOptions{}))
	require.NoError(t, h.sup.StartAgent(b.ID, StartOptions{}))
	h.nextRun(t)
	h.nextRun(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))

	for _, id := range []string{a.ID, b.ID} {
		got, err := h.store.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCanceled, got.Status)
		assert.False(t, h.sup.HasActiveAgent(id))
	}
}
