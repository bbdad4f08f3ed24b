// Package watcher polls the forge for PR state changes and new
// comments on tasks with an open pull request.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/overseer/internal/events"
	"github.com/randalmurphal/overseer/internal/hosting"
	"github.com/randalmurphal/overseer/internal/store"
	"github.com/randalmurphal/overseer/internal/task"
)

// Forge resolves a hosting provider for a repository URL.
type Forge interface {
	For(repoURL string) (hosting.Provider, error)
}

// Lifecycle is the slice of the supervisor the watcher drives when a
// PR reaches a final state.
type Lifecycle interface {
	MarkPRMerged(taskID string) error
	MarkPRClosed(taskID string) error
}

// trackedPR is the per-task polling state.
type trackedPR struct {
	taskID   string
	repoURL  string
	number   int
	seen     map[int64]struct{}
	lastPoll time.Time
}

// Options wires a Watcher.
type Options struct {
	// Interval is the polling cadence. Zero means one minute.
	Interval  time.Duration
	Store     *store.Store
	Bus       *events.Bus
	Forge     Forge
	Lifecycle Lifecycle
}

// Watcher iterates over tracked PRs on a fixed cadence. It implements
// the supervisor's PRTracker.
type Watcher struct {
	interval time.Duration
	store    *store.Store
	bus      *events.Bus
	forge    Forge
	life     Lifecycle

	mu      sync.Mutex
	tracked map[string]*trackedPR
}

// New creates a Watcher.
func New(opts Options) *Watcher {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watcher{
		interval: interval,
		store:    opts.Store,
		bus:      opts.Bus,
		forge:    opts.Forge,
		life:     opts.Lifecycle,
		tracked:  make(map[string]*trackedPR),
	}
}

// Init reconstructs tracking from the store: every task in a PR-active
// status is tracked, with its existing comments absorbed silently.
func (w *Watcher) Init(ctx context.Context) error {
	tasks, err := w.store.ListTasksByStatus(task.StatusPRCreated, task.StatusChangesRequested)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		w.track(ctx, t)
	}
	return nil
}

// TrackPR starts watching the task's PR. Comments that already exist
// are recorded as seen without emitting events.
func (w *Watcher) TrackPR(taskID string) {
	t, err := w.store.GetTask(taskID)
	if err != nil {
		slog.Warn("track PR: load task", "task_id", taskID, "error", err)
		return
	}
	w.track(context.Background(), t)
}

func (w *Watcher) track(ctx context.Context, t *task.Task) {
	if t.PRNumber == 0 {
		slog.Warn("track PR: task has no PR number", "task_id", t.ID)
		return
	}
	tp := &trackedPR{
		taskID:   t.ID,
		repoURL:  t.RepoURL,
		number:   t.PRNumber,
		seen:     make(map[int64]struct{}),
		lastPoll: time.Now(),
	}
	w.primeSeen(ctx, tp)

	w.mu.Lock()
	w.tracked[t.ID] = tp
	w.mu.Unlock()
	slog.Info("tracking PR", "task_id", t.ID, "pr", t.PRNumber)
}

// primeSeen absorbs the PR's existing comments so they are not
// re-announced on the first poll. Best effort: a failed prime leaves
// the set empty and old comments surface once.
func (w *Watcher) primeSeen(ctx context.Context, tp *trackedPR) {
	provider, err := w.forge.For(tp.repoURL)
	if err != nil {
		slog.Warn("prime PR comments", "task_id", tp.taskID, "error", err)
		return
	}
	comments, err := provider.ListPRComments(ctx, tp.repoURL, tp.number, time.Time{})
	if err != nil {
		slog.Warn("prime PR comments", "task_id", tp.taskID, "error", err)
		return
	}
	for _, c := range comments {
		tp.seen[c.ID] = struct{}{}
	}
}

// UntrackPR stops watching the task's PR.
func (w *Watcher) UntrackPR(taskID string) {
	w.mu.Lock()
	delete(w.tracked, taskID)
	w.mu.Unlock()
}

// Tracked returns the task IDs currently being watched.
func (w *Watcher) Tracked() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.tracked))
	for id := range w.tracked {
		out = append(out, id)
	}
	return out
}

// Run polls until ctx is cancelled. Per-task checks within one tick
// run in parallel.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.PollOnce(ctx)
		}
	}
}

// PollOnce checks every tracked PR once.
func (w *Watcher) PollOnce(ctx context.Context) {
	w.mu.Lock()
	batch := make([]*trackedPR, 0, len(w.tracked))
	for _, tp := range w.tracked {
		batch = append(batch, tp)
	}
	w.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, tp := range batch {
		g.Go(func() error {
			w.poll(ctx, tp)
			return nil
		})
	}
	g.Wait()
}

// poll checks one PR's state and comments. Transient errors are logged
// and tracking is kept.
func (w *Watcher) poll(ctx context.Context, tp *trackedPR) {
	provider, err := w.forge.For(tp.repoURL)
	if err != nil {
		slog.Warn("poll PR: resolve forge", "task_id", tp.taskID, "error", err)
		return
	}

	pr, err := provider.GetPR(ctx, tp.repoURL, tp.number)
	if err != nil {
		slog.Warn("poll PR state", "task_id", tp.taskID, "pr", tp.number, "error", err)
		return
	}
	switch pr.State {
	case hosting.StateMerged:
		if err := w.life.MarkPRMerged(tp.taskID); err != nil {
			slog.Warn("mark PR merged", "task_id", tp.taskID, "error", err)
		}
		w.UntrackPR(tp.taskID)
		return
	case hosting.StateClosed:
		if err := w.life.MarkPRClosed(tp.taskID); err != nil {
			slog.Warn("mark PR closed", "task_id", tp.taskID, "error", err)
		}
		w.UntrackPR(tp.taskID)
		return
	}

	since := tp.lastPoll
	comments, err := provider.ListPRComments(ctx, tp.repoURL, tp.number, since)
	if err != nil {
		slog.Warn("poll PR comments", "task_id", tp.taskID, "pr", tp.number, "error", err)
		return
	}
	tp.lastPoll = time.Now()

	for _, c := range comments {
		if _, dup := tp.seen[c.ID]; dup {
			continue
		}
		tp.seen[c.ID] = struct{}{}
		w.bus.Publish(events.New(events.TypePRComment, tp.taskID, events.PRComment{
			ID:              c.ID,
			Body:            c.Body,
			Author:          c.Author,
			CreatedAt:       c.CreatedAt.Format(time.RFC3339),
			UpdatedAt:       c.UpdatedAt.Format(time.RFC3339),
			IsReviewComment: c.IsReviewComment,
			Path:            c.Path,
			Line:            c.Line,
		}))
	}
}
