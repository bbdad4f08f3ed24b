package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	overrs "github.com/randalmurphal/overseer/internal/errors"
	"github.com/randalmurphal/overseer/internal/events"
	"github.com/randalmurphal/overseer/internal/git"
	"github.com/randalmurphal/overseer/internal/hosting"
	"github.com/randalmurphal/overseer/internal/store"
	"github.com/randalmurphal/overseer/internal/task"
)

// Changes is a snapshot of a task's work against its target branch.
type Changes struct {
	Files []git.ChangedFile `json:"files"`
	Diff  string            `json:"diff"`
}

// ApprovePlan starts implementation of the plan extracted from a
// completed plan-only run.
func (s *Supervisor) ApprovePlan(taskID string) error {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPlanReview {
		return overrs.ErrInvalidStatus(taskID, string(t.Status), string(task.StatusPlanReview))
	}
	if strings.TrimSpace(t.Plan) == "" {
		return fmt.Errorf("task %s has no stored plan to approve", taskID)
	}
	return s.StartAgent(taskID, StartOptions{ApprovedPlan: t.Plan})
}

// ApproveAndCreatePR integrates the target branch, pushes the task
// branch, and opens a PR. A merge conflict persists the conflicting
// paths and parks the task in merge_conflicts without pushing.
func (s *Supervisor) ApproveAndCreatePR(ctx context.Context, taskID string) (*hosting.PR, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusAwaitingReview {
		return nil, overrs.ErrInvalidStatus(taskID, string(t.Status), string(task.StatusAwaitingReview))
	}
	if err := s.setStatus(taskID, task.StatusApproved); err != nil {
		return nil, err
	}

	wtPath := s.git.WorktreePath(taskID)

	// The worktree's origin is authoritative: for file:// repos it
	// points at the real remote, which the stored URL may not.
	originURL, err := s.git.OriginURL(wtPath)
	if err != nil || originURL == "" {
		originURL = t.RepoURL
	}

	if err := s.git.FetchTargetFromOrigin(wtPath, t.TargetBranch); err != nil {
		slog.Warn("fetch target before merge", "task_id", taskID, "error", err)
	}
	conflicts, err := s.git.MergeTarget(wtPath, taskID, "origin/"+t.TargetBranch)
	if err != nil {
		if overrs.CodeOf(err) == overrs.CodeMergeConflict {
			st := task.StatusMergeConflicts
			if _, uerr := s.store.UpdateTask(taskID, store.TaskPatch{
				ConflictFiles: &conflicts,
				Status:        &st,
			}); uerr != nil {
				slog.Error("persist conflict files", "task_id", taskID, "error", uerr)
			}
			s.publishStatus(taskID, st)
			s.bus.Publish(events.New(events.TypeError, taskID, events.ErrorData{
				Message: err.Error(),
				Code:    string(overrs.CodeMergeConflict),
			}))
			return nil, err
		}
		s.revertToAwaitingReview(taskID)
		return nil, err
	}

	// The merge may have produced a commit; refresh the snapshot so
	// changesData reflects what will be pushed.
	if err := s.persistChanges(taskID, t.TargetBranch); err != nil {
		slog.Warn("refresh change snapshot", "task_id", taskID, "error", err)
	}

	if err := s.git.PushBranch(wtPath, t.BranchName); err != nil {
		s.revertToAwaitingReview(taskID)
		return nil, err
	}

	if t.PRNumber != 0 {
		// Re-approval after requested changes: the PR is already open
		// and the push above updated it.
		st := task.StatusPRCreated
		if _, err := s.store.UpdateTask(taskID, store.TaskPatch{Status: &st}); err != nil {
			return nil, err
		}
		s.publishStatus(taskID, st)
		s.mu.Lock()
		tracker := s.tracker
		s.mu.Unlock()
		if tracker != nil {
			tracker.TrackPR(taskID)
		}
		return &hosting.PR{
			Number:     t.PRNumber,
			URL:        t.PRURL,
			State:      hosting.StateOpen,
			HeadBranch: t.BranchName,
			BaseBranch: t.TargetBranch,
		}, nil
	}

	provider, err := s.forge.For(originURL)
	if err != nil {
		s.revertToAwaitingReview(taskID)
		return nil, err
	}
	pr, err := provider.CreatePR(ctx, hosting.CreateOptions{
		RepoURL: originURL,
		Head:    t.BranchName,
		Base:    t.TargetBranch,
		Title:   t.Title,
		Body:    t.Description,
	})
	if err != nil {
		s.revertToAwaitingReview(taskID)
		return nil, err
	}

	st := task.StatusPRCreated
	if _, err := s.store.UpdateTask(taskID, store.TaskPatch{
		PRURL:    &pr.URL,
		PRNumber: &pr.Number,
		Status:   &st,
	}); err != nil {
		return nil, err
	}
	s.publishStatus(taskID, st)

	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker != nil {
		tracker.TrackPR(taskID)
	}
	return pr, nil
}

// revertToAwaitingReview undoes the approved transition so a failed
// push or PR creation can be retried.
func (s *Supervisor) revertToAwaitingReview(taskID string) {
	if err := s.setStatus(taskID, task.StatusAwaitingReview); err != nil {
		slog.Error("revert to awaiting_review", "task_id", taskID, "error", err)
	}
}

// RequestChanges stores reviewer feedback for the next resume and
// moves the task to changes_requested.
func (s *Supervisor) RequestChanges(taskID, feedback string) error {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPRCreated {
		return overrs.ErrInvalidStatus(taskID, string(t.Status), string(task.StatusPRCreated))
	}
	st := task.StatusChangesRequested
	if _, err := s.store.UpdateTask(taskID, store.TaskPatch{
		PendingFeedback: &feedback,
		Status:          &st,
	}); err != nil {
		return err
	}
	s.publishStatus(taskID, st)
	return nil
}

// MarkPRMerged finishes a task whose PR was merged: done status, a
// terminal complete event, and worktree cleanup.
func (s *Supervisor) MarkPRMerged(taskID string) error {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPRCreated {
		return overrs.ErrInvalidStatus(taskID, string(t.Status), string(task.StatusPRCreated))
	}
	if err := s.setStatus(taskID, task.StatusDone); err != nil {
		return err
	}
	s.bus.Publish(events.New(events.TypeComplete, taskID, events.CompleteData{PRURL: t.PRURL}))
	s.history.ScheduleLogEviction(taskID)
	s.untrackAndCleanup(taskID, t.RepoURL)
	return nil
}

// MarkPRClosed cancels a task whose PR was closed without merging.
func (s *Supervisor) MarkPRClosed(taskID string) error {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	switch t.Status {
	case task.StatusPRCreated, task.StatusReview, task.StatusChangesRequested:
	default:
		return overrs.ErrInvalidStatus(taskID, string(t.Status),
			statusNames([]task.Status{task.StatusPRCreated, task.StatusReview, task.StatusChangesRequested}))
	}
	s.terminate(taskID, task.StatusCanceled, events.ErrorCodeCancelled,
		"pull request was closed without merging")
	s.untrackAndCleanup(taskID, t.RepoURL)
	return nil
}

func (s *Supervisor) untrackAndCleanup(taskID, repoURL string) {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker != nil {
		tracker.UntrackPR(taskID)
	}
	if err := s.git.CleanupWorktree(taskID, repoURL, true); err != nil {
		slog.Warn("cleanup worktree", "task_id", taskID, "error", err)
	}
}

// persistChanges serializes the worktree's change set into the task's
// changesData column so the diff survives worktree removal.
func (s *Supervisor) persistChanges(taskID, targetBranch string) error {
	wtPath := s.git.WorktreePath(taskID)
	files, err := s.git.ChangedFiles(wtPath, targetBranch)
	if err != nil {
		return err
	}
	diff, err := s.git.Diff(wtPath, targetBranch)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Changes{Files: files, Diff: diff})
	if err != nil {
		return err
	}
	snapshot := string(data)
	_, err = s.store.UpdateTask(taskID, store.TaskPatch{ChangesData: &snapshot})
	return err
}

// TaskChanges returns the task's change set, preferring a live worktree
// read and falling back to the persisted snapshot.
func (s *Supervisor) TaskChanges(taskID string) (*Changes, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	wtPath := s.git.WorktreePath(taskID)
	files, ferr := s.git.ChangedFiles(wtPath, t.TargetBranch)
	if ferr == nil {
		diff, derr := s.git.Diff(wtPath, t.TargetBranch)
		if derr == nil {
			return &Changes{Files: files, Diff: diff}, nil
		}
	}

	if t.ChangesData == "" {
		return nil, fmt.Errorf("no change snapshot for task %s", taskID)
	}
	var ch Changes
	if err := json.Unmarshal([]byte(t.ChangesData), &ch); err != nil {
		return nil, fmt.Errorf("parse change snapshot: %w", err)
	}
	return &ch, nil
}
