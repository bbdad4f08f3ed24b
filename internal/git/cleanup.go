package git

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	overrs "github.com/randalmurphal/overseer/internal/errors"
	"github.com/randalmurphal/overseer/internal/task"
)

const (
	removalAttempts  = 5
	removalBaseDelay = 500 * time.Millisecond
)

// CleanupWorktree tears down a task's worktree with escalating force
// and prunes the metadata left in the bare repo. It errors only when
// the directory still exists after every strategy.
func (m *Manager) CleanupWorktree(taskID, repoURL string, removeBranch bool) error {
	if err := task.ValidateID(taskID); err != nil {
		return err
	}
	wtPath := m.WorktreePath(taskID)
	barePath := m.BarePath(repoURL)

	if _, err := os.Stat(wtPath); err == nil {
		if err := m.removeDirectory(taskID, wtPath); err != nil {
			return err
		}
	}

	if _, err := os.Stat(barePath); err == nil {
		m.run.Run(barePath, "git", "worktree", "prune")
		metaDir := filepath.Join(barePath, "worktrees", task.WorktreeDirName(taskID))
		if err := os.RemoveAll(metaDir); err != nil {
			slog.Warn("remove worktree metadata", "task_id", taskID, "error", err)
		}
		if removeBranch {
			branch := task.BranchName(taskID)
			if _, err := m.run.Run(barePath, "git", "branch", "-D", branch); err != nil {
				slog.Debug("delete feature branch", "task_id", taskID, "branch", branch, "error", err)
			}
		}
	}
	return nil
}

// removeDirectory escalates through removal strategies until the
// directory is gone:
//
//  1. kill task-tagged and directory-scoped processes, wait briefly
//  2. git worktree remove --force
//  3. direct recursive removal with exponential backoff and jitter
//  4. staged removal that deletes the .git marker first
//  5. platform-specific last resort
func (m *Manager) removeDirectory(taskID, wtPath string) error {
	m.procs.KillTask(taskID)
	m.procs.KillInDirectory(wtPath)
	time.Sleep(100 * time.Millisecond)

	if m.isValidWorktree(wtPath) {
		if _, err := m.run.Run(m.opts.WorktreesDir, "git", "worktree", "remove", "--force", wtPath); err == nil {
			if !dirExists(wtPath) {
				return nil
			}
		}
	}

	for attempt := 0; attempt < removalAttempts; attempt++ {
		if err := os.RemoveAll(wtPath); err == nil && !dirExists(wtPath) {
			return nil
		}
		delay := removalBaseDelay * time.Duration(1<<attempt)
		delay += time.Duration(rand.Int63n(int64(removalBaseDelay)))
		time.Sleep(delay)
	}

	// Staged removal: dropping the .git marker first releases git's
	// view of the directory, which unsticks some lock situations.
	os.Remove(filepath.Join(wtPath, ".git"))
	if err := os.RemoveAll(wtPath); err == nil && !dirExists(wtPath) {
		return nil
	}

	if err := removeDirLastResort(m.run, wtPath); err == nil && !dirExists(wtPath) {
		return nil
	}

	if dirExists(wtPath) {
		return overrs.ErrWorktreeBusy(wtPath)
	}
	return nil
}

func dirExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RemoveBareRepo deletes the bare clone for a remote. Used when a
// repository registration is deleted.
func (m *Manager) RemoveBareRepo(repoURL string) error {
	barePath := m.BarePath(repoURL)
	if err := os.RemoveAll(barePath); err != nil {
		return fmt.Errorf("remove bare repo: %w", err)
	}
	return nil
}
