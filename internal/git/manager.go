package git

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	overrs "github.com/randalmurphal/overseer/internal/errors"
	"github.com/randalmurphal/overseer/internal/task"
)

// ProcessKiller terminates processes before a worktree is torn down.
type ProcessKiller interface {
	KillTask(taskID string)
	KillInDirectory(dir string)
}

// noopKiller is used when no supervisor is wired, e.g. in tests.
type noopKiller struct{}

func (noopKiller) KillTask(string)        {}
func (noopKiller) KillInDirectory(string) {}

// Options configures a Manager.
type Options struct {
	// ReposDir holds one bare clone per remote URL.
	ReposDir string
	// WorktreesDir holds one linked worktree per task.
	WorktreesDir string
	// CommitterName/Email form the fixed identity configured in every worktree.
	CommitterName  string
	CommitterEmail string
	// MaxContentBytes caps file content snapshots attached to change sets.
	MaxContentBytes int
	// TokenFor returns the access token for a remote, or empty.
	TokenFor func(repoURL string) string
}

// Manager owns the bare-repo and worktree layout on disk.
type Manager struct {
	run   CommandRunner
	procs ProcessKiller
	opts  Options
}

// NewManager creates a Manager. runner and procs may be nil, in which
// case the exec-backed runner and a no-op killer are used.
func NewManager(opts Options, runner CommandRunner, procs ProcessKiller) *Manager {
	if runner == nil {
		runner = NewExecRunner()
	}
	if procs == nil {
		procs = noopKiller{}
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = 100 * 1024
	}
	if opts.CommitterName == "" {
		opts.CommitterName = "Overseer Agent"
	}
	if opts.CommitterEmail == "" {
		opts.CommitterEmail = "agent@overseer.local"
	}
	if opts.TokenFor == nil {
		opts.TokenFor = func(string) string { return "" }
	}
	return &Manager{run: runner, procs: procs, opts: opts}
}

// BarePath returns the bare clone location for a remote URL.
func (m *Manager) BarePath(repoURL string) string {
	return filepath.Join(m.opts.ReposDir, RepoDirName(repoURL))
}

// WorktreePath returns the canonical worktree location for a task.
func (m *Manager) WorktreePath(taskID string) string {
	return filepath.Join(m.opts.WorktreesDir, task.WorktreeDirName(taskID))
}

// EnsureBareRepo clones the remote as a bare repo if it is not present
// yet and returns its path. A failed clone leaves no partial directory.
func (m *Manager) EnsureBareRepo(repoURL string) (string, error) {
	barePath := m.BarePath(repoURL)
	if _, err := os.Stat(filepath.Join(barePath, "HEAD")); err == nil {
		return barePath, nil
	}
	if err := os.MkdirAll(m.opts.ReposDir, 0755); err != nil {
		return "", fmt.Errorf("create repos dir: %w", err)
	}

	cloneURL := WithToken(repoURL, m.opts.TokenFor(repoURL))
	if _, err := m.run.Run(m.opts.ReposDir, "git", "clone", "--bare", cloneURL, barePath); err != nil {
		os.RemoveAll(barePath)
		return "", fmt.Errorf("clone %s: %w", NormalizeURL(repoURL), err)
	}
	return barePath, nil
}

// IsEmptyRepo reports whether the bare repo has zero commits: no branch
// refs and an unresolvable HEAD.
func (m *Manager) IsEmptyRepo(barePath string) bool {
	branches, err := m.run.Run(barePath, "git", "branch", "--list")
	if err == nil && strings.TrimSpace(branches) != "" {
		return false
	}
	_, err = m.run.Run(barePath, "git", "rev-parse", "HEAD")
	return err != nil
}

// FetchRepo updates the bare repo from origin. No-op for empty repos.
// When branch is set, the local ref is forced to the remote tip so
// worktree creation sees the freshest commit.
func (m *Manager) FetchRepo(barePath, branch string) error {
	if m.IsEmptyRepo(barePath) {
		return nil
	}
	if _, err := m.run.Run(barePath, "git", "fetch", "origin", "--prune"); err != nil {
		return fmt.Errorf("fetch origin: %w", err)
	}
	if branch != "" {
		refspec := fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch)
		if _, err := m.run.Run(barePath, "git", "fetch", "origin", refspec); err != nil {
			return fmt.Errorf("update ref %s: %w", branch, err)
		}
	}
	return nil
}

// SetupResult describes the worktree returned by SetupWorktree.
type SetupResult struct {
	Path        string
	Reused      bool
	BranchName  string
	IsEmptyRepo bool
}

// SetupWorktree is the preferred entry point: it reuses a valid
// existing worktree, clears out an invalid one, or creates a fresh one.
func (m *Manager) SetupWorktree(taskID, repoURL, targetBranch string) (*SetupResult, error) {
	if err := task.ValidateID(taskID); err != nil {
		return nil, err
	}

	wtPath := m.WorktreePath(taskID)
	branchName := task.BranchName(taskID)

	if _, err := os.Stat(wtPath); err == nil {
		if m.isValidWorktree(wtPath) {
			barePath, err := m.EnsureBareRepo(repoURL)
			if err != nil {
				return nil, err
			}
			empty := m.IsEmptyRepo(barePath)
			if !empty {
				if err := m.FetchRepo(barePath, targetBranch); err != nil {
					return nil, err
				}
				if _, err := m.run.Run(wtPath, "git", "merge", targetBranch, "--no-edit"); err != nil {
					slog.Warn("merge into reused worktree failed",
						"task_id", taskID, "branch", targetBranch, "error", err)
					m.run.Run(wtPath, "git", "merge", "--abort")
				}
			}
			return &SetupResult{Path: wtPath, Reused: true, BranchName: branchName, IsEmptyRepo: empty}, nil
		}
		// Invalid leftover directory: escalate removal strategies.
		if err := m.removeDirectory(taskID, wtPath); err != nil {
			return nil, err
		}
	}

	return m.createWorktree(taskID, repoURL, targetBranch)
}

// isValidWorktree checks for the linked-worktree marker: a .git file
// whose contents begin with "gitdir:".
func (m *Manager) isValidWorktree(wtPath string) bool {
	data, err := os.ReadFile(filepath.Join(wtPath, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(data)), "gitdir:")
}

func (m *Manager) createWorktree(taskID, repoURL, targetBranch string) (*SetupResult, error) {
	barePath, err := m.EnsureBareRepo(repoURL)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.opts.WorktreesDir, 0755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}

	// Stale registrations from deleted directories block re-adding.
	m.run.Run(barePath, "git", "worktree", "prune")

	wtPath := m.WorktreePath(taskID)
	branchName := task.BranchName(taskID)

	if m.IsEmptyRepo(barePath) {
		if err := m.bootstrapEmptyWorktree(taskID, repoURL, barePath, wtPath, branchName); err != nil {
			return nil, err
		}
		m.configureIdentity(wtPath)
		return &SetupResult{Path: wtPath, BranchName: branchName, IsEmptyRepo: true}, nil
	}

	if err := m.FetchRepo(barePath, targetBranch); err != nil {
		return nil, err
	}

	if _, err := m.run.Run(barePath, "git", "rev-parse", "--verify", "refs/heads/"+branchName); err == nil {
		// Feature branch survives from a previous run: reattach and refresh.
		if _, err := m.run.Run(barePath, "git", "worktree", "add", wtPath, branchName); err != nil {
			return nil, fmt.Errorf("attach worktree to %s: %w", branchName, err)
		}
		if _, err := m.run.Run(wtPath, "git", "merge", targetBranch, "--no-edit"); err != nil {
			slog.Warn("merge into reattached worktree failed",
				"task_id", taskID, "branch", targetBranch, "error", err)
			m.run.Run(wtPath, "git", "merge", "--abort")
		}
	} else {
		if _, err := m.run.Run(barePath, "git", "worktree", "add", "-b", branchName, wtPath, targetBranch); err != nil {
			return nil, fmt.Errorf("create worktree for %s: %w", taskID, err)
		}
	}

	m.configureIdentity(wtPath)
	return &SetupResult{Path: wtPath, BranchName: branchName}, nil
}

// bootstrapEmptyWorktree synthesizes a linked worktree for a repo with
// zero commits, where `git worktree add` has no commit to attach to.
// It writes the four files a linked worktree needs and initializes an
// empty index, falling back to a plain init with an orphan branch when
// the synthesized worktree fails its health check.
func (m *Manager) bootstrapEmptyWorktree(taskID, repoURL, barePath, wtPath, branchName string) error {
	metaDir := filepath.Join(barePath, "worktrees", task.WorktreeDirName(taskID))
	if err := os.MkdirAll(wtPath, 0755); err != nil {
		return fmt.Errorf("create worktree dir: %w", err)
	}
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return fmt.Errorf("create worktree metadata dir: %w", err)
	}

	files := map[string]string{
		filepath.Join(wtPath, ".git"):       "gitdir: " + metaDir + "\n",
		filepath.Join(metaDir, "gitdir"):    filepath.Join(wtPath, ".git") + "\n",
		filepath.Join(metaDir, "commondir"): "../..\n",
		filepath.Join(metaDir, "HEAD"):      "ref: refs/heads/" + branchName + "\n",
	}
	ok := true
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			ok = false
			break
		}
	}
	if ok {
		if _, err := m.run.Run(wtPath, "git", "read-tree", "--empty"); err != nil {
			ok = false
		}
	}
	if ok {
		if _, err := m.run.Run(wtPath, "git", "status", "--porcelain"); err != nil {
			ok = false
		}
	}
	if ok {
		return nil
	}

	// Fallback: standalone init with an orphan branch pointed at origin.
	slog.Warn("synthesized worktree failed health check, falling back to git init", "task_id", taskID)
	os.RemoveAll(wtPath)
	os.RemoveAll(metaDir)
	if err := os.MkdirAll(wtPath, 0755); err != nil {
		return fmt.Errorf("create worktree dir: %w", err)
	}
	if _, err := m.run.Run(wtPath, "git", "init"); err != nil {
		return fmt.Errorf("init fallback worktree: %w", err)
	}
	if _, err := m.run.Run(wtPath, "git", "checkout", "--orphan", branchName); err != nil {
		return fmt.Errorf("create orphan branch: %w", err)
	}
	if _, err := m.run.Run(wtPath, "git", "remote", "add", "origin", NormalizeURL(repoURL)); err != nil {
		return fmt.Errorf("add origin remote: %w", err)
	}
	return nil
}

func (m *Manager) configureIdentity(wtPath string) {
	m.run.Run(wtPath, "git", "config", "user.name", m.opts.CommitterName)
	m.run.Run(wtPath, "git", "config", "user.email", m.opts.CommitterEmail)
}

// CommitChanges stages everything and commits. Returns false without
// error when the working tree is clean.
func (m *Manager) CommitChanges(wtPath, message string) (bool, error) {
	if _, err := m.run.Run(wtPath, "git", "add", "-A"); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	status, err := m.run.Run(wtPath, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("check status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := m.run.Run(wtPath, "git", "commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// OriginURL reads the worktree's origin remote, credential-stripped.
// For file:// remotes this is the authoritative URL; the stored task
// URL cannot be trusted at push or PR time.
func (m *Manager) OriginURL(wtPath string) (string, error) {
	out, err := m.run.Run(wtPath, "git", "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("read origin url: %w", err)
	}
	return StripCredentials(out), nil
}

// PushBranch pushes the branch to origin with upstream tracking. When a
// token is available the origin URL is temporarily rewritten to embed
// it, then restored to the credential-free form.
func (m *Manager) PushBranch(wtPath, branch string) error {
	origin, err := m.OriginURL(wtPath)
	if err != nil {
		return err
	}
	if token := m.opts.TokenFor(origin); token != "" && !IsFileURL(origin) {
		if _, err := m.run.Run(wtPath, "git", "remote", "set-url", "origin", WithToken(origin, token)); err != nil {
			return fmt.Errorf("set authenticated origin: %w", err)
		}
		defer m.run.Run(wtPath, "git", "remote", "set-url", "origin", origin)
	}
	if _, err := m.run.Run(wtPath, "git", "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// FetchTargetFromOrigin fetches the target branch through the
// worktree's own origin remote. Worktrees created from a file:// remote
// keep pointing at the real repository, so this routes correctly where
// a bare-repo fetch would not.
func (m *Manager) FetchTargetFromOrigin(wtPath, targetBranch string) error {
	if _, err := m.run.Run(wtPath, "git", "fetch", "origin", targetBranch); err != nil {
		return fmt.Errorf("fetch origin/%s: %w", targetBranch, err)
	}
	return nil
}

// MergeTarget merges ref into the worktree's checked-out branch. On
// conflict the merge is aborted and the conflicting paths are returned
// alongside the error.
func (m *Manager) MergeTarget(wtPath, taskID, ref string) ([]string, error) {
	if _, err := m.run.Run(wtPath, "git", "merge", ref, "--no-edit"); err != nil {
		conflicts, _ := m.run.Run(wtPath, "git", "diff", "--name-only", "--diff-filter=U")
		m.run.Run(wtPath, "git", "merge", "--abort")
		var files []string
		for _, line := range strings.Split(conflicts, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				files = append(files, line)
			}
		}
		if len(files) > 0 {
			return files, overrs.ErrMergeConflict(taskID, files)
		}
		return nil, fmt.Errorf("merge %s: %w", ref, err)
	}
	return nil, nil
}
