// Package task defines the task model and its lifecycle status set.
package task

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	overrs "github.com/randalmurphal/overseer/internal/errors"
)

// Status is a task lifecycle status.
type Status string

// Task statuses, partitioned into groups used by the routing UI.
const (
	// Inception
	StatusDraft   Status = "draft"
	StatusBacklog Status = "backlog"

	// Spec / planning
	StatusRefining        Status = "refining"
	StatusPendingApproval Status = "pending_approval"
	StatusPlanning        Status = "planning"
	StatusPlanReview      Status = "plan_review"
	StatusApproved        Status = "approved"

	// Execution
	StatusCoding     Status = "coding"
	StatusInProgress Status = "in_progress"

	// Review loop
	StatusAwaitingReview   Status = "awaiting_review"
	StatusReview           Status = "review"
	StatusChangesRequested Status = "changes_requested"
	StatusMergeConflicts   Status = "merge_conflicts"

	// PR
	StatusPRCreated Status = "pr_created"

	// Terminal
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// AllStatuses lists every status the store schema permits.
var AllStatuses = []Status{
	StatusDraft, StatusBacklog,
	StatusRefining, StatusPendingApproval, StatusPlanning, StatusPlanReview, StatusApproved,
	StatusCoding, StatusInProgress,
	StatusAwaitingReview, StatusReview, StatusChangesRequested, StatusMergeConflicts,
	StatusPRCreated,
	StatusDone, StatusFailed, StatusCanceled,
}

// IsValidStatus reports whether s is a known status.
func IsValidStatus(s Status) bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a sink: no transition leaves it.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// IsPRActive reports whether a PR exists and may still change.
func (s Status) IsPRActive() bool {
	return s == StatusPRCreated || s == StatusChangesRequested
}

// Task is the primary entity of the orchestrator.
type Task struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repository_id,omitempty"`
	RepoURL      string `json:"repo_url"`
	TargetBranch string `json:"target_branch"`

	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	ContextFiles []string `json:"context_files,omitempty"`
	// BuildCommand is advisory only. The agent is forbidden from executing it.
	BuildCommand string `json:"build_command,omitempty"`

	AgentType  string `json:"agent_type,omitempty"`
	AgentModel string `json:"agent_model,omitempty"`

	GeneratedSpec  string     `json:"generated_spec,omitempty"`
	FinalSpec      string     `json:"final_spec,omitempty"`
	SpecApprovedAt *time.Time `json:"spec_approved_at,omitempty"`
	WasSpecEdited  bool       `json:"was_spec_edited,omitempty"`

	BranchName string `json:"branch_name,omitempty"`
	PRURL      string `json:"pr_url,omitempty"`
	PRNumber   int    `json:"pr_number,omitempty"`
	// ChangesData is a serialized snapshot of the diff taken at review time.
	// Readers prefer a live worktree diff and fall back to this field.
	ChangesData string `json:"changes_data,omitempty"`
	// ConflictFiles lists paths with merge conflicts against the target branch.
	ConflictFiles []string `json:"conflict_files,omitempty"`
	// Plan holds the extracted plan from a plan-only run.
	Plan string `json:"plan,omitempty"`
	// PendingFeedback holds reviewer feedback awaiting the next resume.
	PendingFeedback string `json:"pending_feedback,omitempty"`
	Error           string `json:"error,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository is identified by URL (unique).
type Repository struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	// DetectedStack is opaque to the core; written by an external detector.
	DetectedStack   string           `json:"detected_stack,omitempty"`
	Conventions     string           `json:"conventions,omitempty"`
	LearnedPatterns []LearnedPattern `json:"learned_patterns,omitempty"`
	// ActiveTasksCount is a projection computed on read, never stored.
	ActiveTasksCount int       `json:"active_tasks_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// LearnedPattern is a convention extracted from a completed task.
type LearnedPattern struct {
	ID                string `json:"id"`
	Pattern           string `json:"pattern"`
	LearnedFromTaskID string `json:"learned_from_task_id,omitempty"`
}

// uuidV4Pattern matches the canonical 8-4-4-4-12 hex form with version 4.
var uuidV4Pattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// NewID returns a fresh canonical UUID v4.
func NewID() string {
	return uuid.NewString()
}

// ValidateID rejects IDs that are not canonical UUID v4. Every filesystem
// path derived from an ID must pass through this check first.
func ValidateID(id string) error {
	if !uuidV4Pattern.MatchString(id) {
		return overrs.ErrInvalidTaskID(id)
	}
	return nil
}

// BranchName returns the feature branch for a task: feature/task-<id>.
func BranchName(taskID string) string {
	return fmt.Sprintf("feature/task-%s", taskID)
}

// WorktreeDirName returns the worktree directory name for a task.
func WorktreeDirName(taskID string) string {
	return fmt.Sprintf("task-%s", taskID)
}

// New creates a task in draft status with a fresh ID.
func New(title, repoURL, targetBranch string) *Task {
	now := time.Now().UTC()
	t := &Task{
		ID:           NewID(),
		RepoURL:      repoURL,
		TargetBranch: targetBranch,
		Title:        title,
		Status:       StatusDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.BranchName = BranchName(t.ID)
	return t
}
