package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	overrs "github.com/randalmurphal/overseer/internal/errors"
	"github.com/randalmurphal/overseer/internal/task"
)

// taskColumns is the ordered column list shared by every task query.
const taskColumns = `id, repository_id, repo_url, target_branch, title, description,
	context_files, build_command, agent_type, agent_model, generated_spec, final_spec,
	spec_approved_at, was_spec_edited, branch_name, pr_url, pr_number, changes_data,
	conflict_files, plan, pending_feedback, error, status, created_at, updated_at`

// CreateTask inserts a new task. The ID must already be set and valid.
func (s *Store) CreateTask(t *task.Task) error {
	if err := task.ValidateID(t.ID); err != nil {
		return err
	}
	if !task.IsValidStatus(t.Status) {
		return fmt.Errorf("unknown status %q", t.Status)
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	contextFiles, _ := json.Marshal(t.ContextFiles)
	conflictFiles, _ := json.Marshal(t.ConflictFiles)

	var specApprovedAt any
	if t.SpecApprovedAt != nil {
		specApprovedAt = t.SpecApprovedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RepositoryID, t.RepoURL, t.TargetBranch, t.Title, t.Description,
		string(contextFiles), t.BuildCommand, t.AgentType, t.AgentModel,
		t.GeneratedSpec, t.FinalSpec, specApprovedAt, boolToInt(t.WasSpecEdited),
		t.BranchName, t.PRURL, t.PRNumber, t.ChangesData, string(conflictFiles),
		t.Plan, t.PendingFeedback, t.Error, string(t.Status),
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*task.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, overrs.ErrTaskNotFound(id)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// TaskPatch describes a partial update; nil fields are left unchanged.
type TaskPatch struct {
	Title           *string
	Description     *string
	ContextFiles    *[]string
	BuildCommand    *string
	AgentType       *string
	AgentModel      *string
	GeneratedSpec   *string
	FinalSpec       *string
	SpecApprovedAt  *time.Time
	WasSpecEdited   *bool
	BranchName      *string
	PRURL           *string
	PRNumber        *int
	ChangesData     *string
	ConflictFiles   *[]string
	Plan            *string
	PendingFeedback *string
	Error           *string
	Status          *task.Status
	RepositoryID    *string
}

// UpdateTask applies patch to the task and returns the merged record.
// Every write bumps updated_at.
func (s *Store) UpdateTask(id string, patch TaskPatch) (*task.Task, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.ContextFiles != nil {
		t.ContextFiles = *patch.ContextFiles
	}
	if patch.BuildCommand != nil {
		t.BuildCommand = *patch.BuildCommand
	}
	if patch.AgentType != nil {
		t.AgentType = *patch.AgentType
	}
	if patch.AgentModel != nil {
		t.AgentModel = *patch.AgentModel
	}
	if patch.GeneratedSpec != nil {
		t.GeneratedSpec = *patch.GeneratedSpec
	}
	if patch.FinalSpec != nil {
		t.FinalSpec = *patch.FinalSpec
	}
	if patch.SpecApprovedAt != nil {
		ts := *patch.SpecApprovedAt
		t.SpecApprovedAt = &ts
	}
	if patch.WasSpecEdited != nil {
		t.WasSpecEdited = *patch.WasSpecEdited
	}
	if patch.BranchName != nil {
		t.BranchName = *patch.BranchName
	}
	if patch.PRURL != nil {
		t.PRURL = *patch.PRURL
	}
	if patch.PRNumber != nil {
		t.PRNumber = *patch.PRNumber
	}
	if patch.ChangesData != nil {
		t.ChangesData = *patch.ChangesData
	}
	if patch.ConflictFiles != nil {
		t.ConflictFiles = *patch.ConflictFiles
	}
	if patch.Plan != nil {
		t.Plan = *patch.Plan
	}
	if patch.PendingFeedback != nil {
		t.PendingFeedback = *patch.PendingFeedback
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	if patch.RepositoryID != nil {
		t.RepositoryID = *patch.RepositoryID
	}
	if patch.Status != nil {
		if !task.IsValidStatus(*patch.Status) {
			return nil, fmt.Errorf("unknown status %q", *patch.Status)
		}
		t.Status = *patch.Status
	}

	t.UpdatedAt = time.Now().UTC()

	contextFiles, _ := json.Marshal(t.ContextFiles)
	conflictFiles, _ := json.Marshal(t.ConflictFiles)
	var specApprovedAt any
	if t.SpecApprovedAt != nil {
		specApprovedAt = t.SpecApprovedAt.UTC().Format(time.RFC3339Nano)
	}

	res, err := s.db.Exec(`
		UPDATE tasks SET
			repository_id = ?, title = ?, description = ?, context_files = ?,
			build_command = ?, agent_type = ?, agent_model = ?, generated_spec = ?,
			final_spec = ?, spec_approved_at = ?, was_spec_edited = ?, branch_name = ?,
			pr_url = ?, pr_number = ?, changes_data = ?, conflict_files = ?, plan = ?,
			pending_feedback = ?, error = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		t.RepositoryID, t.Title, t.Description, string(contextFiles),
		t.BuildCommand, t.AgentType, t.AgentModel, t.GeneratedSpec,
		t.FinalSpec, specApprovedAt, boolToInt(t.WasSpecEdited), t.BranchName,
		t.PRURL, t.PRNumber, t.ChangesData, string(conflictFiles), t.Plan,
		t.PendingFeedback, t.Error, string(t.Status),
		t.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, overrs.ErrTaskNotFound(id)
	}
	return t, nil
}

// DeleteTask removes a task and its logs.
func (s *Store) DeleteTask(id string) error {
	if _, err := s.db.Exec(`DELETE FROM task_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task logs: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ListTasks returns all tasks ordered by creation time.
func (s *Store) ListTasks() ([]*task.Task, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at`)
}

// ListTasksByStatus returns tasks in any of the given statuses.
func (s *Store) ListTasksByStatus(statuses ...task.Status) ([]*task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (`
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(st))
	}
	query += `) ORDER BY created_at`
	return s.queryTasks(query, args...)
}

// ListTasksByRepo returns tasks for a repository URL.
func (s *Store) ListTasksByRepo(repoURL string) ([]*task.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE repo_url = ? ORDER BY created_at`, repoURL)
}

func (s *Store) queryTasks(query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t                            task.Task
		contextFiles, conflictFiles  string
		specApprovedAt               sql.NullString
		wasSpecEdited                int
		status, createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.RepositoryID, &t.RepoURL, &t.TargetBranch, &t.Title,
		&t.Description, &contextFiles, &t.BuildCommand, &t.AgentType, &t.AgentModel,
		&t.GeneratedSpec, &t.FinalSpec, &specApprovedAt, &wasSpecEdited,
		&t.BranchName, &t.PRURL, &t.PRNumber, &t.ChangesData, &conflictFiles,
		&t.Plan, &t.PendingFeedback, &t.Error, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(contextFiles), &t.ContextFiles)
	_ = json.Unmarshal([]byte(conflictFiles), &t.ConflictFiles)
	t.WasSpecEdited = wasSpecEdited != 0
	t.Status = task.Status(status)
	if specApprovedAt.Valid {
		if ts, perr := time.Parse(time.RFC3339Nano, specApprovedAt.String); perr == nil {
			t.SpecApprovedAt = &ts
		}
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
