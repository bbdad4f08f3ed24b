package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	overrs "github.com/randalmurphal/overseer/internal/errors"
	"github.com/randalmurphal/overseer/internal/task"
)

const repoColumns = `id, url, name, default_branch, detected_stack, conventions,
	learned_patterns, created_at, updated_at`

// UpsertRepository inserts or updates a repository keyed by its URL.
func (s *Store) UpsertRepository(r *task.Repository) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.ID == "" {
		r.ID = task.NewID()
	}

	patterns, _ := json.Marshal(r.LearnedPatterns)
	_, err := s.db.Exec(`
		INSERT INTO repositories (`+repoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			name = excluded.name,
			default_branch = excluded.default_branch,
			detected_stack = excluded.detected_stack,
			conventions = excluded.conventions,
			learned_patterns = excluded.learned_patterns,
			updated_at = excluded.updated_at`,
		r.ID, r.URL, r.Name, r.DefaultBranch, r.DetectedStack, r.Conventions,
		string(patterns), r.CreatedAt.Format(time.RFC3339Nano),
		r.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

// GetRepositoryByURL retrieves a repository by its unique URL.
// ActiveTasksCount is computed from the tasks table on every read.
func (s *Store) GetRepositoryByURL(url string) (*task.Repository, error) {
	row := s.db.QueryRow(`SELECT `+repoColumns+` FROM repositories WHERE url = ?`, url)
	r, err := scanRepository(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, overrs.ErrRepoNotFound(url)
		}
		return nil, fmt.Errorf("get repository: %w", err)
	}
	if err := s.fillActiveCount(r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRepositories returns all repositories with live active-task counts.
func (s *Store) ListRepositories() ([]*task.Repository, error) {
	rows, err := s.db.Query(`SELECT ` + repoColumns + ` FROM repositories ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []*task.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		if err := s.fillActiveCount(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddLearnedPattern appends a pattern to the repository's learned set.
func (s *Store) AddLearnedPattern(repoURL string, p task.LearnedPattern) error {
	r, err := s.GetRepositoryByURL(repoURL)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = task.NewID()
	}
	r.LearnedPatterns = append(r.LearnedPatterns, p)
	return s.UpsertRepository(r)
}

func (s *Store) fillActiveCount(r *task.Repository) error {
	row := s.db.QueryRow(`
		SELECT COUNT(*) FROM tasks
		WHERE repo_url = ? AND status NOT IN (?, ?, ?)`,
		r.URL, string(task.StatusDone), string(task.StatusFailed), string(task.StatusCanceled))
	if err := row.Scan(&r.ActiveTasksCount); err != nil {
		return fmt.Errorf("count active tasks: %w", err)
	}
	return nil
}

func scanRepository(row scanner) (*task.Repository, error) {
	var (
		r                    task.Repository
		patterns             string
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.URL, &r.Name, &r.DefaultBranch, &r.DetectedStack,
		&r.Conventions, &patterns, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(patterns), &r.LearnedPatterns)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}
