// Package hosting provides a unified interface over git forges
// (GitHub, GitLab) for pull request operations.
package hosting

import (
	"context"
	"time"
)

// ProviderType identifies which forge backend is in use.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderGitLab  ProviderType = "gitlab"
	ProviderUnknown ProviderType = "unknown"
)

// PR states, normalized across forges.
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateMerged = "merged"
)

// Provider is the forge backend interface. Every operation takes the
// repository URL so one provider instance serves any number of repos
// on its forge.
type Provider interface {
	CreatePR(ctx context.Context, opts CreateOptions) (*PR, error)
	GetPR(ctx context.Context, repoURL string, number int) (*PR, error)
	// ListPRComments returns comments created or updated after since.
	// A zero since returns everything.
	ListPRComments(ctx context.Context, repoURL string, number int, since time.Time) ([]Comment, error)
	AddComment(ctx context.Context, repoURL string, number int, body string) error
	Name() ProviderType
}

// PR represents a pull request / merge request.
type PR struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	State      string `json:"state"` // open, closed, merged
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
}

// CreateOptions for opening a PR / merge request.
type CreateOptions struct {
	RepoURL string `json:"repo_url"`
	Head    string `json:"head"`
	Base    string `json:"base"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

// Comment is a PR conversation comment or an inline review comment.
type Comment struct {
	ID              int64     `json:"id"`
	Body            string    `json:"body"`
	Author          string    `json:"author"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	IsReviewComment bool      `json:"is_review_comment"`
	Path            string    `json:"path,omitempty"`
	Line            int       `json:"line,omitempty"`
}
