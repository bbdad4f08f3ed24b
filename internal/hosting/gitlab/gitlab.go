// Package gitlab implements the hosting.Provider interface with the
// GitLab client-go library.
package gitlab

import (
	"context"
	"fmt"
	"strings"
	"time"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/randalmurphal/overseer/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitLab, newProvider)
}

// Provider implements hosting.Provider for gitlab.com and self-hosted
// instances.
type Provider struct {
	client *gogitlab.Client
}

func newProvider(cfg hosting.Config) (hosting.Provider, error) {
	var (
		client *gogitlab.Client
		err    error
	)
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		client, err = gogitlab.NewClient(cfg.Token, gogitlab.WithBaseURL(baseURL+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(cfg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	return &Provider{client: client}, nil
}

// NewWithClient wraps an existing client, used by tests.
func NewWithClient(client *gogitlab.Client) *Provider {
	return &Provider{client: client}
}

// Name returns the provider type.
func (p *Provider) Name() hosting.ProviderType {
	return hosting.ProviderGitLab
}

// projectID is the URL-encoded "group/subgroup/repo" path.
func projectID(repoURL string) (string, error) {
	owner, repo := hosting.ParseOwnerRepo(repoURL)
	if owner == "" || repo == "" {
		return "", fmt.Errorf("cannot parse project path from %q", repoURL)
	}
	return owner + "/" + repo, nil
}

// CreatePR opens a merge request.
func (p *Provider) CreatePR(ctx context.Context, opts hosting.CreateOptions) (*hosting.PR, error) {
	pid, err := projectID(opts.RepoURL)
	if err != nil {
		return nil, err
	}
	mr, resp, err := p.client.MergeRequests.CreateMergeRequest(pid, &gogitlab.CreateMergeRequestOptions{
		Title:        gogitlab.Ptr(opts.Title),
		Description:  gogitlab.Ptr(opts.Body),
		SourceBranch: gogitlab.Ptr(opts.Head),
		TargetBranch: gogitlab.Ptr(opts.Base),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, p.mapError(resp, "create merge request", err)
	}
	return convertMR(mr), nil
}

// GetPR fetches a merge request by IID.
func (p *Provider) GetPR(ctx context.Context, repoURL string, number int) (*hosting.PR, error) {
	pid, err := projectID(repoURL)
	if err != nil {
		return nil, err
	}
	mr, resp, err := p.client.MergeRequests.GetMergeRequest(pid, int64(number), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, p.mapError(resp, fmt.Sprintf("get merge request !%d", number), err)
	}
	return convertMR(mr), nil
}

// ListPRComments returns the MR's discussion notes, excluding system
// notes, created or updated after since.
func (p *Provider) ListPRComments(ctx context.Context, repoURL string, number int, since time.Time) ([]hosting.Comment, error) {
	pid, err := projectID(repoURL)
	if err != nil {
		return nil, err
	}

	var out []hosting.Comment
	opts := &gogitlab.ListMergeRequestDiscussionsOptions{
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}
	for {
		discussions, resp, err := p.client.Discussions.ListMergeRequestDiscussions(pid, int64(number), opts, gogitlab.WithContext(ctx))
		if err != nil {
			return nil, p.mapError(resp, fmt.Sprintf("list discussions on !%d", number), err)
		}
		for _, d := range discussions {
			for _, note := range d.Notes {
				if note.System {
					continue
				}
				c := convertNote(note)
				// GitLab has no server-side since filter for notes.
				if !since.IsZero() && !c.CreatedAt.After(since) && !c.UpdatedAt.After(since) {
					continue
				}
				out = append(out, c)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// AddComment posts a note on the merge request.
func (p *Provider) AddComment(ctx context.Context, repoURL string, number int, body string) error {
	pid, err := projectID(repoURL)
	if err != nil {
		return err
	}
	_, resp, err := p.client.Notes.CreateMergeRequestNote(pid, int64(number), &gogitlab.CreateMergeRequestNoteOptions{
		Body: gogitlab.Ptr(body),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return p.mapError(resp, fmt.Sprintf("comment on !%d", number), err)
	}
	return nil
}

func (p *Provider) mapError(resp *gogitlab.Response, op string, err error) error {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	return hosting.MapStatusError(hosting.ProviderGitLab, status, op, err)
}

func convertMR(mr *gogitlab.MergeRequest) *hosting.PR {
	state := hosting.StateClosed
	switch mr.State {
	case "opened", "locked":
		state = hosting.StateOpen
	case "merged":
		state = hosting.StateMerged
	}
	return &hosting.PR{
		Number:     int(mr.IID),
		URL:        mr.WebURL,
		Title:      mr.Title,
		State:      state,
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
	}
}

func convertNote(note *gogitlab.Note) hosting.Comment {
	c := hosting.Comment{
		ID:     note.ID,
		Body:   note.Body,
		Author: note.Author.Username,
	}
	if note.CreatedAt != nil {
		c.CreatedAt = *note.CreatedAt
	}
	if note.UpdatedAt != nil {
		c.UpdatedAt = *note.UpdatedAt
	}
	if note.Position != nil {
		c.IsReviewComment = true
		c.Path = note.Position.NewPath
		c.Line = int(note.Position.NewLine)
	}
	return c
}
