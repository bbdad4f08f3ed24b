// Package github implements the hosting.Provider interface with the
// go-github client.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/randalmurphal/overseer/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitHub, newProvider)
}

// Provider implements hosting.Provider for GitHub and GitHub
// Enterprise.
type Provider struct {
	client *gogithub.Client
}

func newProvider(cfg hosting.Config) (hosting.Provider, error) {
	httpClient := &http.Client{
		Transport: &oauth2Transport{token: cfg.Token},
		Timeout:   30 * time.Second,
	}
	client := gogithub.NewClient(httpClient)

	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		var err error
		client.BaseURL, err = client.BaseURL.Parse(baseURL + "/api/v3/")
		if err != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, err)
		}
		client.UploadURL, err = client.UploadURL.Parse(baseURL + "/api/uploads/")
		if err != nil {
			return nil, fmt.Errorf("parse upload URL %q: %w", cfg.BaseURL, err)
		}
	}
	return &Provider{client: client}, nil
}

// NewWithClient wraps an existing go-github client, used by tests.
func NewWithClient(client *gogithub.Client) *Provider {
	return &Provider{client: client}
}

// oauth2Transport adds an Authorization header to every request.
type oauth2Transport struct {
	token string
	base  http.RoundTripper
}

func (t *oauth2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// Name returns the provider type.
func (p *Provider) Name() hosting.ProviderType {
	return hosting.ProviderGitHub
}

// CreatePR opens a pull request.
func (p *Provider) CreatePR(ctx context.Context, opts hosting.CreateOptions) (*hosting.PR, error) {
	owner, repo, err := splitRepo(opts.RepoURL)
	if err != nil {
		return nil, err
	}
	created, resp, err := p.client.PullRequests.Create(ctx, owner, repo, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
		Head:  gogithub.Ptr(opts.Head),
		Base:  gogithub.Ptr(opts.Base),
	})
	if err != nil {
		return nil, p.mapError(resp, "create pull request", err)
	}
	return convertPR(created), nil
}

// GetPR fetches a pull request.
func (p *Provider) GetPR(ctx context.Context, repoURL string, number int) (*hosting.PR, error) {
	owner, repo, err := splitRepo(repoURL)
	if err != nil {
		return nil, err
	}
	pr, resp, err := p.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, p.mapError(resp, fmt.Sprintf("get pull request #%d", number), err)
	}
	return convertPR(pr), nil
}

// ListPRComments returns conversation comments and inline review
// comments created or updated after since.
func (p *Provider) ListPRComments(ctx context.Context, repoURL string, number int, since time.Time) ([]hosting.Comment, error) {
	owner, repo, err := splitRepo(repoURL)
	if err != nil {
		return nil, err
	}

	var out []hosting.Comment

	issueOpts := &gogithub.IssueListCommentsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		issueOpts.Since = &since
	}
	for {
		comments, resp, err := p.client.Issues.ListComments(ctx, owner, repo, number, issueOpts)
		if err != nil {
			return nil, p.mapError(resp, fmt.Sprintf("list comments on #%d", number), err)
		}
		for _, c := range comments {
			out = append(out, hosting.Comment{
				ID:        c.GetID(),
				Body:      c.GetBody(),
				Author:    c.GetUser().GetLogin(),
				CreatedAt: c.GetCreatedAt().Time,
				UpdatedAt: c.GetUpdatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		issueOpts.Page = resp.NextPage
	}

	reviewOpts := &gogithub.PullRequestListCommentsOptions{
		Since:       since,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		comments, resp, err := p.client.PullRequests.ListComments(ctx, owner, repo, number, reviewOpts)
		if err != nil {
			return nil, p.mapError(resp, fmt.Sprintf("list review comments on #%d", number), err)
		}
		for _, c := range comments {
			out = append(out, hosting.Comment{
				ID:              c.GetID(),
				Body:            c.GetBody(),
				Author:          c.GetUser().GetLogin(),
				CreatedAt:       c.GetCreatedAt().Time,
				UpdatedAt:       c.GetUpdatedAt().Time,
				IsReviewComment: true,
				Path:            c.GetPath(),
				Line:            c.GetLine(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		reviewOpts.Page = resp.NextPage
	}

	return out, nil
}

// AddComment posts a conversation comment on the pull request.
func (p *Provider) AddComment(ctx context.Context, repoURL string, number int, body string) error {
	owner, repo, err := splitRepo(repoURL)
	if err != nil {
		return err
	}
	_, resp, err := p.client.Issues.CreateComment(ctx, owner, repo, number, &gogithub.IssueComment{
		Body: gogithub.Ptr(body),
	})
	if err != nil {
		return p.mapError(resp, fmt.Sprintf("comment on #%d", number), err)
	}
	return nil
}

func (p *Provider) mapError(resp *gogithub.Response, op string, err error) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return hosting.MapStatusError(hosting.ProviderGitHub, status, op, err)
}

func splitRepo(repoURL string) (owner, repo string, err error) {
	owner, repo = hosting.ParseOwnerRepo(repoURL)
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from %q", repoURL)
	}
	return owner, repo, nil
}

func convertPR(pr *gogithub.PullRequest) *hosting.PR {
	state := pr.GetState()
	if pr.GetMerged() || pr.MergedAt != nil {
		state = hosting.StateMerged
	}
	return &hosting.PR{
		Number:     pr.GetNumber(),
		URL:        pr.GetHTMLURL(),
		Title:      pr.GetTitle(),
		State:      state,
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
	}
}
