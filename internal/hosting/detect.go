package hosting

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Detect determines the forge from a repository or PR URL. GitLab wins
// when the hostname contains "gitlab" or the URL carries the
// /-/merge_requests/ path marker; everything else is treated as GitHub,
// which also covers GitHub Enterprise hosts.
func Detect(rawURL string) ProviderType {
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	if strings.Contains(lower, "/-/merge_requests/") {
		return ProviderGitLab
	}
	if u, err := url.Parse(lower); err == nil && u.Host != "" {
		if strings.Contains(u.Host, "gitlab") {
			return ProviderGitLab
		}
		return ProviderGitHub
	}
	// SCP-style remotes (git@host:owner/repo) have no parseable host.
	if strings.Contains(lower, "gitlab") {
		return ProviderGitLab
	}
	return ProviderGitHub
}

// ParseOwnerRepo extracts the owner (possibly nested for GitLab
// groups) and repository name from a remote URL.
func ParseOwnerRepo(remoteURL string) (owner, repo string) {
	raw := strings.TrimSpace(remoteURL)
	raw = strings.TrimSuffix(raw, "/")
	raw = strings.TrimSuffix(raw, ".git")

	switch {
	case strings.HasPrefix(raw, "ssh://"):
		raw = strings.TrimPrefix(raw, "ssh://")
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = strings.TrimLeft(raw[idx+1:], "/")
		}
	case strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://"):
		raw = strings.TrimPrefix(raw, "https://")
		raw = strings.TrimPrefix(raw, "http://")
		// Drop any embedded credentials, then the host.
		if idx := strings.Index(raw, "@"); idx != -1 {
			raw = raw[idx+1:]
		}
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = raw[idx+1:]
		}
	default:
		// SCP-style: git@host:owner/repo
		if idx := strings.Index(raw, ":"); idx != -1 {
			raw = raw[idx+1:]
		}
	}

	parts := strings.Split(raw, "/")
	if len(parts) < 2 {
		return raw, ""
	}
	repo = parts[len(parts)-1]
	owner = strings.Join(parts[:len(parts)-1], "/")
	return owner, repo
}

var (
	githubPRPattern = regexp.MustCompile(`/pull/(\d+)`)
	gitlabMRPattern = regexp.MustCompile(`/merge_requests/(\d+)`)
)

// ParsePRNumber extracts the PR/MR number from a forge web URL.
func ParsePRNumber(prURL string) (int, error) {
	for _, p := range []*regexp.Regexp{githubPRPattern, gitlabMRPattern} {
		if m := p.FindStringSubmatch(prURL); m != nil {
			return strconv.Atoi(m[1])
		}
	}
	return 0, fmt.Errorf("no PR number in URL %q", prURL)
}
