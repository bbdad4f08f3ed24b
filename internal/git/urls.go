package git

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

// embeddedCredPattern matches userinfo embedded in an https/http URL,
// e.g. oauth2:token@ or x-access-token:token@.
var embeddedCredPattern = regexp.MustCompile(`(https?://)[^/@\s]+@`)

// StripCredentials removes any embedded userinfo from URLs found in s.
// Applied to every URL before it is logged or returned through the API.
func StripCredentials(s string) string {
	return embeddedCredPattern.ReplaceAllString(s, "$1")
}

// NormalizeURL produces the canonical form used to key bare repos:
// credentials stripped, trailing slash removed.
func NormalizeURL(repoURL string) string {
	out := StripCredentials(strings.TrimSpace(repoURL))
	return strings.TrimSuffix(out, "/")
}

// RepoDirName returns the bare clone directory name for a remote:
// the first 16 hex chars of the SHA-256 of the normalized URL.
func RepoDirName(repoURL string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(repoURL)))
	return hex.EncodeToString(sum[:])[:16] + ".git"
}

// WithToken rewrites an https URL to embed the access token, using the
// oauth2 userinfo form GitLab expects and the x-access-token form for
// everything else. Non-https URLs are returned unchanged.
func WithToken(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	u, err := url.Parse(StripCredentials(repoURL))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return repoURL
	}
	if strings.Contains(strings.ToLower(u.Host), "gitlab") {
		u.User = url.UserPassword("oauth2", token)
	} else {
		u.User = url.UserPassword("x-access-token", token)
	}
	return u.String()
}

// IsFileURL reports whether the remote is a local file:// repository.
func IsFileURL(repoURL string) bool {
	return strings.HasPrefix(repoURL, "file://")
}
