// Package secrets defines the key-fetch interface over the external
// secrets store. The orchestrator core only reads three keys.
package secrets

import "os"

// Well-known secret keys recognized by the core.
const (
	KeyAIAPIKey    = "ai_api_key"
	KeyGitHubToken = "github_token"
	KeyGitLabToken = "gitlab_token"
)

// Accessor fetches secret values by key. Implementations live outside the
// core; an empty string means the key is unset.
type Accessor interface {
	Get(key string) string
}

// EnvAccessor resolves secrets from environment variables. Used as the
// default when no external store is wired.
type EnvAccessor struct{}

var envKeys = map[string]string{
	KeyAIAPIKey:    "OVERSEER_AI_API_KEY",
	KeyGitHubToken: "GITHUB_TOKEN",
	KeyGitLabToken: "GITLAB_TOKEN",
}

// Get returns the secret value for key, or empty when unset.
func (EnvAccessor) Get(key string) string {
	env, ok := envKeys[key]
	if !ok {
		return ""
	}
	return os.Getenv(env)
}

// Static is a fixed in-memory accessor, used in tests and for
// programmatic configuration.
type Static map[string]string

// Get returns the secret value for key, or empty when unset.
func (s Static) Get(key string) string {
	return s[key]
}
