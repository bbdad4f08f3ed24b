package hosting

import (
	"fmt"

	overrs "github.com/randalmurphal/overseer/internal/errors"
)

// MapStatusError normalizes a forge HTTP failure into a structured
// error: auth failures and missing PRs get dedicated codes, everything
// else is treated as transient.
func MapStatusError(provider ProviderType, statusCode int, op string, cause error) error {
	switch {
	case statusCode == 401 || statusCode == 403:
		return overrs.ErrForgeAuth(string(provider)).WithCause(cause)
	case statusCode == 404:
		return (&overrs.Error{
			Code: overrs.CodePRNotFound,
			What: fmt.Sprintf("%s: not found", op),
			Why:  "The PR or repository does not exist, or the token cannot see it",
		}).WithCause(cause)
	default:
		return (&overrs.Error{
			Code: overrs.CodeForgeTransient,
			What: fmt.Sprintf("%s failed", op),
			Fix:  "The forge may be briefly unavailable; the operation will be retried",
		}).WithCause(cause)
	}
}
