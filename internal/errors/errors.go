// Package errors provides structured error types for overseer.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for overseer.
const (
	// Validation errors
	CodeInvalidTaskID  Code = "INVALID_TASK_ID"
	CodeInvalidStatus  Code = "TASK_INVALID_STATUS"
	CodeMissingField   Code = "MISSING_FIELD"

	// Lookup errors
	CodeTaskNotFound Code = "TASK_NOT_FOUND"
	CodeRepoNotFound Code = "REPO_NOT_FOUND"
	CodePRNotFound   Code = "PR_NOT_FOUND"

	// Agent lifecycle errors
	CodeAgentRunning Code = "AGENT_ALREADY_RUNNING"
	CodeCancelled    Code = "CANCELLED"
	CodeTimeout      Code = "TIMEOUT"
	CodeRunnerFailed Code = "RUNNER_FAILED"

	// Git errors
	CodeWorktreeBusy  Code = "WORKTREE_BUSY"
	CodeMergeConflict Code = "MERGE_CONFLICT"

	// Forge errors
	CodeForgeAuth      Code = "FORGE_AUTH"
	CodeForgeTransient Code = "FORGE_TRANSIENT"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

var codeCategories = map[Code]Category{
	CodeInvalidTaskID:  CategoryBadRequest,
	CodeInvalidStatus:  CategoryBadRequest,
	CodeMissingField:   CategoryBadRequest,
	CodeTaskNotFound:   CategoryNotFound,
	CodeRepoNotFound:   CategoryNotFound,
	CodePRNotFound:     CategoryNotFound,
	CodeAgentRunning:   CategoryConflict,
	CodeCancelled:      CategoryConflict,
	CodeTimeout:        CategoryTimeout,
	CodeRunnerFailed:   CategoryInternal,
	CodeWorktreeBusy:   CategoryConflict,
	CodeMergeConflict:  CategoryConflict,
	CodeForgeAuth:      CategoryUnavailable,
	CodeForgeTransient: CategoryUnavailable,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// Error is the structured error type for overseer.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler, flattening the cause to a string.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.Cause = err
	return &cp
}

// CodeOf extracts the Code from err, or empty when err carries none.
func CodeOf(err error) Code {
	var oe *Error
	if stderrors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// --- Error constructors ---

// ErrInvalidTaskID reports a task ID that is not a canonical UUID v4.
func ErrInvalidTaskID(id string) *Error {
	return &Error{
		Code: CodeInvalidTaskID,
		What: fmt.Sprintf("invalid task ID %q", id),
		Why:  "Task IDs must be canonical UUID v4 values; paths are derived from them",
		Fix:  "Use the ID exactly as returned when the task was created",
	}
}

// ErrTaskNotFound reports a missing task.
func ErrTaskNotFound(id string) *Error {
	return &Error{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  "No task with this ID exists in the store",
	}
}

// ErrRepoNotFound reports a missing repository record.
func ErrRepoNotFound(url string) *Error {
	return &Error{
		Code: CodeRepoNotFound,
		What: fmt.Sprintf("repository %s not found", url),
	}
}

// ErrInvalidStatus reports an operation attempted in the wrong task status.
func ErrInvalidStatus(id, current, wanted string) *Error {
	return &Error{
		Code: CodeInvalidStatus,
		What: fmt.Sprintf("task %s is in status %q", id, current),
		Why:  fmt.Sprintf("The operation requires status %s", wanted),
	}
}

// ErrAgentRunning reports a second start attempt for an already-active agent.
func ErrAgentRunning(id string) *Error {
	return &Error{
		Code: CodeAgentRunning,
		What: fmt.Sprintf("agent already running for task %s", id),
		Fix:  "Cancel the active agent or wait for it to finish",
	}
}

// ErrCancelled reports a user-requested cancellation.
func ErrCancelled(id string) *Error {
	return &Error{
		Code: CodeCancelled,
		What: fmt.Sprintf("agent run for task %s was cancelled", id),
	}
}

// ErrTimeout reports an elapsed agent deadline.
func ErrTimeout(id string, elapsed string) *Error {
	return &Error{
		Code: CodeTimeout,
		What: fmt.Sprintf("agent run for task %s timed out", id),
		Why:  fmt.Sprintf("No completion after %s", elapsed),
		Fix:  "Extend the timeout while the agent is running, or resume the task",
	}
}

// ErrWorktreeBusy reports a worktree directory that could not be removed.
func ErrWorktreeBusy(path string) *Error {
	return &Error{
		Code: CodeWorktreeBusy,
		What: fmt.Sprintf("worktree directory %s could not be removed", path),
		Why:  "A process may hold open handles inside the directory, or a file lock is stuck",
		Fix:  "Close editors or terminals using the directory and retry",
	}
}

// ErrMergeConflict reports a failed target-branch integration.
func ErrMergeConflict(id string, files []string) *Error {
	return &Error{
		Code: CodeMergeConflict,
		What: fmt.Sprintf("merging the target branch into task %s produced conflicts", id),
		Why:  fmt.Sprintf("Conflicting files: %s", strings.Join(files, ", ")),
		Fix:  "Resolve the conflicts in the worktree, then retry the approval",
	}
}

// ErrForgeAuth reports a 401/403 from the forge.
func ErrForgeAuth(provider string) *Error {
	return &Error{
		Code: CodeForgeAuth,
		What: fmt.Sprintf("%s rejected the configured credentials", provider),
		Why:  "The token is missing, expired, or lacks the required scopes",
		Fix:  "Configure a valid token in settings and retry",
	}
}

// Wrap wraps a generic error with an UNKNOWN code.
func Wrap(err error, what string) *Error {
	return &Error{Code: Code("UNKNOWN"), What: what, Cause: err}
}
