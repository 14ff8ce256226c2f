// Package errors provides structured error types for autoloop.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for autoloop.
const (
	// Feature errors
	CodeFeatureNotFound Code = "FEATURE_NOT_FOUND"
	CodeFeatureRunning  Code = "FEATURE_RUNNING"

	// Lease errors
	CodeWorktreeBusy Code = "WORKTREE_BUSY"

	// Execution errors
	CodeStopped       Code = "EXECUTION_STOPPED"
	CodeAgentFailed   Code = "AGENT_FAILED"
	CodeTestsFailed   Code = "TESTS_FAILED"
	CodeMergeFailed   Code = "MERGE_FAILED"
	CodeMergeConflict Code = "MERGE_CONFLICT"

	// Approval errors
	CodeNoPendingApproval Code = "NO_PENDING_APPROVAL"
	CodeApprovalTimeout   Code = "APPROVAL_TIMEOUT"
	CodeApprovalCancelled Code = "APPROVAL_CANCELLED"

	// Config/logic errors
	CodePipelineConfigMissing Code = "PIPELINE_CONFIG_MISSING"
	CodeInvalidStepIndex      Code = "INVALID_STEP_INDEX"
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
)

var codeCategories = map[Code]Category{
	CodeFeatureNotFound:       CategoryNotFound,
	CodeFeatureRunning:        CategoryConflict,
	CodeWorktreeBusy:          CategoryConflict,
	CodeStopped:               CategoryBadRequest,
	CodeAgentFailed:           CategoryInternal,
	CodeTestsFailed:           CategoryInternal,
	CodeMergeFailed:           CategoryInternal,
	CodeMergeConflict:         CategoryConflict,
	CodeNoPendingApproval:     CategoryNotFound,
	CodeApprovalTimeout:       CategoryTimeout,
	CodeApprovalCancelled:     CategoryBadRequest,
	CodePipelineConfigMissing: CategoryInternal,
	CodeInvalidStepIndex:      CategoryInternal,
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
	default:
		return 500
	}
}

// Error is the structured error type for autoloop.
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
	return &Error{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrFeatureNotFound returns an error when a feature doesn't exist.
func ErrFeatureNotFound(id string) *Error {
	return &Error{
		Code: CodeFeatureNotFound,
		What: fmt.Sprintf("feature %s not found", id),
		Why:  "No feature with this ID exists in the project",
		Fix:  "Run 'autoloop status' to list features",
	}
}

// ErrFeatureRunning returns an error when a feature is already running.
func ErrFeatureRunning(id string) *Error {
	return &Error{
		Code: CodeFeatureRunning,
		What: fmt.Sprintf("feature %s is already running", id),
		Why:  "A lease for this feature is already held",
		Fix:  fmt.Sprintf("Use 'autoloop stop %s' to stop it, or wait for completion", id),
	}
}

// ErrWorktreeBusy returns an error when the per-worktree concurrency cap is reached.
func ErrWorktreeBusy(worktreePath string, limit int) *Error {
	return &Error{
		Code: CodeWorktreeBusy,
		What: fmt.Sprintf("worktree %s is at its concurrency limit (%d)", worktreePath, limit),
		Why:  "Too many features are running in this worktree",
		Fix:  "Wait for a running feature to finish, or raise max_concurrency",
	}
}

// ErrStopped returns an error for a user-initiated stop.
func ErrStopped(id string) *Error {
	return &Error{
		Code: CodeStopped,
		What: fmt.Sprintf("feature %s execution stopped", id),
		Why:  "Execution was cancelled",
	}
}

// ErrNoPendingApproval returns an error when no approval is waiting.
func ErrNoPendingApproval(id string) *Error {
	return &Error{
		Code: CodeNoPendingApproval,
		What: fmt.Sprintf("no pending approval for feature %s", id),
		Why:  "The feature has neither an in-memory pending approval nor a generated plan on disk",
	}
}

// ErrPipelineConfigMissing returns an error when the pipeline config cannot be loaded.
func ErrPipelineConfigMissing(projectPath string) *Error {
	return &Error{
		Code: CodePipelineConfigMissing,
		What: "pipeline configuration is missing",
		Why:  fmt.Sprintf("No pipeline config could be loaded for %s", projectPath),
		Fix:  "Check .autoloop/config.yaml pipeline settings",
	}
}

// ErrInvalidStepIndex returns an error for an out-of-range pipeline step index.
func ErrInvalidStepIndex(index, total int) *Error {
	return &Error{
		Code: CodeInvalidStepIndex,
		What: fmt.Sprintf("invalid pipeline step index %d (have %d steps)", index, total),
		Why:  "The resume target is outside the configured pipeline",
	}
}

// IsStopped reports whether err represents cooperative cancellation, either a
// structured stop error or a context cancellation propagated from a lease token.
func IsStopped(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.Code == CodeStopped {
		return true
	}
	return errors.Is(err, context.Canceled)
}
