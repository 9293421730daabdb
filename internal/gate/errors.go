package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/pending"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrRateLimited      = errors.New("rate limited")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrToolExecution    = errors.New("tool execution failed")
	ErrToolTimeout      = errors.New("tool timed out")

	// Pending-action errors are shared with the store so errors.Is works
	// on either side.
	ErrNotFound        = pending.ErrNotFound
	ErrAlreadyResolved = pending.ErrAlreadyResolved
	ErrExpired         = pending.ErrExpired
)

// RateLimitedError carries the retry hint for a rejected call.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// ToolError is a failure reported by the tool itself. Its message is the
// tool's own, unmodified.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string { return e.Err.Error() }

func (e *ToolError) Unwrap() []error { return []error{ErrToolExecution, e.Err} }
