// Package pending tracks tool calls that are waiting on a human approval.
//
// Every action moves through a fixed state machine:
//
//	pending --approve--> approved --execute--> executed
//	pending --reject---> rejected
//
// Resolution happens exactly once. Stores enforce that with a per-action
// compare-and-swap on the status.
package pending

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status of a pending action.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
)

var (
	ErrNotFound        = errors.New("pending action not found")
	ErrAlreadyResolved = errors.New("pending action already resolved")
	ErrExpired         = errors.New("pending action expired")
	// ErrInvalidTransition means a caller broke the state machine contract.
	ErrInvalidTransition = errors.New("invalid pending action transition")
)

// Action is one approval request.
type Action struct {
	ID            string          `json:"id"`
	ToolName      string          `json:"tool_name"`
	CallerKey     string          `json:"caller_key"`
	Arguments     json.RawMessage `json:"arguments"`
	DedupToken    string          `json:"dedup_token,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
}

// NewAction carries the fields a caller supplies on creation.
type NewAction struct {
	ToolName      string
	CallerKey     string
	Arguments     json.RawMessage
	DedupToken    string
	CorrelationID string
}

// Store owns pending actions. The gate only reads and mutates them here.
type Store interface {
	Create(ctx context.Context, a NewAction) (*Action, error)
	Get(ctx context.Context, id string) (*Action, error)
	// Resolve moves a pending action to approved or rejected.
	Resolve(ctx context.Context, id string, approve bool) (*Action, error)
	// MarkExecuted is only valid from approved.
	MarkExecuted(ctx context.Context, id string) error
}

// NewID returns "pa_" followed by 128 random bits in hex.
func NewID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("NewID: %w", err)
	}
	return "pa_" + hex.EncodeToString(b[:]), nil
}

func isExpired(a *Action, now time.Time, ttl time.Duration) bool {
	return ttl > 0 && a.Status == StatusPending && now.Sub(a.CreatedAt) >= ttl
}
