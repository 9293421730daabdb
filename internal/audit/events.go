package audit

import "time"

// Decision is the outcome recorded for one gate step.
type Decision string

const (
	DecisionAllowed              Decision = "allowed"
	DecisionDenied               Decision = "denied"
	DecisionRateLimited          Decision = "rate_limited"
	DecisionRequiresConfirmation Decision = "requires_confirmation"
	DecisionReplayed             Decision = "replayed"
	DecisionConfirmed            Decision = "confirmed"
	DecisionRejected             Decision = "rejected"
	DecisionExecuted             Decision = "executed"
	DecisionError                Decision = "error"
)

// Event is a single audit record. Events are append-only; Seq is assigned
// by the Log and is the authoritative order.
type Event struct {
	Seq           uint64         `json:"seq"`
	Timestamp     time.Time      `json:"ts"`
	CallerKey     string         `json:"caller_key"`
	ToolName      string         `json:"tool"`
	Decision      Decision       `json:"decision"`
	CorrelationID string         `json:"correlation_id"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Sink receives stamped events from the Log.
// Write must not block the caller for longer than a single local write.
type Sink interface {
	Write(event *Event) error
	Close()
}
