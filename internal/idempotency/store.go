// Package idempotency deduplicates repeated tool calls that carry the same
// (tool, caller, dedup token) key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Key identifies one deduplicated call. Callers never share a namespace.
type Key struct {
	Tool   string
	Caller string
	Token  string
}

// String returns an unambiguous in-process representation of the key.
func (k Key) String() string {
	return k.Tool + "\x00" + k.Caller + "\x00" + k.Token
}

// Hash returns a fixed-width digest of the key, used where key material
// must not be stored verbatim (e.g. shared Redis keyspace).
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// Record is a stored result. Records are never mutated once written.
type Record struct {
	Key       Key       `json:"-"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists idempotency records.
type Store interface {
	// Get returns the live record for key, or nil if none exists or it
	// has expired.
	Get(ctx context.Context, key Key) (*Record, error)

	// PutIfAbsent stores rec unless a live record already exists for its
	// key. Reports whether rec was stored (first writer wins).
	PutIfAbsent(ctx context.Context, rec Record) (bool, error)
}

func expired(createdAt, now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(createdAt) >= ttl
}
