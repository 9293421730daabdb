package pending

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps actions in process memory. Each action has its own
// mutex so resolving one never blocks another.
type MemoryStore struct {
	actions sync.Map // id -> *memoryEntry
	ttl     time.Duration
	clock   func() time.Time
}

type memoryEntry struct {
	mu     sync.Mutex
	action Action
}

// NewMemoryStore creates a store. ttl <= 0 means actions never expire.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Create(_ context.Context, na NewAction) (*Action, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	e := &memoryEntry{action: Action{
		ID:            id,
		ToolName:      na.ToolName,
		CallerKey:     na.CallerKey,
		Arguments:     append([]byte(nil), na.Arguments...),
		DedupToken:    na.DedupToken,
		CorrelationID: na.CorrelationID,
		Status:        StatusPending,
		CreatedAt:     s.clock().UTC(),
	}}
	s.actions.Store(id, e)
	return e.snapshot(), nil
}

func (s *MemoryStore) lookup(id string) (*memoryEntry, error) {
	v, ok := s.actions.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*memoryEntry), nil
}

// expireLocked rejects a pending action whose TTL elapsed. e.mu must be held.
func (s *MemoryStore) expireLocked(e *memoryEntry) bool {
	now := s.clock().UTC()
	if !isExpired(&e.action, now, s.ttl) {
		return false
	}
	e.action.Status = StatusRejected
	e.action.ResolvedAt = &now
	return true
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Action, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s.expireLocked(e)
	return e.snapshot(), nil
}

func (s *MemoryStore) Resolve(_ context.Context, id string, approve bool) (*Action, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.expireLocked(e) {
		return nil, ErrExpired
	}
	if e.action.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}

	now := s.clock().UTC()
	e.action.ResolvedAt = &now
	if approve {
		e.action.Status = StatusApproved
	} else {
		e.action.Status = StatusRejected
	}
	return e.snapshot(), nil
}

func (s *MemoryStore) MarkExecuted(_ context.Context, id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.action.Status != StatusApproved {
		return ErrInvalidTransition
	}
	now := s.clock().UTC()
	e.action.Status = StatusExecuted
	e.action.ExecutedAt = &now
	return nil
}

// snapshot returns a copy safe to hand out. e.mu must be held, except
// right after construction.
func (e *memoryEntry) snapshot() *Action {
	a := e.action
	a.Arguments = append([]byte(nil), e.action.Arguments...)
	if e.action.ResolvedAt != nil {
		t := *e.action.ResolvedAt
		a.ResolvedAt = &t
	}
	if e.action.ExecutedAt != nil {
		t := *e.action.ExecutedAt
		a.ExecutedAt = &t
	}
	return &a
}
