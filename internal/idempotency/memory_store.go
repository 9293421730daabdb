package idempotency

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const shardCount = 32

// MemoryStore holds records in process memory, sharded by key so that
// unrelated callers do not contend on one lock.
type MemoryStore struct {
	shards [shardCount]memoryShard
	seed   maphash.Seed
	ttl    time.Duration
	clock  func() time.Time
}

type memoryShard struct {
	mu      sync.RWMutex
	records map[Key]Record
}

// NewMemoryStore creates an in-memory store. ttl <= 0 keeps records forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		seed:  maphash.MakeSeed(),
		ttl:   ttl,
		clock: time.Now,
	}
	for i := range s.shards {
		s.shards[i].records = make(map[Key]Record)
	}
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) shard(key Key) *memoryShard {
	return &s.shards[maphash.String(s.seed, key.String())%shardCount]
}

func (s *MemoryStore) Get(_ context.Context, key Key) (*Record, error) {
	sh := s.shard(key)
	sh.mu.RLock()
	rec, ok := sh.records[key]
	sh.mu.RUnlock()

	if !ok || expired(rec.CreatedAt, s.clock(), s.ttl) {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, rec Record) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}

	sh := s.shard(rec.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.records[rec.Key]; ok && !expired(existing.CreatedAt, s.clock(), s.ttl) {
		return false, nil
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	sh.records[rec.Key] = rec
	return true, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.RLock()
		n += len(s.shards[i].records)
		s.shards[i].mu.RUnlock()
	}
	return n
}

// StartCleanup spawns a goroutine that evicts expired records every
// interval. Returns a function that stops it. A no-op when ttl is unbounded.
func (s *MemoryStore) StartCleanup(interval time.Duration) func() {
	if s.ttl <= 0 || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.evictExpired()
			}
		}
	}()
	return cancel
}

func (s *MemoryStore) evictExpired() {
	now := s.clock()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, rec := range sh.records {
			if expired(rec.CreatedAt, now, s.ttl) {
				delete(sh.records, k)
			}
		}
		sh.mu.Unlock()
	}
}
