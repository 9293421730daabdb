package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultReservationTimeout bounds how long a single execution may hold a
// key before waiters give up on it.
const DefaultReservationTimeout = 30 * time.Second

// ErrReservationTimeout is returned when an execution holds its key past
// the reservation timeout. The key is released and nothing is stored.
var ErrReservationTimeout = errors.New("idempotency reservation timed out")

// Result is the outcome of Cache.Do.
type Result struct {
	Payload []byte
	// Replayed is true when this caller did not run fn and received a
	// payload produced by another execution.
	Replayed bool
}

// Cache wraps a Store with in-process execution collapsing: concurrent
// calls for the same key share exactly one execution.
type Cache struct {
	store   Store
	group   singleflight.Group
	timeout time.Duration
	logger  *zap.Logger
}

// NewCache creates a cache over store.
func NewCache(store Store, reservationTimeout time.Duration, logger *zap.Logger) *Cache {
	if reservationTimeout <= 0 {
		reservationTimeout = DefaultReservationTimeout
	}
	return &Cache{store: store, timeout: reservationTimeout, logger: logger}
}

// Get returns the stored payload for key.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("Cache.Get: %w", err)
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec.Payload, true, nil
}

// Put stores payload under key. An existing record is left untouched.
func (c *Cache) Put(ctx context.Context, key Key, payload []byte) error {
	if _, err := c.store.PutIfAbsent(ctx, Record{Key: key, Payload: payload}); err != nil {
		return fmt.Errorf("Cache.Put: %w", err)
	}
	return nil
}

type flightResult struct {
	payload []byte
}

// Do returns the stored payload for key or runs fn to produce it. While one
// execution for key is in flight, other callers wait for it instead of
// running fn themselves. A failed execution stores nothing, so the next
// call retries.
//
// fn runs detached from the first caller's cancellation. If it has not
// returned when the reservation timeout fires, the flight ends with
// ErrReservationTimeout whether or not fn honours its context.
func (c *Cache) Do(ctx context.Context, key Key, fn func(ctx context.Context) ([]byte, error)) (Result, error) {
	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("Cache.Do: lookup: %w", err)
	}
	if rec != nil {
		return Result{Payload: rec.Payload, Replayed: true}, nil
	}

	var ran atomic.Bool
	ch := c.group.DoChan(key.String(), func() (any, error) {
		execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		// A previous flight may have finished between our lookup and now.
		if rec, err := c.store.Get(execCtx, key); err == nil && rec != nil {
			return flightResult{payload: rec.Payload}, nil
		}

		ran.Store(true)
		payload, err := c.run(execCtx, fn)
		if err != nil {
			return nil, err
		}

		stored, err := c.store.PutIfAbsent(execCtx, Record{Key: key, Payload: payload})
		if err != nil {
			c.logger.Error("failed to store idempotency record",
				zap.String("tool", key.Tool),
				zap.String("caller_key", key.Caller),
				zap.Error(err),
			)
			return flightResult{payload: payload}, nil
		}
		if !stored {
			// Another replica won the write. Converge on its payload.
			c.logger.Warn("idempotency record written concurrently by another writer",
				zap.String("tool", key.Tool),
				zap.String("caller_key", key.Caller),
			)
			if rec, err := c.store.Get(execCtx, key); err == nil && rec != nil {
				return flightResult{payload: rec.Payload}, nil
			}
		}
		return flightResult{payload: payload}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		fr := res.Val.(flightResult)
		return Result{Payload: fr.payload, Replayed: !ran.Load()}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// run calls fn and gives up on it once ctx is done.
func (c *Cache) run(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	type outcome struct {
		payload []byte
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("Cache.run: panic: %v", r)}
			}
		}()
		payload, err := fn(ctx)
		ch <- outcome{payload: payload, err: err}
	}()

	select {
	case o := <-ch:
		return o.payload, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrReservationTimeout, ctx.Err())
	}
}
