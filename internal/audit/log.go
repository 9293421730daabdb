// Package audit records every gate decision as an append-only event stream.
package audit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures a Log.
type Options struct {
	RingSize int // Events kept in memory for Tail; 0 uses DefaultRingSize
	Logger   *zap.Logger
	Clock    func() time.Time
}

// DefaultRingSize is the in-memory tail capacity when none is configured.
const DefaultRingSize = 1000

// Log stamps events with a sequence number and fans them out to sinks.
// Append never fails the caller: sink errors go to the fallback logger.
type Log struct {
	mu     sync.Mutex
	seq    uint64
	ring   *ring
	sinks  []Sink
	logger *zap.Logger
	clock  func() time.Time
}

// NewLog creates a Log writing to the given sinks.
func NewLog(opts Options, sinks ...Sink) *Log {
	size := opts.RingSize
	if size <= 0 {
		size = DefaultRingSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	// Continue the sequence of any durable sink opened on existing data.
	var seq uint64
	for _, s := range sinks {
		if sq, ok := s.(interface{ LastSeq() uint64 }); ok && sq.LastSeq() > seq {
			seq = sq.LastSeq()
		}
	}
	return &Log{
		seq:    seq,
		ring:   newRing(size),
		sinks:  sinks,
		logger: logger,
		clock:  clock,
	}
}

// Append records an event and returns it with Seq and Timestamp set.
// One lock is held across the sink fan-out so that file order matches
// Seq order for every event, not only within a correlation id.
func (l *Log) Append(e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock().UTC()
	}

	l.ring.push(e)
	for _, s := range l.sinks {
		if err := s.Write(&e); err != nil {
			l.logger.Error("audit sink write failed",
				zap.Uint64("seq", e.Seq),
				zap.String("caller_key", e.CallerKey),
				zap.String("tool_name", e.ToolName),
				zap.String("decision", string(e.Decision)),
				zap.String("correlation_id", e.CorrelationID),
				zap.Any("detail", e.Detail),
				zap.Error(err),
			)
		}
	}
	return e
}

// Tail returns up to n of the most recent events, oldest first.
func (l *Log) Tail(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.tail(n)
}

// ByCorrelation returns the retained events for one correlation id in
// append order.
func (l *Log) ByCorrelation(correlationID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := l.ring.tail(l.ring.len())
	out := make([]Event, 0, 4)
	for _, e := range all {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out
}

// Close flushes and closes all sinks.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sinks {
		s.Close()
	}
}

// ring is a fixed-capacity buffer of the newest events.
type ring struct {
	buf   []Event
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) push(e Event) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

func (r *ring) tail(n int) []Event {
	if n <= 0 {
		return nil
	}
	if n > r.n {
		n = r.n
	}
	out := make([]Event, 0, n)
	for i := r.n - n; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
