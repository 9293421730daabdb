package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseSink ships audit events to ClickHouse for analytics.
// Write is non-blocking: events are buffered and batch-inserted in a
// background goroutine. The JSONL file remains the record of truth.
type ClickHouseSink struct {
	conn    driver.Conn
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseSink connects to ClickHouse and starts the flush loop.
func NewClickHouseSink(dsn string, logger *zap.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	return newClickHouseSink(conn, logger), nil
}

func newClickHouseSink(conn driver.Conn, logger *zap.Logger) *ClickHouseSink {
	s := &ClickHouseSink{
		conn:    conn,
		buffer:  make(chan *Event, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go s.flushLoop()
	return s
}

// Write queues a copy of the event. Drops it if the buffer is full.
func (s *ClickHouseSink) Write(event *Event) error {
	e := *event
	select {
	case s.buffer <- &e:
	default:
		s.logger.Warn("clickhouse buffer full, dropping audit event",
			zap.Uint64("seq", e.Seq),
			zap.String("correlation_id", e.CorrelationID),
		)
	}
	return nil
}

// Close signals the flush loop to drain remaining events.
func (s *ClickHouseSink) Close() {
	close(s.done)
	<-s.flushed
}

func (s *ClickHouseSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, flushBatch)

	for {
		select {
		case event := <-s.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-s.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *ClickHouseSink) flush(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO tool_gate_audit_events (
			seq, timestamp, caller_key, tool_name,
			decision, correlation_id, detail
		)
	`)
	if err != nil {
		s.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		detail := "{}"
		if len(e.Detail) > 0 {
			if b, err := json.Marshal(e.Detail); err == nil {
				detail = string(b)
			}
		}

		if err := batch.Append(
			e.Seq,
			e.Timestamp,
			e.CallerKey,
			e.ToolName,
			string(e.Decision),
			e.CorrelationID,
			detail,
		); err != nil {
			s.logger.Error("clickhouse append audit event failed",
				zap.Uint64("seq", e.Seq),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		s.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogSink writes events to the structured logger. Used when no file or
// ClickHouse sink is wanted, e.g. local development.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink that outputs events to the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(event *Event) error {
	s.logger.Info("tool_gate_audit_event",
		zap.Uint64("seq", event.Seq),
		zap.String("caller_key", event.CallerKey),
		zap.String("tool_name", event.ToolName),
		zap.String("decision", string(event.Decision)),
		zap.String("correlation_id", event.CorrelationID),
		zap.Any("detail", event.Detail),
	)
	return nil
}

func (s *LogSink) Close() {}
