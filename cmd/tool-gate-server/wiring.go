package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gate/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/config"
	"github.com/triage-ai/palisade/services/tool_gate/internal/gate"
	"github.com/triage-ai/palisade/services/tool_gate/internal/idempotency"
	"github.com/triage-ai/palisade/services/tool_gate/internal/pending"
	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
	"github.com/triage-ai/palisade/services/tool_gate/internal/postgres"
	"github.com/triage-ai/palisade/services/tool_gate/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tools"
)

// app is the wired gate plus everything that must be released on exit.
type app struct {
	gate     *gate.Gate
	metrics  *prometheus.Registry
	auditLog *audit.Log
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires the gate from cfg. Optional backends (Postgres, Redis,
// ClickHouse, NATS) are used when configured and otherwise replaced by
// in-memory implementations.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// Postgres: durable idempotency, pending actions and per-caller keys.
	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err = postgres.RunMigrations(ctx, db); err != nil {
			return nil, err
		}
		logger.Info("postgres connected, migrations applied")
	} else {
		logger.Info("no POSTGRES_DSN set, using in-memory stores")
	}

	// Redis: shared rate limit counters and idempotency records.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	// Auth: Postgres keys if DSN provided, otherwise the shared credential.
	var authenticator auth.Authenticator
	if db != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.Auth.CacheTTL,
			Logger:   logger,
		})
		logger.Info("postgres authenticator enabled")
	} else {
		authenticator = auth.NewStaticAuthenticator(cfg.Auth.APIKey)
		logger.Info("using static authenticator (no POSTGRES_DSN)")
	}

	var limiter ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.Rate.Threshold, cfg.Rate.Window)
	} else {
		mem := ratelimit.NewMemoryLimiter(cfg.Rate.Threshold, cfg.Rate.Window)
		a.closers = append(a.closers, mem.StartSweeper(cfg.Rate.CleanupInterval))
		limiter = mem
	}

	var idemStore idempotency.Store
	switch {
	case db != nil:
		pg := idempotency.NewPostgresStore(db, cfg.Idempotency.TTL)
		if cfg.Idempotency.TTL > 0 {
			a.closers = append(a.closers, startPurge(pg, cfg.Rate.CleanupInterval, logger))
		}
		idemStore = pg
	case rdb != nil:
		idemStore = idempotency.NewRedisStore(rdb, cfg.Idempotency.TTL)
	default:
		mem := idempotency.NewMemoryStore(cfg.Idempotency.TTL)
		if cfg.Idempotency.TTL > 0 {
			a.closers = append(a.closers, mem.StartCleanup(cfg.Rate.CleanupInterval))
		}
		idemStore = mem
	}

	var pendingStore pending.Store
	if db != nil {
		pendingStore = pending.NewPostgresStore(db, cfg.Pending.TTL)
	} else {
		pendingStore = pending.NewMemoryStore(cfg.Pending.TTL)
	}

	// Audit: JSONL file is authoritative; ClickHouse is best-effort analytics.
	fileSink, err := audit.OpenFileSink(cfg.Audit.Path, cfg.Audit.MaxWriteFailures, func(err error) {
		logger.Fatal("audit log unwritable", zap.String("path", cfg.Audit.Path), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	sinks := []audit.Sink{fileSink}
	if cfg.ClickHouse.DSN != "" {
		ch, err := audit.NewClickHouseSink(cfg.ClickHouse.DSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log sink", zap.Error(err))
			sinks = append(sinks, audit.NewLogSink(logger))
		} else {
			sinks = append(sinks, ch)
			logger.Info("clickhouse audit sink connected")
		}
	}
	a.auditLog = audit.NewLog(audit.Options{RingSize: cfg.Audit.RingSize, Logger: logger}, sinks...)
	a.closers = append(a.closers, a.auditLog.Close)

	toolOpts := tools.Options{Subject: cfg.NATS.Subject, Logger: logger}
	if cfg.NATS.URL != "" {
		pub, err := tools.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		toolOpts.Publisher = pub
	}

	reg, err := registry.New(tools.Build(tools.NewCRM(), toolOpts)...)
	if err != nil {
		return nil, err
	}

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.gate = gate.New(gate.Options{
		Authenticator: authenticator,
		Limiter:       limiter,
		Policy:        policy.NewEngine(cfg.Policy.AllowedTools, reg),
		Registry:      reg,
		Idempotency:   idempotency.NewCache(idemStore, cfg.Idempotency.ReservationTimeout, logger),
		Pending:       pendingStore,
		Audit:         a.auditLog,
		Metrics:       gate.NewMetrics(a.metrics),
		Logger:        logger,
		ToolTimeout:   cfg.Tools.Timeout,
	})
	return a, nil
}

// startPurge deletes expired idempotency rows every interval.
func startPurge(store *idempotency.PostgresStore, interval time.Duration, logger *zap.Logger) func() {
	if interval <= 0 {
		interval = 5 * time.Minute
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
				n, err := store.DeleteExpired(ctx)
				if err != nil {
					logger.Warn("idempotency purge failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Debug("idempotency records purged", zap.Int64("count", n))
				}
			}
		}
	}()
	return cancel
}
