package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/palisade/services/tool_gate/internal/api"
	"github.com/triage-ai/palisade/services/tool_gate/internal/config"
	"github.com/triage-ai/palisade/services/tool_gate/internal/mcpserver"
	"github.com/triage-ai/palisade/services/tool_gate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, MCP and gRPC listeners",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := mustBuildLogger(cfg.Logging.Level)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting tool gate server",
		zap.String("http_port", cfg.Server.HTTPPort),
		zap.String("grpc_port", cfg.Server.GRPCPort),
		zap.Strings("allowed_tools", cfg.Policy.AllowedTools),
		zap.Int("rate_threshold", cfg.Rate.Threshold),
		zap.Duration("rate_window", cfg.Rate.Window),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	mcp, err := mcpserver.New(mcpserver.Config{Name: "tool-gate", Version: version}, a.gate, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr: ":" + cfg.Server.HTTPPort,
		Handler: api.NewRouter(api.Options{
			Gate:    a.gate,
			Logger:  logger,
			Version: version,
			Metrics: a.metrics,
			MCP:     mcp.Handler(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	server.RegisterToolGateService(grpcServer, server.NewToolGateServer(a.gate, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err = <-errCh:
		logger.Error("listener failed, shutting down", zap.Error(err))
	}

	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	grpcServer.GracefulStop()

	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
