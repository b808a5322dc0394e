package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/lexisync/internal/config"
	"github.com/and161185/lexisync/internal/migrate"
	"github.com/and161185/lexisync/internal/repository/postgres"
	"github.com/and161185/lexisync/internal/scheduler"
	grpcserver "github.com/and161185/lexisync/internal/server/grpc"
	httpserver "github.com/and161185/lexisync/internal/server/http"
	"github.com/and161185/lexisync/internal/service"
)

const (
	shutdownGrace = 5 * time.Second
	limiterPrune  = 10 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run migrations and start the HTTP and gRPC servers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		log.Info("starting",
			zap.String("version", version),
			zap.String("buildDate", buildDate),
			zap.String("http", cfg.HTTP.Addr),
			zap.String("grpc", cfg.GRPC.Addr),
		)
		return serve(cmd.Context(), cfg, log)
	},
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	db, err := postgres.New(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	store := postgres.NewStore(db)
	batches := service.NewBatchProcessor(store, log, cfg.Sync.MaxBatch, time.Now)
	sessions := service.NewSessionCoordinator(store, batches, log, time.Now)
	conflicts := service.NewConflictService(store, log, time.Now)

	sweeper := scheduler.New(store, log, cfg.Sync.SweepInterval, cfg.Sync.SweepPage)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	key := []byte(cfg.Auth.JWTKey)
	tlsOn := cfg.TLS.Cert != ""

	gs, hs, err := newGRPCServer(cfg, sessions, conflicts, log)
	if err != nil {
		return err
	}

	// HTTP
	limiter := httpserver.NewRateLimiter(cfg.HTTP.RateRPS, cfg.HTTP.RateBurst)
	go limiter.Run(ctx, limiterPrune)
	api := httpserver.New(sessions, conflicts, log, httpserver.Options{
		JWTKey:      key,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Limiter:     limiter,
	})
	hsrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr), zap.Bool("tls", tlsOn))
		errCh <- gs.Serve(lis)
	}()
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTP.Addr), zap.Bool("tls", tlsOn))
		var err error
		if tlsOn {
			err = hsrv.ListenAndServeTLS(cfg.TLS.Cert, cfg.TLS.Key)
		} else {
			err = hsrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error("server error", zap.Error(runErr))
	}

	hs.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := hsrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		gs.Stop()
	}

	log.Info("shutdown complete")
	return runErr
}

// newGRPCServer builds the gRPC server with the sync and health services. The sync
// service descriptor is hand-written, so server reflection is not offered.
func newGRPCServer(cfg *config.Config, sync service.Syncer, conflicts service.ConflictResolver, log *zap.Logger) (*grpc.Server, *health.Server, error) {
	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(
		grpcserver.RecoverUnary(log),
		grpcserver.LoggingUnary(log),
	)}
	if cfg.TLS.Cert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	gs := grpc.NewServer(opts...)
	grpcserver.RegisterSyncServer(gs, grpcserver.New(sync, conflicts, []byte(cfg.Auth.JWTKey), log))
	hs := health.NewServer()
	hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs, nil
}
