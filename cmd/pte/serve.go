package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/pte-agent/internal/api"
	"github.com/ashureev/pte-agent/internal/config"
	"github.com/ashureev/pte-agent/internal/grpcserver"
	"github.com/ashureev/pte-agent/internal/identity"
	"github.com/ashureev/pte-agent/internal/middleware"
	"github.com/ashureev/pte-agent/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/SSE, websocket and gRPC health servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func newRouter(cfg *config.Config, h *api.Handler, health *api.HealthHandler) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	health.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		h.RegisterRoutes(r)
	})
	return r
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	st, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("Failed to close store", "error", closeErr)
		}
	}()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	rt, err := buildRuntime(cfg, st, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	handler := api.NewHandler(rt.service, api.Config{
		RateLimitRequests:  cfg.RateLimit.RequestsPerWindow,
		RateLimitWindow:    cfg.RateLimit.WindowDuration,
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		AllowedOrigin:      cfg.FrontendURL,
		IsDev:              cfg.IsDevelopment(),
	}, logger)
	defer handler.Close()
	health := api.NewHealthHandler(rt.checks, 5*time.Second)

	// SSE and websocket turns are long-lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, handler, health),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartTTLWorker(ctx, st, cfg.SessionTTL, 0, handler.Connections().CloseSession)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return grpcserver.New(health, grpcserver.Config{}, logger).Serve(gctx, grpcLis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		// Hijacked websocket connections are not tracked by Shutdown.
		handler.Connections().CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}
