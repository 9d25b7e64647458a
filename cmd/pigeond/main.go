package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/api"
	"github.com/rkastur/pigeon/internal/config"
	"github.com/rkastur/pigeon/internal/dedupe"
	"github.com/rkastur/pigeon/internal/metrics"
	"github.com/rkastur/pigeon/internal/notify/factory"
	"github.com/rkastur/pigeon/internal/observ"
	"github.com/rkastur/pigeon/internal/report"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pigeon delivery service",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Strings("channels", cfg.EnabledChannels),
	)

	ctx := context.Background()

	// Initialize channel adapters
	factoryCfg, err := cfg.FactoryConfig()
	if err != nil {
		return fmt.Errorf("invalid channel configuration: %w", err)
	}

	f := factory.New(factoryCfg, factory.DefaultBuilders(), logger)
	defer f.Dispose()

	if err := f.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize channels: %w", err)
	}

	// Optional send deduplication via Redis
	var guard *dedupe.Guard
	if dedupeCfg := cfg.DedupeConfig(); dedupeCfg.Enabled() {
		guard, err = dedupe.New(ctx, dedupeCfg, logger)
		if err != nil {
			logger.Warn("dedupe guard unavailable, duplicate sends will not be suppressed", zap.Error(err))
			guard = nil
		} else {
			defer guard.Close()
		}
	}

	// Optional delivery report queue
	var reporter *report.Producer
	if reportCfg := cfg.ReportConfig(); reportCfg.Enabled() {
		reporter, err = report.NewProducer(ctx, reportCfg, logger)
		if err != nil {
			logger.Warn("delivery report producer unavailable", zap.Error(err))
			reporter = nil
		}
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, f, guard, reporter)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/send", handler.Send)
		r.Post("/send/bulk", handler.SendBulk)
		r.Get("/status/{channel}/{id}", handler.Status)
		r.Post("/cancel/{channel}/{id}", handler.Cancel)
		r.Get("/channels", handler.Channels)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
