// Command credstore serves the credential store: the admin API under
// /admin, API key verification at /v1/auth/verify, /health and /metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferro-labs/credstore/internal/admin"
	"github.com/ferro-labs/credstore/internal/audit"
	"github.com/ferro-labs/credstore/internal/config"
	"github.com/ferro-labs/credstore/internal/keys"
	"github.com/ferro-labs/credstore/internal/logging"
	"github.com/ferro-labs/credstore/internal/ratelimit"
	"github.com/ferro-labs/credstore/internal/storage"
	"github.com/ferro-labs/credstore/internal/version"
)

func main() {
	if err := run(); err != nil {
		logging.Logger.Error("credstore exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Resolve(os.Getenv("CREDSTORE_CONFIG"), os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	auditLog, err := audit.Open(cfg.Audit)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	store := keys.NewStore(backend,
		keys.WithAuditWriter(auditLog),
		keys.WithLogger(logger),
		keys.WithTimeout(cfg.Storage.Timeout.Duration()),
	)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close key store", "error", err)
		}
	}()

	if cfg.Admin.Token == "" {
		logger.Warn("admin API disabled: set CREDSTORE_ADMIN_TOKEN to enable it")
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(store, auditLog, cfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("credstore listening",
		"addr", addr,
		"version", version.Short(),
		"backend", string(store.Backend().Kind()),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// newRouter builds the HTTP router.
func newRouter(store *keys.Store, auditLog audit.Log, cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(ratelimit.PeerAddr)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSOrigins...))
	r.Use(admin.MetricsMiddleware)

	r.Get("/health", admin.HealthHandler(store.Backend()))
	r.Handle("/metrics", promhttp.Handler())

	verifyLimit := ratelimit.NewStore(cfg.Server.VerifyLimit.RequestsPerSecond, cfg.Server.VerifyLimit.Burst)
	r.With(ratelimit.Middleware(verifyLimit), admin.AuthMiddleware(store)).Get("/v1/auth/verify", admin.VerifyHandler)

	adminHandlers := &admin.Handlers{Keys: store, Audit: auditLog}
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.AdminTokenMiddleware(cfg.Admin.Token))
		r.Mount("/", adminHandlers.Routes())
	})

	return r
}

// requestLogger logs one line per request with the trace ID attached.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		level := slog.LevelInfo
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logging.FromContext(r.Context()).Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}
