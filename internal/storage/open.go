package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ferro-labs/credstore/internal/circuitbreaker"
	"github.com/ferro-labs/credstore/internal/config"
	"github.com/ferro-labs/credstore/internal/metrics"
)

// Open builds the backend selected by cfg. The choice depends only on cfg,
// which is resolved once at startup. Networked backends (redis, postgres)
// are placed behind a circuit breaker when cfg.Breaker.Enabled is set; every
// backend is instrumented.
func Open(ctx context.Context, cfg config.Storage, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var (
		b   Backend
		err error
	)
	kind := cfg.ResolvedBackend()
	switch kind {
	case config.BackendFile:
		b = NewFileBackend(cfg.File.Path, logger)
	case config.BackendRedis:
		b = NewRedisBackend(cfg.Redis, timeout, logger)
	case config.BackendSQLite:
		b, err = NewSQLiteBackend(ctx, cfg.SQL, timeout, logger)
	case config.BackendPostgres:
		b, err = NewPostgresBackend(ctx, cfg.SQL, timeout, logger)
	case config.BackendBadger:
		b, err = NewBadgerBackend(cfg.Badger, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	var cb *circuitbreaker.CircuitBreaker
	if cfg.Breaker.Enabled && (kind == config.BackendRedis || kind == config.BackendPostgres) {
		cb = newBreaker(kind, cfg.Breaker, logger)
	}
	logger.Info("storage backend selected", "backend", kind, "cloud", cfg.Cloud, "circuit_breaker", cb != nil)
	return Instrument(b, cb), nil
}

func newBreaker(backend string, cfg config.CircuitBreaker, logger *slog.Logger) *circuitbreaker.CircuitBreaker {
	gauge := metrics.CircuitBreakerState.WithLabelValues(backend)
	gauge.Set(float64(circuitbreaker.StateClosed))
	return circuitbreaker.New(
		cfg.FailureThreshold,
		cfg.SuccessThreshold,
		cfg.Timeout.Duration(),
		circuitbreaker.WithStateListener(func(from, to circuitbreaker.State) {
			gauge.Set(float64(to))
			logger.Warn("storage circuit breaker state changed", "backend", backend, "from", from.String(), "to", to.String())
		}),
	)
}
