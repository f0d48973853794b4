package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ferro-labs/credstore/internal/circuitbreaker"
	"github.com/ferro-labs/credstore/internal/metrics"
	"github.com/ferro-labs/credstore/internal/model"
)

// Pinger is implemented by backends that can check connectivity without
// reading the collection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks that b is reachable, falling back to a Load for backends
// without a cheaper probe.
func Ping(ctx context.Context, b Backend) error {
	if p, ok := b.(Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := b.Load(ctx)
	return err
}

// instrumented records metrics for every call and, when a breaker is set,
// fails fast while it is open. Only unavailability counts as a breaker
// failure: corrupt data and lost races mean the backend answered.
type instrumented struct {
	inner Backend
	cb    *circuitbreaker.CircuitBreaker
}

// Instrument wraps b with metrics and an optional circuit breaker.
func Instrument(b Backend, cb *circuitbreaker.CircuitBreaker) Backend {
	return &instrumented{inner: b, cb: cb}
}

// Unwrap returns the wrapped backend.
func (i *instrumented) Unwrap() Backend { return i.inner }

func (i *instrumented) Kind() Kind { return i.inner.Kind() }

func (i *instrumented) Load(ctx context.Context) (model.Collection, error) {
	var c model.Collection
	err := i.call("load", func() error {
		var err error
		c, err = i.inner.Load(ctx)
		return err
	})
	return c, err
}

func (i *instrumented) Save(ctx context.Context, c model.Collection) error {
	return i.call("save", func() error { return i.inner.Save(ctx, c) })
}

func (i *instrumented) Update(ctx context.Context, fn MutateFunc) error {
	return i.call("update", func() error { return Update(ctx, i.inner, fn) })
}

func (i *instrumented) Ping(ctx context.Context) error {
	return i.call("ping", func() error { return Ping(ctx, i.inner) })
}

func (i *instrumented) Close() error { return i.inner.Close() }

func (i *instrumented) call(op string, fn func() error) error {
	backend := string(i.inner.Kind())
	start := time.Now()

	var err error
	if i.cb != nil {
		err = i.cb.Execute(fn, isBreakerFailure)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			metrics.BackendErrors.WithLabelValues(backend, "circuit_open").Inc()
			return unavailable(i.inner.Kind(), op, err)
		}
	} else {
		err = fn()
	}

	metrics.BackendDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := KindOf(err)
		if IsTimeout(err) {
			kind = "timeout"
		}
		if kind != "other" {
			metrics.BackendErrors.WithLabelValues(backend, kind).Inc()
		}
	}
	return err
}

func isBreakerFailure(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
