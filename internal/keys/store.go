// Package keys implements the credential store: it issues API key secrets,
// validates them, and manages their lifecycle on top of a storage.Backend.
//
// Every operation reloads the collection from the backend, so several
// processes sharing one backend see each other's writes. Mutations (create,
// validate, revoke, reactivate, delete) are applied one at a time by a single
// writer goroutine; list and get read the backend directly.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ferro-labs/credstore/internal/audit"
	"github.com/ferro-labs/credstore/internal/logging"
	"github.com/ferro-labs/credstore/internal/metrics"
	"github.com/ferro-labs/credstore/internal/model"
	"github.com/ferro-labs/credstore/internal/storage"
)

var (
	// ErrInvalidKey is returned by Authenticate when the secret matches no
	// active key.
	ErrInvalidKey = errors.New("invalid or inactive api key")
	// ErrClosed is returned for operations submitted after Close.
	ErrClosed = errors.New("key store closed")
	// ErrNameRequired is returned by Create for a blank name.
	ErrNameRequired = errors.New("key name is required")
	// ErrSecretCollision is returned when no unused secret could be drawn.
	ErrSecretCollision = errors.New("could not generate a unique secret")
)

// maxSecretAttempts bounds how many secrets Create draws before giving up.
const maxSecretAttempts = 3

// Option configures a Store.
type Option func(*Store)

// WithAuditWriter records lifecycle events to w.
func WithAuditWriter(w audit.Writer) Option {
	return func(s *Store) {
		if w != nil {
			s.audit = w
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTimeout bounds each operation, backend round trips included.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// withSecretSource replaces GenerateSecret; used by tests.
func withSecretSource(fn func() (string, error)) Option {
	return func(s *Store) { s.newSecret = fn }
}

// Store is the credential store. Create one with NewStore and release it
// with Close.
type Store struct {
	backend   storage.Backend
	audit     audit.Writer
	logger    *slog.Logger
	now       func() time.Time
	timeout   time.Duration
	newSecret func() (string, error)
	newID     func() (string, error)

	requests  chan *writeRequest
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type writeRequest struct {
	ctx    context.Context
	fn     storage.MutateFunc
	result chan error
}

// NewStore starts the writer goroutine for backend.
func NewStore(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		audit:     audit.NoopWriter{},
		logger:    slog.Default(),
		now:       time.Now,
		timeout:   storage.DefaultTimeout,
		newSecret: GenerateSecret,
		newID:     NewID,
		requests:  make(chan *writeRequest),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.writer()
	return s
}

// Backend returns the storage backend in use.
func (s *Store) Backend() storage.Backend { return s.backend }

func (s *Store) writer() {
	defer close(s.stopped)
	for {
		select {
		case req := <-s.requests:
			metrics.WriterQueueDepth.Dec()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(req.ctx), s.timeout)
			req.result <- storage.Update(ctx, s.backend, req.fn)
			cancel()
		case <-s.done:
			return
		}
	}
}

// mutate hands fn to the writer and waits for the outcome. Once accepted, a
// request runs to completion under the store timeout even if ctx is
// cancelled; ctx only bounds the wait for the writer.
func (s *Store) mutate(ctx context.Context, fn storage.MutateFunc) error {
	req := &writeRequest{ctx: ctx, fn: fn, result: make(chan error, 1)}
	metrics.WriterQueueDepth.Inc()
	select {
	case s.requests <- req:
	case <-s.done:
		metrics.WriterQueueDepth.Dec()
		return ErrClosed
	case <-ctx.Done():
		metrics.WriterQueueDepth.Dec()
		return fmt.Errorf("waiting for key store writer: %w", ctx.Err())
	}
	return <-req.result
}

func (s *Store) load(ctx context.Context) (model.Collection, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.backend.Load(ctx)
}

// Create issues a new active key and returns it with its full secret.
func (s *Store) Create(ctx context.Context, name, description string) (*model.APIKey, error) {
	if strings.TrimSpace(name) == "" {
		observe("create", ErrNameRequired)
		return nil, ErrNameRequired
	}

	var created model.APIKey
	err := s.mutate(ctx, func(c model.Collection) (model.Collection, error) {
		key, err := s.newKey(c, name, description)
		if err != nil {
			return nil, err
		}
		created = key
		return append(c, key), nil
	})
	observe("create", err)
	if err != nil {
		return nil, fmt.Errorf("create key: %w", err)
	}

	s.log(ctx).Info("api key created", "id", created.ID, "name", created.Name, logging.Secret(created.Secret))
	s.record(ctx, audit.ActionCreate, created)
	out := created.Clone()
	return &out, nil
}

// newKey draws an id and secret unused in c.
func (s *Store) newKey(c model.Collection, name, description string) (model.APIKey, error) {
	for attempt := 0; attempt < maxSecretAttempts; attempt++ {
		secret, err := s.newSecret()
		if err != nil {
			return model.APIKey{}, err
		}
		id, err := s.newID()
		if err != nil {
			return model.APIKey{}, err
		}
		if c.IndexBySecret(secret) >= 0 || c.IndexByID(id) >= 0 {
			continue
		}
		return model.APIKey{
			ID:          id,
			Secret:      secret,
			Name:        name,
			Description: description,
			CreatedAt:   s.now().UTC(),
			Active:      true,
		}, nil
	}
	return model.APIKey{}, ErrSecretCollision
}

// Validate reports whether secret belongs to an active key, recording the
// use when it does. It fails closed: any storage error yields false.
func (s *Store) Validate(ctx context.Context, secret string) bool {
	_, err := s.Authenticate(ctx, secret)
	if err != nil && !errors.Is(err, ErrInvalidKey) {
		s.log(ctx).Error("api key validation failed closed", "error", err)
	}
	return err == nil
}

// Authenticate is Validate returning the matched key. It returns
// ErrInvalidKey when secret matches no active key, and the storage error
// when the check could not be made.
func (s *Store) Authenticate(ctx context.Context, secret string) (*model.APIKey, error) {
	if secret == "" {
		metrics.ValidationsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidKey
	}

	var (
		matched model.APIKey
		result  string
	)
	err := s.mutate(ctx, func(c model.Collection) (model.Collection, error) {
		idx := -1
		for i := range c {
			if secretsEqual(c[i].Secret, secret) {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			result = "invalid"
			return nil, storage.ErrNoChange
		case !c[idx].Active:
			result = "inactive"
			return nil, storage.ErrNoChange
		}

		now := s.now().UTC()
		if prev := c[idx].LastUsedAt; prev != nil && prev.After(now) {
			now = *prev
		}
		c[idx].LastUsedAt = &now
		c[idx].UsageCount++
		matched = c[idx].Clone()
		result = "valid"
		return c, nil
	})
	if err != nil {
		metrics.ValidationsTotal.WithLabelValues("error").Inc()
		observe("validate", err)
		return nil, fmt.Errorf("validate key: %w", err)
	}
	metrics.ValidationsTotal.WithLabelValues(result).Inc()
	if result != "valid" {
		observe("validate", nil)
		s.log(ctx).Debug("api key rejected", "reason", result, logging.Secret(secret))
		return nil, ErrInvalidKey
	}
	observe("validate", nil)
	return &matched, nil
}

// List returns every key in creation order with masked secrets.
func (s *Store) List(ctx context.Context) ([]model.APIKey, error) {
	c, err := s.load(ctx)
	observe("list", err)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]model.APIKey, len(c))
	for i := range c {
		out[i] = c[i].Masked()
	}
	return out, nil
}

// Get returns the full record for id, unmasked.
func (s *Store) Get(ctx context.Context, id string) (*model.APIKey, bool, error) {
	c, err := s.load(ctx)
	if err != nil {
		observe("get", err)
		return nil, false, fmt.Errorf("get key: %w", err)
	}
	idx := c.IndexByID(id)
	if idx < 0 {
		metrics.OperationsTotal.WithLabelValues("get", "not_found").Inc()
		return nil, false, nil
	}
	observe("get", nil)
	k := c[idx].Clone()
	return &k, true, nil
}

// Revoke deactivates id. Revoking an inactive key succeeds without a write.
func (s *Store) Revoke(ctx context.Context, id string) (bool, error) {
	return s.setActive(ctx, id, false)
}

// Reactivate activates id. Reactivating an active key succeeds without a
// write.
func (s *Store) Reactivate(ctx context.Context, id string) (bool, error) {
	return s.setActive(ctx, id, true)
}

func (s *Store) setActive(ctx context.Context, id string, active bool) (bool, error) {
	op, action := "revoke", audit.ActionRevoke
	if active {
		op, action = "reactivate", audit.ActionReactivate
	}

	var (
		found   bool
		changed bool
		key     model.APIKey
	)
	err := s.mutate(ctx, func(c model.Collection) (model.Collection, error) {
		found, changed = false, false
		idx := c.IndexByID(id)
		if idx < 0 {
			return nil, storage.ErrNoChange
		}
		found = true
		key = c[idx].Clone()
		if c[idx].Active == active {
			return nil, storage.ErrNoChange
		}
		c[idx].Active = active
		changed = true
		return c, nil
	})
	if err != nil {
		observe(op, err)
		return false, fmt.Errorf("%s key: %w", op, err)
	}
	if !found {
		metrics.OperationsTotal.WithLabelValues(op, "not_found").Inc()
		return false, nil
	}
	observe(op, nil)
	if changed {
		s.log(ctx).Info("api key "+op+"d", "id", id)
		s.record(ctx, action, key)
	}
	return true, nil
}

// Delete removes id permanently.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	var (
		found bool
		key   model.APIKey
	)
	err := s.mutate(ctx, func(c model.Collection) (model.Collection, error) {
		found = false
		idx := c.IndexByID(id)
		if idx < 0 {
			return nil, storage.ErrNoChange
		}
		found = true
		key = c[idx].Clone()
		return append(c[:idx], c[idx+1:]...), nil
	})
	if err != nil {
		observe("delete", err)
		return false, fmt.Errorf("delete key: %w", err)
	}
	if !found {
		metrics.OperationsTotal.WithLabelValues("delete", "not_found").Inc()
		return false, nil
	}
	observe("delete", nil)
	s.log(ctx).Info("api key deleted", "id", id)
	s.record(ctx, audit.ActionDelete, key)
	return true, nil
}

// Close stops the writer and closes the backend. Operations submitted
// afterwards return ErrClosed.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
		err = s.backend.Close()
	})
	return err
}

func (s *Store) log(ctx context.Context) *slog.Logger {
	return logging.With(ctx, s.logger)
}

// record writes an audit entry. Audit failures are logged, never returned:
// the key operation already succeeded.
func (s *Store) record(ctx context.Context, action string, key model.APIKey) {
	err := s.audit.Write(ctx, audit.Entry{
		TraceID:   logging.TraceIDFromContext(ctx),
		Action:    action,
		KeyID:     key.ID,
		KeyName:   key.Name,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.log(ctx).Warn("audit write failed", "action", action, "id", key.ID, "error", err)
	}
}

func observe(op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
}
