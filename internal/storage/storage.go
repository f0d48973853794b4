// Package storage persists the API key collection as a single unit. A Backend
// loads and saves the whole collection; there is no per-record access. The
// concrete backend is chosen once at startup by Open.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ferro-labs/credstore/internal/model"
)

// Kind names a backend implementation.
type Kind string

const (
	KindFile     Kind = "file"
	KindRedis    Kind = "redis"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindBadger   Kind = "badger"
)

// DefaultTimeout bounds a backend call when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// maxUpdateAttempts bounds conditional-write retries before ErrConflict.
const maxUpdateAttempts = 5

// Backend loads and saves the whole key collection.
//
// Load never reports absence as an error: an empty, non-nil collection is
// returned when nothing has been persisted yet. Save replaces the persisted
// collection atomically.
type Backend interface {
	Kind() Kind
	Load(ctx context.Context) (model.Collection, error)
	Save(ctx context.Context, c model.Collection) error
	Close() error
}

// MutateFunc receives the freshly loaded collection and returns the one to
// persist. Returning ErrNoChange skips the write; any other error aborts it.
type MutateFunc func(model.Collection) (model.Collection, error)

// ErrNoChange is returned by a MutateFunc to signal that nothing needs to be
// written.
var ErrNoChange = errors.New("no change")

// Updater is implemented by backends that can detect a concurrent writer
// between their read and their write. Update reloads and re-applies fn until
// the write lands, or returns ErrConflict.
type Updater interface {
	Update(ctx context.Context, fn MutateFunc) error
}

// Update runs one read-modify-write cycle against b. Backends implementing
// Updater get a conditional write; others get Load, fn, Save.
func Update(ctx context.Context, b Backend, fn MutateFunc) error {
	if u, ok := b.(Updater); ok {
		return u.Update(ctx, fn)
	}
	current, err := b.Load(ctx)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	return b.Save(ctx, next)
}

// encode renders c the way it is persisted: a 2-space indented JSON array.
// A nil collection is written as [].
func encode(c model.Collection) ([]byte, error) {
	if c == nil {
		c = model.Collection{}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode key collection: %w", err)
	}
	return data, nil
}

// decode parses a persisted collection. JSON null is read as empty; blank
// or malformed input is an error the caller reports as corruption.
func decode(data []byte) (model.Collection, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty document")
	}
	var c model.Collection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode key collection: %w", err)
	}
	if c == nil {
		c = model.Collection{}
	}
	return c, nil
}

// withTimeout derives the per-call context. A zero timeout uses
// DefaultTimeout.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
