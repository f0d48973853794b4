package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/ferro-labs/credstore/internal/config"
	"github.com/ferro-labs/credstore/internal/model"
)

// BadgerBackend keeps the collection as one value in an embedded BadgerDB.
// Badger's optimistic transactions give Update conflict detection within the
// process that holds the directory lock.
type BadgerBackend struct {
	db     *badger.DB
	key    []byte
	logger *slog.Logger
}

// NewBadgerBackend opens the database in cfg.Dir. It is up to the caller to
// close it with Close.
func NewBadgerBackend(cfg config.BadgerStorage, logger *slog.Logger) (*BadgerBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key := cfg.Key
	if key == "" {
		key = config.DefaultRedisKey
	}
	db, err := badger.Open(badger.DefaultOptions(cfg.Dir).WithLogger(nil))
	if err != nil {
		return nil, unavailable(KindBadger, "open", fmt.Errorf("can't open the db connection: %w", err))
	}
	return &BadgerBackend{db: db, key: []byte(key), logger: logger}, nil
}

// Kind implements Backend.
func (b *BadgerBackend) Kind() Kind { return KindBadger }

func (b *BadgerBackend) read(txn *badger.Txn, op string) (model.Collection, error) {
	item, err := txn.Get(b.key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Collection{}, nil
	}
	if err != nil {
		return nil, unavailable(KindBadger, op, err)
	}
	// item.Value is only valid inside the transaction.
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, unavailable(KindBadger, op, err)
	}
	c, err := decode(data)
	if err != nil {
		return nil, corrupt(KindBadger, op, fmt.Errorf("key %s: %w", b.key, err))
	}
	return c, nil
}

// Load implements Backend.
func (b *BadgerBackend) Load(ctx context.Context) (model.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(KindBadger, "load", err)
	}
	var c model.Collection
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = b.read(txn, "load")
		return err
	})
	if err != nil {
		return nil, ensureError(KindBadger, "load", err)
	}
	return c, nil
}

// Save implements Backend.
func (b *BadgerBackend) Save(ctx context.Context, c model.Collection) error {
	if err := ctx.Err(); err != nil {
		return unavailable(KindBadger, "save", err)
	}
	data, err := encode(c)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key, data)
	})
	return ensureError(KindBadger, "save", err)
}

// Update implements Updater; a transaction that read a value another
// transaction committed over is retried.
func (b *BadgerBackend) Update(ctx context.Context, fn MutateFunc) error {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return unavailable(KindBadger, "update", err)
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			current, err := b.read(txn, "update")
			if err != nil {
				return err
			}
			next, err := fn(current)
			if err != nil {
				return &mutateError{err: err}
			}
			data, err := encode(next)
			if err != nil {
				return &mutateError{err: err}
			}
			return txn.Set(b.key, data)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			b.logger.Debug("badger update conflicted, retrying", "attempt", attempt)
			continue
		}
		var me *mutateError
		if errors.As(err, &me) {
			if errors.Is(me.err, ErrNoChange) {
				return nil
			}
			return me.err
		}
		return ensureError(KindBadger, "update", err)
	}
	return conflict(KindBadger, "update", maxUpdateAttempts)
}

// Close implements Backend.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
