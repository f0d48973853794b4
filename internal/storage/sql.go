package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"

	"github.com/ferro-labs/credstore/internal/config"
	"github.com/ferro-labs/credstore/internal/model"
)

// SQLBackend stores the collection as a JSON snapshot in one row of
// credstore_snapshots, keyed by record name. A version column makes every
// write conditional on the version that was read.
type SQLBackend struct {
	db      *sql.DB
	kind    Kind
	record  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewSQLiteBackend opens (and migrates) a SQLite-backed store.
// dsn can be a file path (e.g. /tmp/keys.db) or SQLite DSN.
func NewSQLiteBackend(ctx context.Context, cfg config.SQLStorage, timeout time.Duration, logger *slog.Logger) (*SQLBackend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		dsn = config.DefaultSQLiteDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable(KindSQLite, "open", fmt.Errorf("open sqlite store: %w", err))
	}
	// One connection avoids SQLITE_BUSY between pooled writers.
	db.SetMaxOpenConns(1)
	return newSQLBackend(ctx, db, KindSQLite, cfg.Record, timeout, logger)
}

// NewPostgresBackend opens (and migrates) a Postgres-backed store.
func NewPostgresBackend(ctx context.Context, cfg config.SQLStorage, timeout time.Duration, logger *slog.Logger) (*SQLBackend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, unavailable(KindPostgres, "open", fmt.Errorf("postgres dsn is required"))
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, unavailable(KindPostgres, "open", fmt.Errorf("open postgres store: %w", err))
	}
	return newSQLBackend(ctx, db, KindPostgres, cfg.Record, timeout, logger)
}

func newSQLBackend(ctx context.Context, db *sql.DB, kind Kind, record string, timeout time.Duration, logger *slog.Logger) (*SQLBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if record == "" {
		record = config.DefaultRecord
	}
	b := &SQLBackend{db: db, kind: kind, record: record, timeout: timeout, logger: logger}
	if err := b.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLBackend) init(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.db.PingContext(ctx); err != nil {
		return unavailable(b.kind, "open", fmt.Errorf("ping %s store: %w", b.kind, err))
	}

	ddl := `
CREATE TABLE IF NOT EXISTS credstore_snapshots (
	name TEXT PRIMARY KEY,
	keys_json TEXT NOT NULL,
	version INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`
	if b.kind == KindPostgres {
		ddl = `
CREATE TABLE IF NOT EXISTS credstore_snapshots (
	name TEXT PRIMARY KEY,
	keys_json TEXT NOT NULL,
	version BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`
	}
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return unavailable(b.kind, "open", fmt.Errorf("initialize snapshot schema: %w", err))
	}
	return nil
}

// Kind implements Backend.
func (b *SQLBackend) Kind() Kind { return b.kind }

// read returns the stored collection and its version. A missing row is an
// empty collection at version 0.
func (b *SQLBackend) read(ctx context.Context, op string) (model.Collection, int64, error) {
	q := b.bind(`SELECT keys_json, version FROM credstore_snapshots WHERE name = ?`)
	var (
		raw     string
		version int64
	)
	err := b.db.QueryRowContext(ctx, q, b.record).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Collection{}, 0, nil
	}
	if err != nil {
		return nil, 0, unavailable(b.kind, op, err)
	}
	c, err := decode([]byte(raw))
	if err != nil {
		return nil, 0, corrupt(b.kind, op, fmt.Errorf("record %s: %w", b.record, err))
	}
	return c, version, nil
}

// Load implements Backend.
func (b *SQLBackend) Load(ctx context.Context) (model.Collection, error) {
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()
	c, _, err := b.read(ctx, "load")
	return c, err
}

// Save implements Backend as an unconditional single-row upsert.
func (b *SQLBackend) Save(ctx context.Context, c model.Collection) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()

	upsert := b.bind(`
INSERT INTO credstore_snapshots(name, keys_json, version, updated_at)
VALUES(?, ?, 1, ?)
ON CONFLICT(name) DO UPDATE SET
	keys_json = excluded.keys_json,
	version = credstore_snapshots.version + 1,
	updated_at = excluded.updated_at`)
	if _, err := b.db.ExecContext(ctx, upsert, b.record, string(data), time.Now().UTC()); err != nil {
		return unavailable(b.kind, "save", err)
	}
	return nil
}

// Update implements Updater. The write only lands if the row still carries
// the version that was read; otherwise the cycle is retried on fresh data.
func (b *SQLBackend) Update(ctx context.Context, fn MutateFunc) error {
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		current, version, err := b.read(ctx, "update")
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
		data, err := encode(next)
		if err != nil {
			return err
		}

		ok, err := b.compareAndSwap(ctx, version, string(data))
		if err != nil {
			return unavailable(b.kind, "update", err)
		}
		if ok {
			return nil
		}
		b.logger.Debug("sql update lost a race, retrying", "backend", b.kind, "attempt", attempt)
	}
	return conflict(b.kind, "update", maxUpdateAttempts)
}

func (b *SQLBackend) compareAndSwap(ctx context.Context, version int64, data string) (bool, error) {
	now := time.Now().UTC()
	var (
		res sql.Result
		err error
	)
	if version == 0 {
		q := b.bind(`
INSERT INTO credstore_snapshots(name, keys_json, version, updated_at)
VALUES(?, ?, 1, ?)
ON CONFLICT(name) DO NOTHING`)
		res, err = b.db.ExecContext(ctx, q, b.record, data, now)
	} else {
		q := b.bind(`
UPDATE credstore_snapshots
SET keys_json = ?, version = version + 1, updated_at = ?
WHERE name = ? AND version = ?`)
		res, err = b.db.ExecContext(ctx, q, data, now, b.record, version)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Ping checks connectivity.
func (b *SQLBackend) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.db.PingContext(ctx); err != nil {
		return unavailable(b.kind, "ping", err)
	}
	return nil
}

// Close implements Backend.
func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// bind rewrites ? placeholders to $n for Postgres.
func (b *SQLBackend) bind(query string) string {
	if b.kind != KindPostgres {
		return query
	}
	var (
		sb     strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&sb, "$%d", argNum)
			argNum++
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}
