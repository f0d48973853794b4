// Package audit records administrative key lifecycle events (create, revoke,
// reactivate, delete) in SQLite or Postgres. Secrets are never recorded.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"

	"github.com/ferro-labs/credstore/internal/config"
)

// Actions recorded by the credential store.
const (
	ActionCreate     = "create"
	ActionRevoke     = "revoke"
	ActionReactivate = "reactivate"
	ActionDelete     = "delete"
)

// Entry is one audit event.
type Entry struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Action    string    `json:"action"`
	KeyID     string    `json:"key_id"`
	KeyName   string    `json:"key_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Query filters List results. Zero values mean no filter; Limit defaults to
// 50 and is capped at 500.
type Query struct {
	Limit  int
	Offset int
	Action string
	KeyID  string
	Since  *time.Time
}

// ListResult is one page of entries, newest first, with the total match
// count.
type ListResult struct {
	Data  []Entry `json:"data"`
	Total int     `json:"total"`
}

// MaintenanceQuery selects entries for deletion.
type MaintenanceQuery struct {
	Before *time.Time
}

// Writer persists audit entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// Log is a Writer that can also be queried and pruned.
type Log interface {
	Writer
	List(ctx context.Context, q Query) (ListResult, error)
	Delete(ctx context.Context, q MaintenanceQuery) (int64, error)
	Close() error
}

// NoopWriter ignores all writes and lists nothing.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

func (NoopWriter) List(_ context.Context, _ Query) (ListResult, error) {
	return ListResult{Data: []Entry{}}, nil
}

func (NoopWriter) Delete(_ context.Context, _ MaintenanceQuery) (int64, error) { return 0, nil }

func (NoopWriter) Close() error { return nil }

// Enabled reports whether l records entries. A nil log and NoopWriter do not.
func Enabled(l Log) bool {
	if l == nil {
		return false
	}
	_, noop := l.(NoopWriter)
	return !noop
}

// Open returns the audit log described by cfg, or a NoopWriter when no DSN
// is configured.
func Open(cfg config.Audit) (Log, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return NoopWriter{}, nil
	}
	switch cfg.AuditDriver() {
	case config.BackendPostgres:
		return NewPostgresWriter(cfg.DSN)
	case config.BackendSQLite:
		return NewSQLiteWriter(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown audit driver: %q", cfg.Driver)
	}
}

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "credstore-audit.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit log: %w", err)
	}
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: config.BackendSQLite}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit log: %w", err)
	}
	w := &SQLWriter{db: db, dialect: config.BackendPostgres}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s audit log: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS credstore_audit (
	id TEXT PRIMARY KEY,
	trace_id TEXT,
	action TEXT NOT NULL,
	key_id TEXT NOT NULL,
	key_name TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credstore_audit_created ON credstore_audit(created_at);`

	if w.dialect == config.BackendPostgres {
		ddl = `
CREATE TABLE IF NOT EXISTS credstore_audit (
	id TEXT PRIMARY KEY,
	trace_id TEXT,
	action TEXT NOT NULL,
	key_id TEXT NOT NULL,
	key_name TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credstore_audit_created ON credstore_audit(created_at);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize audit schema: %w", err)
	}
	return nil
}

// Write implements Writer. Missing IDs and timestamps are filled in.
func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	query := w.bind(`INSERT INTO credstore_audit(id, trace_id, action, key_id, key_name, created_at)
	VALUES(?, ?, ?, ?, ?, ?)`)
	_, err := w.db.ExecContext(ctx, query,
		entry.ID,
		entry.TraceID,
		entry.Action,
		entry.KeyID,
		entry.KeyName,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// List returns entries matching q, newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var (
		where []string
		args  []any
	)
	if q.Action != "" {
		where = append(where, "action = ?")
		args = append(args, q.Action)
	}
	if q.KeyID != "" {
		where = append(where, "key_id = ?")
		args = append(args, q.KeyID)
	}
	if q.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := w.db.QueryRowContext(ctx, w.bind("SELECT COUNT(*) FROM credstore_audit"+clause), args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count audit entries: %w", err)
	}

	query := w.bind(`SELECT id, trace_id, action, key_id, key_name, created_at FROM credstore_audit` +
		clause + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := w.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := ListResult{Data: []Entry{}, Total: total}
	for rows.Next() {
		var (
			e       Entry
			traceID sql.NullString
			keyName sql.NullString
		)
		if err := rows.Scan(&e.ID, &traceID, &e.Action, &e.KeyID, &keyName, &e.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan audit entry: %w", err)
		}
		e.TraceID = traceID.String
		e.KeyName = keyName.String
		e.CreatedAt = e.CreatedAt.UTC()
		out.Data = append(out.Data, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// Delete prunes entries older than q.Before. A nil Before deletes nothing.
func (w *SQLWriter) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	if q.Before == nil {
		return 0, nil
	}
	res, err := w.db.ExecContext(ctx, w.bind(`DELETE FROM credstore_audit WHERE created_at < ?`), q.Before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	return res.RowsAffected()
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *SQLWriter) bind(query string) string {
	if w.dialect != config.BackendPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", argNum)
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
