// Package sqlite is a durable layer stored in a single SQLite database
// (modernc.org/sqlite, no cgo). Several namespaces may share one file.
//
// SizeLimit bounds the payload bytes of a namespace; writes that push past it
// evict least recently used rows of the same namespace.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/unkn0wn-root/layercache/layer"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
  ns          TEXT    NOT NULL,
  key         TEXT    NOT NULL,
  payload     BLOB    NOT NULL,
  size        INTEGER NOT NULL,
  accessed_at INTEGER NOT NULL,
  PRIMARY KEY (ns, key)
);
CREATE INDEX IF NOT EXISTS cache_entries_lru ON cache_entries (ns, accessed_at);
`

var (
	ErrTooLarge       = errors.New("sqlite: entry larger than size limit")
	ErrEmptyNamespace = errors.New("sqlite: namespace is required")
)

type Config struct {
	Path      string // database file; required
	Namespace string // required
	SizeLimit int64  // payload bytes per namespace; 0 = unlimited
}

type Layer struct {
	db    *sql.DB
	ns    string
	limit int64
	now   func() time.Time
}

var _ layer.Layer = (*Layer)(nil)

func Open(cfg Config) (*Layer, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if cfg.Namespace == "" {
		return nil, ErrEmptyNamespace
	}
	dsn := filepath.Clean(cfg.Path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Layer{db: db, ns: cfg.Namespace, limit: cfg.SizeLimit, now: time.Now}, nil
}

func (l *Layer) Name() string { return "sqlite" }

func (l *Layer) stamp() int64 { return l.now().UTC().UnixNano() }

func (l *Layer) Store(ctx context.Context, key string, payload []byte) error {
	size := int64(len(payload))
	if l.limit > 0 && size > l.limit {
		return ErrTooLarge
	}
	if payload == nil {
		payload = []byte{}
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cache_entries (ns, key, payload, size, accessed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (ns, key) DO UPDATE SET
		   payload = excluded.payload,
		   size = excluded.size,
		   accessed_at = excluded.accessed_at`,
		l.ns, key, payload, size, l.stamp())
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	if l.limit > 0 {
		if err := l.evict(ctx, tx, key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// evict deletes least recently used rows until the namespace fits.
func (l *Layer) evict(ctx context.Context, tx *sql.Tx, keep string) error {
	var total int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM cache_entries WHERE ns = ?`, l.ns).Scan(&total); err != nil {
		return fmt.Errorf("sum sizes: %w", err)
	}
	if total <= l.limit {
		return nil
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT key, size FROM cache_entries WHERE ns = ? AND key <> ? ORDER BY accessed_at ASC`, l.ns, keep)
	if err != nil {
		return fmt.Errorf("list lru: %w", err)
	}
	var victims []string
	for rows.Next() && total > l.limit {
		var k string
		var sz int64
		if err := rows.Scan(&k, &sz); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan lru: %w", err)
		}
		victims = append(victims, k)
		total -= sz
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, k := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE ns = ? AND key = ?`, l.ns, k); err != nil {
			return fmt.Errorf("evict %q: %w", k, err)
		}
	}
	return nil
}

func (l *Layer) Retrieve(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT payload FROM cache_entries WHERE ns = ? AND key = ?`, l.ns, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &layer.MissError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("select entry: %w", err)
	}
	// access time is bookkeeping for eviction; a failed touch is not a failed read
	_, _ = l.db.ExecContext(ctx,
		`UPDATE cache_entries SET accessed_at = ? WHERE ns = ? AND key = ?`, l.stamp(), l.ns, key)
	return payload, nil
}

func (l *Layer) Remove(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE ns = ? AND key = ?`, l.ns, key)
	return err
}

func (l *Layer) RemoveAll(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE ns = ?`, l.ns)
	return err
}

func (l *Layer) Close(context.Context) error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
