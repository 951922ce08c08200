// Package store keeps the registry of indexed sites: one IndexMetadata entry
// per namespace, shown on the dashboard and in the model list of the
// OpenAI-compatible API. The registry is Redis-backed when REDIS_URL is set
// and a local SQLite database otherwise.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/firestarter-go/internal/logging"
)

// ErrNotFound is returned for unknown namespaces.
var ErrNotFound = errors.New("store: index not found")

// IndexMetadata describes one indexed site.
type IndexMetadata struct {
	Namespace    string    `json:"namespace"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Favicon      string    `json:"favicon,omitempty"`
	OGImage      string    `json:"ogImage,omitempty"`
	PagesCrawled int       `json:"pagesCrawled"`
	Chunks       int       `json:"chunks"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Registry persists IndexMetadata. Implementations must be safe for
// concurrent use.
type Registry interface {
	// Put inserts or replaces meta. When the registry holds more entries than
	// its cap, the oldest are removed and their namespaces returned so the
	// caller can drop their vectors.
	Put(ctx context.Context, meta IndexMetadata) (evicted []string, err error)
	// Get returns the entry for namespace or ErrNotFound.
	Get(ctx context.Context, namespace string) (IndexMetadata, error)
	// List returns every entry, newest first.
	List(ctx context.Context) ([]IndexMetadata, error)
	// Delete removes the entry for namespace or returns ErrNotFound.
	Delete(ctx context.Context, namespace string) error
	// Ping checks the backing service.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a Registry backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
	// maxIndexes caps the entry count; zero means unbounded.
	maxIndexes int
}

// DefaultDBPath returns the default path for the registry database.
// It resolves to ~/.firestarter/indexes.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".firestarter")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "indexes.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string, maxIndexes int) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, maxIndexes: maxIndexes}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS indexes (
    namespace     TEXT    PRIMARY KEY,
    url           TEXT    NOT NULL,
    title         TEXT    NOT NULL DEFAULT '',
    description   TEXT    NOT NULL DEFAULT '',
    favicon       TEXT    NOT NULL DEFAULT '',
    og_image      TEXT    NOT NULL DEFAULT '',
    pages_crawled INTEGER NOT NULL DEFAULT 0,
    chunks        INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL  -- Unix timestamp (milliseconds)
);
CREATE INDEX IF NOT EXISTS idx_indexes_created ON indexes (created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const selectColumns = `namespace, url, title, description, favicon, og_image, pages_crawled, chunks, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanIndex(row scanner) (IndexMetadata, error) {
	var m IndexMetadata
	var ts int64
	if err := row.Scan(&m.Namespace, &m.URL, &m.Title, &m.Description, &m.Favicon, &m.OGImage,
		&m.PagesCrawled, &m.Chunks, &ts); err != nil {
		return IndexMetadata{}, err
	}
	m.CreatedAt = time.UnixMilli(ts).UTC()
	return m, nil
}

// Put upserts meta and evicts the oldest entries beyond the cap.
func (s *SQLiteStore) Put(ctx context.Context, meta IndexMetadata) ([]string, error) {
	if meta.Namespace == "" {
		return nil, fmt.Errorf("store: put: namespace is required")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `
INSERT INTO indexes (` + selectColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(namespace) DO UPDATE SET
    url = excluded.url, title = excluded.title, description = excluded.description,
    favicon = excluded.favicon, og_image = excluded.og_image,
    pages_crawled = excluded.pages_crawled, chunks = excluded.chunks, created_at = excluded.created_at`
	if _, err := tx.ExecContext(ctx, upsert, meta.Namespace, meta.URL, meta.Title, meta.Description,
		meta.Favicon, meta.OGImage, meta.PagesCrawled, meta.Chunks, meta.CreatedAt.UnixMilli()); err != nil {
		return nil, fmt.Errorf("store: put: %w", err)
	}

	var evicted []string
	if s.maxIndexes > 0 {
		const q = `SELECT namespace FROM indexes ORDER BY created_at DESC, namespace DESC LIMIT -1 OFFSET ?`
		rows, err := tx.QueryContext(ctx, q, s.maxIndexes)
		if err != nil {
			return nil, fmt.Errorf("store: put evict: %w", err)
		}
		for rows.Next() {
			var ns string
			if err := rows.Scan(&ns); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: put evict scan: %w", err)
			}
			evicted = append(evicted, ns)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("store: put evict rows: %w", err)
		}
		for _, ns := range evicted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM indexes WHERE namespace = ?`, ns); err != nil {
				return nil, fmt.Errorf("store: put evict %s: %w", ns, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: put commit: %w", err)
	}
	return evicted, nil
}

// Get returns the entry for namespace.
func (s *SQLiteStore) Get(ctx context.Context, namespace string) (IndexMetadata, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM indexes WHERE namespace = ?`, namespace)
	m, err := scanIndex(row)
	if errors.Is(err, sql.ErrNoRows) {
		return IndexMetadata{}, ErrNotFound
	}
	if err != nil {
		return IndexMetadata{}, fmt.Errorf("store: get: %w", err)
	}
	return m, nil
}

// List returns every entry, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]IndexMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM indexes ORDER BY created_at DESC, namespace DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	out := []IndexMetadata{}
	for rows.Next() {
		m, err := scanIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	return out, nil
}

// Delete removes the entry for namespace.
func (s *SQLiteStore) Delete(ctx context.Context, namespace string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM indexes WHERE namespace = ?`, namespace)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// Register stores meta and calls drop for every namespace the registry
// evicted to stay under its cap. drop failures are logged, not returned:
// the new index is already committed at that point.
func Register(ctx context.Context, r Registry, meta IndexMetadata, drop func(context.Context, string) error) error {
	evicted, err := r.Put(ctx, meta)
	if err != nil {
		return err
	}
	log := logging.FromContext(ctx)
	for _, ns := range evicted {
		log.Info("evicted oldest index", slog.String("namespace", ns))
		if drop == nil {
			continue
		}
		if err := drop(ctx, ns); err != nil {
			log.Warn("failed to delete vectors of evicted index",
				slog.String("namespace", ns), slog.Any("error", err))
		}
	}
	return nil
}
