package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"highlightsync/internal/domain"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// DB is a sqlite-backed StoreBackend with one table per collection.
type DB struct {
	db     *sql.DB
	path   string
	logger *zerolog.Logger

	mu     sync.Mutex
	tables map[string]*Collection
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info().Str("path", path).Msg("sqlite store initialized")
	return &DB{db: db, path: path, logger: logger, tables: make(map[string]*Collection)}, nil
}

// Collection returns the table for name, creating it on first use.
func (db *DB) Collection(name string) (domain.KeyedStore, error) {
	if !tableName.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.tables[name]; ok {
		return c, nil
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            key TEXT PRIMARY KEY,
            value BLOB NOT NULL,
            updated_at DATETIME NOT NULL
        )`, name)
	if _, err := db.db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", name, err)
	}

	c := &Collection{db: db.db, table: name}
	db.tables[name] = c
	return c, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Collection is one keyed table.
type Collection struct {
	db    *sql.DB
	table string
}

func (c *Collection) Put(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
              ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, c.table)
	if _, err := c.db.ExecContext(ctx, query, key, value, time.Now()); err != nil {
		return fmt.Errorf("failed to put %s into %s: %w", key, c.table, err)
	}
	return nil
}

func (c *Collection) GetAll(ctx context.Context) ([]domain.Record, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %s ORDER BY key`, c.table))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.table, err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var r domain.Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", c.table, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", c.table, err)
	}
	return out, nil
}

func (c *Collection) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, c.table), key); err != nil {
		return fmt.Errorf("failed to delete %s from %s: %w", key, c.table, err)
	}
	return nil
}

func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.table, err)
	}
	return n, nil
}
