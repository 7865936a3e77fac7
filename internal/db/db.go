package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrExists is returned by Create when the key is already present.
var ErrExists = errors.New("key already exists")

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// DB is a key-value table with per-entry expiry, backed by SQLite or
// PostgreSQL. Entries are never updated in place.
type DB struct {
	sql     *sql.DB
	dialect dialect
	now     func() time.Time
}

// Entry is one raw stored value.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Open opens a SQLite database at path (":memory:" for tests).
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{sql: conn, dialect: dialectSQLite, now: time.Now}, nil
}

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{sql: conn, dialect: dialectPostgres, now: time.Now}, nil
}

// SetNow replaces the time source. Used in tests only.
func (d *DB) SetNow(fn func() time.Time) {
	d.now = fn
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	valueType := "BLOB"
	if d.dialect == dialectPostgres {
		valueType = "BYTEA"
	}
	_, err := d.sql.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      %s NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)
	`, valueType))
	if err != nil {
		return fmt.Errorf("create kv: %w", err)
	}
	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_kv_created_at ON kv(created_at DESC)`); err != nil {
		return fmt.Errorf("index kv created_at: %w", err)
	}
	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at)`); err != nil {
		return fmt.Errorf("index kv expires_at: %w", err)
	}
	return nil
}

// Create inserts key with the given time-to-live. It never overwrites; an
// existing live key yields ErrExists. An expired row under the same key is
// replaced.
func (d *DB) Create(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := d.now()
	if _, err := d.sql.ExecContext(ctx, d.rebind(`DELETE FROM kv WHERE key = ? AND expires_at <= ?`),
		key, now.UnixMilli()); err != nil {
		return fmt.Errorf("clear expired key: %w", err)
	}
	res, err := d.sql.ExecContext(ctx, d.rebind(`
		INSERT INTO kv (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING`),
		key, value, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert kv: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert kv: %w", err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

// Get returns the live entry for key, or sql.ErrNoRows.
func (d *DB) Get(ctx context.Context, key string) (*Entry, error) {
	row := d.sql.QueryRowContext(ctx, d.rebind(`
		SELECT key, value, created_at, expires_at FROM kv
		WHERE key = ? AND expires_at > ?`), key, d.now().UnixMilli())
	return scanEntry(row)
}

// List returns up to limit live entries, most recently written first.
func (d *DB) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := d.sql.QueryContext(ctx, d.rebind(`
		SELECT key, value, created_at, expires_at FROM kv
		WHERE expires_at > ?
		ORDER BY created_at DESC, key DESC
		LIMIT ?`), d.now().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Count returns the number of live entries.
func (d *DB) Count(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM kv WHERE expires_at > ?`),
		d.now().UnixMilli()).Scan(&n)
	return n, err
}

// Purge deletes entries that expired at or before the current time and
// reports how many were removed.
func (d *DB) Purge(ctx context.Context) (int64, error) {
	res, err := d.sql.ExecContext(ctx, d.rebind(`DELETE FROM kv WHERE expires_at <= ?`), d.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

// rowScanner is implemented by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var createdAt, expiresAt int64
	if err := row.Scan(&e.Key, &e.Value, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(createdAt)
	e.ExpiresAt = time.UnixMilli(expiresAt)
	return &e, nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d *DB) rebind(query string) string {
	if d.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
