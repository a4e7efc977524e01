package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"vouchersync/internal/common"
	"vouchersync/internal/daterange"
	"vouchersync/internal/storage/migrations"
)

// sqliteTimeLayout is a format both Go and sqlite's datetime() understand,
// so TTL math can run in SQL.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// SQLiteBackend stores cache entries as rows in an embedded transactional
// store, indexed by key, base key and date range. It is the fallback when
// private file storage is unavailable.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the sqlite database at dsn and runs
// the embedded migrations.
func NewSQLiteBackend(ctx context.Context, dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: sqlite is single-writer, and an in-memory DSN is
	// per-connection.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Put(ctx context.Context, key string, blob []byte, meta Meta) error {
	var startDate, endDate sql.NullString
	if meta.Range != nil {
		from, to := meta.Range.Format()
		startDate = sql.NullString{String: from, Valid: true}
		endDate = sql.NullString{String: to, Valid: true}
	}

	query := `
		INSERT INTO cache_entries (key, base_key, payload, start_date, end_date, created_at, ttl_days)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			base_key = excluded.base_key,
			payload = excluded.payload,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			created_at = excluded.created_at,
			ttl_days = excluded.ttl_days
	`
	_, err := b.db.ExecContext(ctx, query,
		key, meta.BaseKey, blob, startDate, endDate,
		meta.CreatedAt.UTC().Format(sqliteTimeLayout), meta.TTLDays)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (*Entry, error) {
	query := `SELECT key, base_key, payload, start_date, end_date, created_at, ttl_days
		FROM cache_entries WHERE key = ?`
	e, err := scanEntry(b.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var startDate, endDate sql.NullString
	var createdAt string
	if err := row.Scan(&e.Key, &e.Meta.BaseKey, &e.Blob, &startDate, &endDate, &createdAt, &e.Meta.TTLDays); err != nil {
		return nil, err
	}

	ts, err := time.ParseInLocation(sqliteTimeLayout, createdAt, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	e.Meta.CreatedAt = ts

	if startDate.Valid && endDate.Valid {
		r, err := daterange.Parse(startDate.String, endDate.String)
		if err != nil {
			return nil, err
		}
		e.Meta.Range = &r
	}
	return &e, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) DeletePrefix(ctx context.Context, prefix string) error {
	// substr comparison instead of LIKE: keys are full of underscores,
	// which LIKE would treat as wildcards.
	query := `DELETE FROM cache_entries WHERE substr(key, 1, length(?)) = ?`
	if _, err := b.db.ExecContext(ctx, query, prefix, prefix); err != nil {
		return fmt.Errorf("failed to delete by prefix: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) FindOverlapping(ctx context.Context, baseKey string, want daterange.Range) ([]Entry, error) {
	from, to := want.Format()
	// YYYYMMDD strings order lexicographically, so the overlap test runs
	// directly on the indexed columns.
	query := `SELECT key, base_key, payload, start_date, end_date, created_at, ttl_days
		FROM cache_entries
		WHERE base_key = ? AND start_date IS NOT NULL AND start_date <= ? AND end_date >= ?
		ORDER BY start_date`
	rows, err := b.db.QueryContext(ctx, query, baseKey, to, from)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlapping ranges: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *SQLiteBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	query := `DELETE FROM cache_entries
		WHERE ttl_days > 0 AND datetime(created_at) <= datetime(?, '-' || ttl_days || ' days')`
	res, err := b.db.ExecContext(ctx, query, now.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }
