// Package store gives the bootstrap read/write access to the wrapped
// application's SQLite database. The schema is owned by the application, so
// every table and column is located by introspection heuristics rather than
// assumed, and writes go through the store's native locking with a bounded
// busy timeout.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

const busyTimeoutMS = 30000

type Store struct {
	db  *sql.DB
	sql sq.StatementBuilderType
}

func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is empty")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, busyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Single connection: the application is the primary writer and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &Store{
		db:  db,
		sql: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a single transaction so a crash never leaves one
// record updated and a sibling record stale.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IsBusy reports whether err is SQLite lock contention, which callers retry
// at the poll interval instead of failing the pass.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}

// quoteIdent quotes a runtime-discovered identifier for embedding in SQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

type Row struct {
	ID  any
	Raw sql.NullString
}

// SelectKeyedText loads (id, text-column) pairs from a discovered table.
func (s *Store) SelectKeyedText(ctx context.Context, tx *sql.Tx, table, idCol, textCol string) ([]Row, error) {
	query, args, err := s.sql.Select(quoteIdent(idCol), quoteIdent(textCol)).
		From(quoteIdent(table)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s rows: %w", table, err)
	}
	defer rows.Close()

	out := make([]Row, 0)
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Raw); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", table, err)
	}
	return out, nil
}

// UpdateKeyedText writes back one row's text column.
func (s *Store) UpdateKeyedText(ctx context.Context, tx *sql.Tx, table, idCol, textCol string, id any, value string) error {
	query, args, err := s.sql.Update(quoteIdent(table)).
		Set(quoteIdent(textCol), value).
		Where(sq.Eq{quoteIdent(idCol): id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update %s row: %w", table, err)
	}
	return nil
}

// ReadConfigData returns the newest row of the application's config table,
// or ok=false when the table or row does not exist.
func (s *Store) ReadConfigData(ctx context.Context) ([]byte, bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM sqlite_master WHERE type='table' AND name='config'").Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check config table: %w", err)
	}

	var raw sql.NullString
	err = s.db.QueryRowContext(ctx,
		"SELECT data FROM config ORDER BY id DESC LIMIT 1").Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read config row: %w", err)
	}
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, false, nil
	}
	return []byte(raw.String), true, nil
}
