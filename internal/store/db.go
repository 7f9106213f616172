package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Dialect selects the schema flavour for a database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB wraps a pooled sql.DB. Callers borrow a connection per statement;
// the pool returns it on every exit path.
type DB struct {
	Client  *sql.DB
	Dialect Dialect
}

// NewDB creates a Postgres connection pool with sane defaults.
// The pool is returned even when the initial ping fails.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db, Dialect: Postgres}, db.PingContext(context.Background())
}

// NewSQLite opens an embedded database at path. ":memory:" gives a private
// in-process database.
func NewSQLite(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer; also keeps a :memory: database on one connection
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &DB{Client: db, Dialect: SQLite}, nil
}

// Migrate creates the persons table and its unique constraints.
func (d *DB) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if d.Dialect == SQLite {
		schema = sqliteSchema
	}
	if _, err := d.Client.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.Client == nil {
		return errors.New("store: no database")
	}
	return d.Client.PingContext(ctx)
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS persons (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL CHECK (name <> ''),
	register_no TEXT NOT NULL CHECK (register_no <> ''),
	token       TEXT NOT NULL,
	in_time     TIMESTAMPTZ,
	out_time    TIMESTAMPTZ,
	card_url    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT persons_register_no_key UNIQUE (register_no),
	CONSTRAINT persons_token_key UNIQUE (token),
	CONSTRAINT persons_out_after_in CHECK (out_time IS NULL OR (in_time IS NOT NULL AND out_time >= in_time))
);
CREATE INDEX IF NOT EXISTS idx_persons_created ON persons(created_at);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS persons (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL CHECK (name <> ''),
	register_no TEXT NOT NULL UNIQUE CHECK (register_no <> ''),
	token       TEXT NOT NULL UNIQUE,
	in_time     TIMESTAMP,
	out_time    TIMESTAMP,
	card_url    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	CHECK (out_time IS NULL OR in_time IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS idx_persons_created ON persons(created_at);
`

// UniqueViolation reports whether err is a unique-constraint violation and,
// if so, which column collided ("register_no" or "token" for persons).
func UniqueViolation(err error) (column string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return columnFromConstraint(pgErr.ConstraintName), true
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		// "UNIQUE constraint failed: persons.register_no"
		msg := liteErr.Error()
		if i := strings.LastIndex(msg, "."); i >= 0 {
			return msg[i+1:], true
		}
		return "", true
	}
	return "", false
}

func columnFromConstraint(name string) string {
	name = strings.TrimPrefix(name, "persons_")
	return strings.TrimSuffix(name, "_key")
}
