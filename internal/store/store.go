// Package store provides the single durable SQLite store shared by every
// subsystem. It owns schema migrations, identity minting, and the
// transaction primitive; all writes in the process serialize here.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/swarmhq/swarm/internal/common/logger"
)

// DB wraps the sqlx handle and provides the transaction helper.
type DB struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open opens (or creates) the SQLite database at path, applies schema
// migrations, and seeds built-in rows. The connection is limited to a single
// writer; SQLite serializes writes anyway and this avoids SQLITE_BUSY churn.
func Open(path string, log *logger.Logger) (*DB, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=NORMAL", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &DB{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

func normalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(abs)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return abs, nil
}

// DB returns the underlying sqlx handle for read-only queries outside
// transactions.
func (s *DB) DB() *sqlx.DB {
	return s.db
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// WithTx executes fn inside a transaction. The transaction is rolled back if
// fn returns an error or panics, and committed otherwise.
func (s *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
