package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStorage marks any failure crossing the repository boundary. Callers can
// match it with errors.Is; the underlying cause stays in the chain.
var ErrStorage = errors.New("storage error")

// wrap re-signals a low-level database failure as a uniform storage error.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// DB wraps a SQLite database connection for the app-owned xim.db cache.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// Clear wipes the entire cache: messages, conversations, profiles and sync
// checkpoints, in one transaction. The next sweep rebuilds from scratch.
func (db *DB) Clear() error {
	tx, err := db.Begin()
	if err != nil {
		return wrap("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"messages", "conversations", "profiles", "sync_state"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return wrap("clear "+table, err)
		}
	}
	return wrap("commit", tx.Commit())
}
