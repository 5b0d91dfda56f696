package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

var db *sql.DB

var dbInitialized bool

// GetDB returns the database connection, initializing if needed
func GetDB() (*sql.DB, error) {
	if db != nil {
		return db, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	pipeDir := filepath.Join(home, ".pipectl")
	dbPath := filepath.Join(pipeDir, "pipectl.db")

	// Ensure .pipectl directory exists
	if err := os.MkdirAll(pipeDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .pipectl directory: %w", err)
	}

	db, err = Open(dbPath)
	if err != nil {
		return nil, err
	}

	// Run schema init on first connection (but avoid recursion)
	if !dbInitialized {
		dbInitialized = true
		if err := InitSchema(); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return db, nil
}

// Open opens a SQLite database at path with the settings the entity CAS
// depends on. Transactions take the write lock at BEGIN, so concurrent
// writers serialize and the loser re-reads the committed version instead
// of failing busy mid-transaction under WAL; the busy timeout makes a
// waiting writer block instead of erroring immediately.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Entity mutations run read-modify-write transactions; WAL keeps
	// readers unblocked while a CAS commit is in flight.
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	return conn, nil
}

// Close closes the database connection
func Close() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// GetDBPath returns the path to the database file
func GetDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pipectl", "pipectl.db"), nil
}

// InitSchema applies the schema to the current connection.
func InitSchema() error {
	if _, err := db.Exec(SchemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
