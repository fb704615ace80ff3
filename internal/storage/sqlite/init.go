package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY,
	content_id TEXT UNIQUE NOT NULL,
	url TEXT NOT NULL,
	title TEXT,
	metadata TEXT,
	file_path TEXT,
	content_length INTEGER DEFAULT 0,
	seq INTEGER DEFAULT 0,
	discovered_at TEXT,
	downloaded_at TEXT,
	status TEXT DEFAULT 'discovered'
)`

// InitDB opens the SQLite database at path and creates the downloads table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
