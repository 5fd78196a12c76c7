package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS contexts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id TEXT NOT NULL UNIQUE,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	extension_id TEXT NOT NULL,
	track_id TEXT NOT NULL,
	context_id INTEGER REFERENCES contexts(id) ON DELETE CASCADE,
	sort_order INTEGER,
	track_payload TEXT NOT NULL,
	task_state TEXT NOT NULL DEFAULT 'queued',
	streamable_id TEXT NOT NULL DEFAULT '',
	merge_indexes TEXT NOT NULL DEFAULT '[]',
	to_merge_files TEXT NOT NULL DEFAULT '[]',
	to_tag_file TEXT NOT NULL DEFAULT '',
	final_file TEXT NOT NULL DEFAULT '',
	exception_file TEXT NOT NULL DEFAULT '',
	fully_downloaded INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_downloads_context_id ON downloads(context_id);
CREATE INDEX IF NOT EXISTS idx_downloads_track ON downloads(extension_id, track_id);
`

// InitDB opens the SQLite database at path with foreign keys enforced and
// creates the schema if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	db, err := sql.Open("sqlite3", path+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
