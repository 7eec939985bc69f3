// Package storage persists the small amount of local state that must survive
// a restart: the authenticated session (user identity + bearer credential).
// Messages and conversations are deliberately not cached — they live only as
// long as the session and are refetched on login.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Session is the persisted login state — the local analogue of the browser
// client's localStorage entries.
type Session struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Token       string
}

// DB wraps the local SQLite database.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database in the given directory.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "duochat.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// Single-row session table; id is pinned so Save is a plain upsert.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			user_id      TEXT NOT NULL,
			display_name TEXT DEFAULT '',
			avatar_url   TEXT DEFAULT '',
			token        TEXT NOT NULL,
			saved_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// SaveSession stores the authenticated session, replacing any previous one.
func (d *DB) SaveSession(s Session) error {
	_, err := d.db.Exec(`
		INSERT INTO session (id, user_id, display_name, avatar_url, token, saved_at)
		VALUES (1, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			user_id      = excluded.user_id,
			display_name = excluded.display_name,
			avatar_url   = excluded.avatar_url,
			token        = excluded.token,
			saved_at     = CURRENT_TIMESTAMP
	`, s.UserID, s.DisplayName, s.AvatarURL, s.Token)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the stored session, if any.
func (d *DB) LoadSession() (Session, bool, error) {
	var s Session
	err := d.db.QueryRow(`
		SELECT user_id, display_name, avatar_url, token FROM session WHERE id = 1
	`).Scan(&s.UserID, &s.DisplayName, &s.AvatarURL, &s.Token)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	return s, true, nil
}

// ClearSession removes the stored session (logout).
func (d *DB) ClearSession() error {
	if _, err := d.db.Exec(`DELETE FROM session WHERE id = 1`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }
