// Package store keeps a local SQLite snapshot of the last session list and
// message lists seen from the backend, so reads can degrade to stale data.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"InsightChat/internal/cache"
	"InsightChat/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	position INTEGER,
	title TEXT,
	created_at DATETIME,
	updated_at DATETIME,
	last_message TEXT,
	message_count INTEGER,
	local INTEGER
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	position INTEGER,
	remote_id INTEGER,
	role TEXT,
	content TEXT,
	timestamp DATETIME,
	attachments TEXT
);

CREATE INDEX IF NOT EXISTS messages_session ON messages(session_id, position);

CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT PRIMARY KEY,
	fingerprint TEXT,
	saved_at DATETIME
);`

// Store is the snapshot database
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; background refreshes and the view share it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSessions replaces the stored session list.
func (s *Store) SaveSessions(sessions []session.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	for i, sess := range sessions {
		_, err := tx.Exec(
			`INSERT INTO sessions (id, position, title, created_at, updated_at, last_message, message_count, local)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, i, sess.Title, sess.CreatedAt, sess.UpdatedAt, sess.LastMessage, sess.MessageCount, sess.Local,
		)
		if err != nil {
			return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Sessions returns the stored session list in its saved order.
func (s *Store) Sessions() ([]session.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, title, created_at, updated_at, last_message, message_count, local
		 FROM sessions ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		var sess session.Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt,
			&sess.LastMessage, &sess.MessageCount, &sess.Local); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveMessages replaces the snapshot of one session's messages. It reports
// false without writing when the snapshot is already up to date.
func (s *Store) SaveMessages(sessionID string, messages []session.Message) (bool, error) {
	fp := cache.Fingerprint(messages)
	if entry, ok, err := s.snapshot(sessionID); err != nil {
		return false, err
	} else if ok && entry.Fingerprint == fp {
		return false, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return false, fmt.Errorf("failed to clear messages: %w", err)
	}
	for i, msg := range messages {
		attachments, err := json.Marshal(msg.Attachments)
		if err != nil {
			return false, fmt.Errorf("failed to marshal attachments: %w", err)
		}
		var remoteID sql.NullInt64
		if msg.ID != nil {
			remoteID = sql.NullInt64{Int64: *msg.ID, Valid: true}
		}
		_, err = tx.Exec(
			`INSERT INTO messages (session_id, position, remote_id, role, content, timestamp, attachments)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, i, remoteID, string(msg.Role), msg.Content, msg.Timestamp, string(attachments),
		)
		if err != nil {
			return false, fmt.Errorf("failed to save message: %w", err)
		}
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO snapshots (session_id, fingerprint, saved_at) VALUES (?, ?, ?)",
		sessionID, fp, time.Now(),
	); err != nil {
		return false, fmt.Errorf("failed to save snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// Messages returns the snapshot of a session's messages. ok is false when
// no snapshot was ever saved.
func (s *Store) Messages(sessionID string) ([]session.Message, bool, error) {
	_, ok, err := s.snapshot(sessionID)
	if err != nil || !ok {
		return nil, false, err
	}

	rows, err := s.db.Query(
		`SELECT remote_id, role, content, timestamp, attachments
		 FROM messages WHERE session_id = ? ORDER BY position`,
		sessionID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		var (
			msg         session.Message
			role        string
			remoteID    sql.NullInt64
			attachments string
		)
		if err := rows.Scan(&remoteID, &role, &msg.Content, &msg.Timestamp, &attachments); err != nil {
			return nil, false, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = session.Role(role)
		if remoteID.Valid {
			id := remoteID.Int64
			msg.ID = &id
		}
		if attachments != "" && attachments != "null" {
			if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
				return nil, false, fmt.Errorf("failed to unmarshal attachments: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, true, rows.Err()
}

func (s *Store) snapshot(sessionID string) (cache.Entry, bool, error) {
	var entry cache.Entry
	err := s.db.QueryRow("SELECT fingerprint, saved_at FROM snapshots WHERE session_id = ?", sessionID).
		Scan(&entry.Fingerprint, &entry.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return entry, true, nil
}
