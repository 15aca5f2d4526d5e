// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeranaias/relaybot/internal/model"
)

// SessionSchemaVersion tracks the snapshot table layout.
const SessionSchemaVersion = 1

const sessionSchema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS sessions (
    user_id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL,
    visitor INTEGER NOT NULL DEFAULT 0,
    platform TEXT NOT NULL,
    mask TEXT NOT NULL,
    model TEXT NOT NULL,
    turns TEXT NOT NULL,          -- JSON array of chat turns
    held TEXT NOT NULL,           -- JSON array, last cleared turns
    updated_at INTEGER NOT NULL   -- Unix timestamp
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
`

// SessionRecord is one user's persisted conversation state.
type SessionRecord struct {
	UserID    int64
	SessionID string
	Visitor   bool
	Platform  string
	Mask      string
	Model     string
	Turns     []model.Turn
	Held      []model.Turn
	UpdatedAt time.Time
}

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore keeps SessionRecords in SQLite.
type SessionStore struct {
	db *sql.DB
}

// OpenSessionStore opens or creates the database at path.
func OpenSessionStore(path string) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrap("open", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open", path, err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, wrap("open", path, fmt.Errorf("failed to set pragma: %w", err))
		}
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, wrap("open", path, fmt.Errorf("failed to initialize schema: %w", err))
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(SessionSchemaVersion)); err != nil {
		db.Close()
		return nil, wrap("open", path, err)
	}
	return &SessionStore{db: db}, nil
}

// Close releases the database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces rec. A zero UpdatedAt is stamped with now.
func (s *SessionStore) Save(ctx context.Context, rec SessionRecord) error {
	key := strconv.FormatInt(rec.UserID, 10)
	turns, err := encodeTurns(rec.Turns)
	if err != nil {
		return wrap("save", key, err)
	}
	held, err := encodeTurns(rec.Held)
	if err != nil {
		return wrap("save", key, err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (user_id, session_id, visitor, platform, mask, model, turns, held, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
    session_id = excluded.session_id,
    visitor = excluded.visitor,
    platform = excluded.platform,
    mask = excluded.mask,
    model = excluded.model,
    turns = excluded.turns,
    held = excluded.held,
    updated_at = excluded.updated_at`,
		rec.UserID, rec.SessionID, rec.Visitor, rec.Platform, rec.Mask, rec.Model,
		turns, held, rec.UpdatedAt.Unix())
	return wrap("save", key, err)
}

// Load returns the record for userID, or an error matching ErrNotFound.
func (s *SessionStore) Load(ctx context.Context, userID int64) (SessionRecord, error) {
	key := strconv.FormatInt(userID, 10)
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, visitor, platform, mask, model, turns, held, updated_at
FROM sessions WHERE user_id = ?`, userID)

	rec := SessionRecord{UserID: userID}
	var (
		turns, held string
		updated     int64
	)
	err := row.Scan(&rec.SessionID, &rec.Visitor, &rec.Platform, &rec.Mask, &rec.Model, &turns, &held, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, notFound("load", key)
	}
	if err != nil {
		return SessionRecord{}, wrap("load", key, err)
	}
	if rec.Turns, err = decodeTurns(turns); err != nil {
		return SessionRecord{}, wrap("load", key, err)
	}
	if rec.Held, err = decodeTurns(held); err != nil {
		return SessionRecord{}, wrap("load", key, err)
	}
	rec.UpdatedAt = time.Unix(updated, 0)
	return rec, nil
}

// Delete removes userID's record. Deleting a missing record is not an error.
func (s *SessionStore) Delete(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	return wrap("delete", strconv.FormatInt(userID, 10), err)
}

// Count returns the number of stored sessions.
func (s *SessionStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, wrap("count", "", err)
}

// Prune deletes records last updated before cutoff and returns how many
// were removed.
func (s *SessionStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, wrap("prune", "", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("prune", "", err)
}

func encodeTurns(turns []model.Turn) (string, error) {
	if turns == nil {
		turns = []model.Turn{}
	}
	data, err := json.Marshal(turns)
	return string(data), err
}

func decodeTurns(s string) ([]model.Turn, error) {
	var turns []model.Turn
	if err := json.Unmarshal([]byte(s), &turns); err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return turns, nil
}
