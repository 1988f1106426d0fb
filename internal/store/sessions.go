package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session is one tracked client conversation, keyed by the trace id the
// client sends on every request.
type Session struct {
	SessionID      string `json:"session_id"`
	AccountID      string `json:"account_id,omitempty"`
	ModelOverride  string `json:"model_override,omitempty"`
	LastMessage    string `json:"last_message,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	LastActivityAt int64  `json:"last_activity_at"`
	RequestCount   int64  `json:"request_count"`
	InputTokens    int64  `json:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens"`
}

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var accountID, modelOverride, lastMessage sql.NullString
	err := row.Scan(&sess.SessionID, &accountID, &modelOverride, &lastMessage,
		&sess.CreatedAt, &sess.LastActivityAt,
		&sess.RequestCount, &sess.InputTokens, &sess.OutputTokens)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.AccountID = accountID.String
	sess.ModelOverride = modelOverride.String
	sess.LastMessage = lastMessage.String
	return &sess, nil
}

const sessionCols = `session_id, account_id, model_override, last_message,
	created_at, last_activity_at, request_count, input_tokens, output_tokens`

// GetOrCreateSession upserts the session row. Concurrent calls for the same
// id converge on a single row: the insert is a no-op on conflict, so the
// first writer wins on created_at.
func (s *Store) GetOrCreateSession(sessionID string) (*Session, error) {
	now := nowUnix()
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, created_at, last_activity_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}
	return s.GetSession(sessionID)
}

// GetSession fetches one session by id.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ListSessions returns sessions ordered by most recent activity.
func (s *Store) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT `+sessionCols+` FROM sessions ORDER BY last_activity_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// SetSessionAccount pins a session to a specific account (empty clears).
// Last write wins.
func (s *Store) SetSessionAccount(sessionID, accountID string) error {
	return s.setSessionField(sessionID, "account_id", accountID)
}

// SetSessionModel sets a per-session model override (empty clears).
func (s *Store) SetSessionModel(sessionID, model string) error {
	return s.setSessionField(sessionID, "model_override", model)
}

func (s *Store) setSessionField(sessionID, column, value string) error {
	var v any
	if value != "" {
		v = value
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET `+column+` = ?, last_activity_at = ? WHERE session_id = ?`,
		v, nowUnix(), sessionID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSession bumps activity time, request count, and the last message
// snippet after a request completes.
func (s *Store) TouchSession(sessionID, lastMessage string) error {
	var msg any
	if lastMessage != "" {
		msg = lastMessage
	}
	_, err := s.db.Exec(
		`UPDATE sessions SET last_activity_at = ?, request_count = request_count + 1,
		 last_message = COALESCE(?, last_message) WHERE session_id = ?`,
		nowUnix(), msg, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// AddSessionUsage accumulates token counters on the session row.
func (s *Store) AddSessionUsage(sessionID string, inputTokens, outputTokens int) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?
		 WHERE session_id = ?`,
		inputTokens, outputTokens, sessionID)
	if err != nil {
		return fmt.Errorf("add session usage: %w", err)
	}
	return nil
}

// PruneSessions deletes sessions idle longer than ttl, along with their
// hook overrides and task mappings. Returns the number removed.
func (s *Store) PruneSessions(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl).Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM session_hook_overrides WHERE session_id IN
		 (SELECT session_id FROM sessions WHERE last_activity_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune overrides: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM task_mappings WHERE session_id IN
		 (SELECT session_id FROM sessions WHERE last_activity_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune mappings: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE last_activity_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}
