package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// PutTaskMapping links a session to an external todo item. Re-mapping a
// session replaces the previous link.
func (s *Store) PutTaskMapping(sessionID, todoID string) error {
	if sessionID == "" || todoID == "" {
		return errors.New("session_id and todo_id required")
	}
	_, err := s.db.Exec(
		`INSERT INTO task_mappings (session_id, todo_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET todo_id = excluded.todo_id`,
		sessionID, todoID, nowUnix())
	if err != nil {
		return fmt.Errorf("put task mapping: %w", err)
	}
	return nil
}

// GetTaskMapping returns the todo id linked to a session, if any.
func (s *Store) GetTaskMapping(sessionID string) (string, error) {
	var todoID string
	err := s.db.QueryRow(
		`SELECT todo_id FROM task_mappings WHERE session_id = ?`, sessionID).Scan(&todoID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return todoID, nil
}

// DeleteTaskMapping removes a session's todo link.
func (s *Store) DeleteTaskMapping(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM task_mappings WHERE session_id = ?`, sessionID)
	return err
}

// SetConfig stores an arbitrary key/value pair.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

// GetConfig fetches a stored key, or ErrNotFound.
func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}
