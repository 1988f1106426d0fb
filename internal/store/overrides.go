package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// HookOverride holds per-session hook settings. Nil pointer fields mean
// "no override": the process-wide setting applies for that field.
type HookOverride struct {
	SessionID                 string  `json:"session_id"`
	APILogging                *bool   `json:"api_logging,omitempty"`
	CompactionInjection       *bool   `json:"compaction_injection,omitempty"`
	CustomTasks               *bool   `json:"custom_tasks,omitempty"`
	SummarizationInstructions *string `json:"summarization_instructions,omitempty"`
	ContextInjection          *string `json:"context_injection,omitempty"`
}

// UpsertHookOverride stores the override row for a session, replacing any
// previous one. Last write wins.
func (s *Store) UpsertHookOverride(o HookOverride) error {
	if o.SessionID == "" {
		return errors.New("session_id required")
	}
	_, err := s.db.Exec(
		`INSERT INTO session_hook_overrides
		 (session_id, api_logging, compaction_injection, custom_tasks, summarization_instructions, context_injection)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   api_logging = excluded.api_logging,
		   compaction_injection = excluded.compaction_injection,
		   custom_tasks = excluded.custom_tasks,
		   summarization_instructions = excluded.summarization_instructions,
		   context_injection = excluded.context_injection`,
		o.SessionID, nullBool(o.APILogging), nullBool(o.CompactionInjection),
		nullBool(o.CustomTasks), nullString(o.SummarizationInstructions), nullString(o.ContextInjection),
	)
	if err != nil {
		return fmt.Errorf("upsert hook override: %w", err)
	}
	return nil
}

// GetHookOverride fetches the override row for a session.
func (s *Store) GetHookOverride(sessionID string) (*HookOverride, error) {
	row := s.db.QueryRow(
		`SELECT session_id, api_logging, compaction_injection, custom_tasks,
		        summarization_instructions, context_injection
		 FROM session_hook_overrides WHERE session_id = ?`, sessionID)

	var o HookOverride
	var apiLogging, compaction, customTasks sql.NullBool
	var summarization, contextInj sql.NullString
	err := row.Scan(&o.SessionID, &apiLogging, &compaction, &customTasks, &summarization, &contextInj)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if apiLogging.Valid {
		o.APILogging = &apiLogging.Bool
	}
	if compaction.Valid {
		o.CompactionInjection = &compaction.Bool
	}
	if customTasks.Valid {
		o.CustomTasks = &customTasks.Bool
	}
	if summarization.Valid {
		o.SummarizationInstructions = &summarization.String
	}
	if contextInj.Valid {
		o.ContextInjection = &contextInj.String
	}
	return &o, nil
}

// DeleteHookOverride removes the override row; the session reverts to
// process-wide settings.
func (s *Store) DeleteHookOverride(sessionID string) error {
	res, err := s.db.Exec(`DELETE FROM session_hook_overrides WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete hook override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
