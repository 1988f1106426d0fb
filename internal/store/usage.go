package store

import (
	"fmt"
	"time"
)

// UsageRecord is one completed request's token accounting.
type UsageRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	AccountID    string    `json:"account_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMs   int64     `json:"duration_ms"`
	RequestPath  string    `json:"request_path,omitempty"`
	StatusCode   int       `json:"status_code"`
	StopReason   string    `json:"stop_reason,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// RecordUsage appends a usage row and accumulates the session counters.
func (s *Store) RecordUsage(r UsageRecord) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO usage_logs
		 (timestamp, account_id, session_id, model, input_tokens, output_tokens,
		  duration_ms, request_path, status_code, stop_reason, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Unix(), r.AccountID, r.SessionID, r.Model, r.InputTokens, r.OutputTokens,
		r.DurationMs, r.RequestPath, r.StatusCode, r.StopReason, r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	if r.SessionID != "" && (r.InputTokens > 0 || r.OutputTokens > 0) {
		if err := s.AddSessionUsage(r.SessionID, r.InputTokens, r.OutputTokens); err != nil {
			return err
		}
	}
	return nil
}

// UsageTotals aggregates token counts over a time window.
type UsageTotals struct {
	Requests     int64 `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// UsageSince returns aggregate usage recorded at or after the cutoff.
func (s *Store) UsageSince(cutoff time.Time) (*UsageTotals, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_logs WHERE timestamp >= ?`, cutoff.Unix())
	var t UsageTotals
	if err := row.Scan(&t.Requests, &t.InputTokens, &t.OutputTokens); err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	return &t, nil
}
