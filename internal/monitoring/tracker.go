// Package monitoring records request telemetry to a local JSONL file and
// fans completed events out to live websocket subscribers.
package monitoring

import (
	"bufio"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swiftcast/session-proxy/internal/utils"
)

// RequestEvent is one completed proxy request.
type RequestEvent struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	DurationMs   int64     `json:"duration_ms"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	StopReason   string    `json:"stop_reason,omitempty"`
	Intercepted  bool      `json:"intercepted,omitempty"`
	TaskName     string    `json:"task_name,omitempty"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
}

// Tracker appends request events to a JSONL file. Appends are serialized;
// a write failure is logged and the event lost, never propagated.
type Tracker struct {
	path      string
	maxEvents int

	mu    sync.Mutex
	count int
}

// NewTracker creates a tracker writing to path. maxEvents bounds the file:
// when exceeded, the file is truncated and counting restarts.
func NewTracker(path string, maxEvents int) *Tracker {
	return &Tracker{path: path, maxEvents: maxEvents}
}

// RecordRequest appends one event.
func (t *Tracker) RecordRequest(ev RequestEvent) {
	if t.path == "" {
		return
	}
	line, err := utils.MarshalNoEscape(ev)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry marshal failed")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if t.maxEvents > 0 && t.count >= t.maxEvents {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		t.count = 0
	}
	f, err := os.OpenFile(t.path, flags, 0o644)
	if err != nil {
		log.Warn().Err(err).Str("path", t.path).Msg("telemetry open failed")
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	w.Write(line)
	w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		log.Warn().Err(err).Msg("telemetry write failed")
		return
	}
	t.count++
}
