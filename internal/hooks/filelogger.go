package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swiftcast/session-proxy/internal/utils"
)

// sessionDirChars is how much of the session id names the log directory.
const sessionDirChars = 16

// FileLogger writes one JSON file per completed request under a
// per-session directory. Enablement is resolved per request: the session
// override wins over the process-wide api_logging setting.
type FileLogger struct {
	dir       string
	settings  *Settings
	overrides OverrideSource

	mu   sync.Mutex
	seqs map[string]int
}

// NewFileLogger creates a logger rooted at dir.
func NewFileLogger(dir string, settings *Settings, overrides OverrideSource) *FileLogger {
	return &FileLogger{
		dir:       dir,
		settings:  settings,
		overrides: overrides,
		seqs:      make(map[string]int),
	}
}

// Name implements Observer.
func (f *FileLogger) Name() string { return "file_logger" }

// BeforeRequest implements Observer.
func (f *FileLogger) BeforeRequest(ctx context.Context, req *RequestContext) {}

// AfterComplete implements Observer.
func (f *FileLogger) AfterComplete(ctx context.Context, req *RequestContext, resp *ResponseContext) {
}

// requestLogEntry is the on-disk record shape.
type requestLogEntry struct {
	RequestID    string          `json:"request_id"`
	SessionID    string          `json:"session_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	Model        string          `json:"model,omitempty"`
	StatusCode   int             `json:"status_code"`
	DurationMs   int64           `json:"duration_ms"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	StopReason   string          `json:"stop_reason,omitempty"`
	Synthetic    bool            `json:"synthetic,omitempty"`
	Error        string          `json:"error,omitempty"`
	RequestBody  json.RawMessage `json:"request_body,omitempty"`
	ResponseText string          `json:"response_text,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	ToolUses     json.RawMessage `json:"tool_uses,omitempty"`
}

// AfterRequest implements Observer. Runs on every request, including
// failures, so partial streams still leave a record.
func (f *FileLogger) AfterRequest(ctx context.Context, req *RequestContext, resp *ResponseContext) {
	override, ok := f.overrides.Override(req.SessionID)
	view := f.settings.Resolved(override, ok)
	if !view.APILogging {
		return
	}

	entry := requestLogEntry{
		RequestID:    req.RequestID,
		SessionID:    req.SessionID,
		Timestamp:    req.ReceivedAt,
		Method:       req.Method,
		Path:         req.Path,
		Model:        req.Model,
		ResponseText: resp.Text,
		Thinking:     resp.Thinking,
		StatusCode:   resp.StatusCode,
		DurationMs:   resp.Duration.Milliseconds(),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		StopReason:   resp.StopReason,
		Synthetic:    resp.Synthetic,
		Error:        resp.Err,
	}
	if json.Valid(req.Body) {
		entry.RequestBody = json.RawMessage(req.Body)
	}
	if len(resp.ToolUses) > 0 {
		if raw, err := json.Marshal(resp.ToolUses); err == nil {
			entry.ToolUses = raw
		}
	}

	if err := f.write(req, entry); err != nil {
		log.Warn().Err(err).Str("request_id", req.RequestID).Msg("request log write failed")
	}
}

func (f *FileLogger) write(req *RequestContext, entry requestLogEntry) error {
	sessionDir := "no-session"
	if req.SessionID != "" {
		sessionDir = utils.ShortID(req.SessionID, sessionDirChars)
	}
	dir := filepath.Join(f.dir, sessionDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f.mu.Lock()
	f.seqs[sessionDir]++
	seq := f.seqs[sessionDir]
	f.mu.Unlock()

	name := fmt.Sprintf("%s_%s_%04d.json",
		entry.Timestamp.Format("20060102T150405"),
		utils.ShortID(req.RequestID, 8), seq)

	data, err := utils.MarshalNoEscape(entry)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// Cleanup removes session log directories whose newest entry is older than
// the retention window. Called from the background sweep.
func (f *FileLogger) Cleanup() {
	view := f.settings.Snapshot()
	cutoff := time.Now().AddDate(0, 0, -view.LogRetentionDays)

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("log cleanup scan failed")
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(f.dir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				log.Warn().Err(err).Str("dir", path).Msg("log cleanup remove failed")
			} else {
				log.Debug().Str("dir", path).Msg("removed expired session logs")
			}
		}
	}
}
