// Package hooks runs observer and mutator extensions around proxied
// requests. Hooks are isolated: a panic or error in one hook is logged and
// treated as a no-op for that hook, never failing the request or skipping
// the remaining hooks.
package hooks

import (
	"time"

	"github.com/swiftcast/session-proxy/internal/sse"
)

// RequestContext is the inbound request as seen by hooks.
type RequestContext struct {
	RequestID  string
	SessionID  string
	Model      string
	Method     string
	Path       string
	Streaming  bool
	Body       []byte
	ReceivedAt time.Time
}

// ResponseContext is the decoded outcome of a request. For streamed
// responses the fields are the decoder's accumulated state; when the
// stream failed partway they hold whatever was decoded before the failure.
type ResponseContext struct {
	StatusCode   int
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	Text         string
	Thinking     string
	ToolUses     []sse.ToolUse
	StopReason   string
	Synthetic    bool
	Err          string
}

// Override mirrors a session's stored hook override. Nil fields fall
// through to the process-wide settings.
type Override struct {
	APILogging                *bool
	CompactionInjection       *bool
	CustomTasks               *bool
	SummarizationInstructions *string
	ContextInjection          *string
}

// OverrideSource resolves the override for a session, if one exists.
type OverrideSource interface {
	Override(sessionID string) (Override, bool)
}

// NoOverrides is an OverrideSource that never returns an override.
type NoOverrides struct{}

func (NoOverrides) Override(string) (Override, bool) { return Override{}, false }
