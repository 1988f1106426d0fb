// Package webhook delivers session lifecycle notifications to an external
// task board. Delivery is fire-and-forget: failures are logged, never
// surfaced to the proxied request.
package webhook

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swiftcast/session-proxy/internal/config"
	"github.com/swiftcast/session-proxy/internal/utils"
)

// Event names sent to the webhook endpoint.
const (
	EventSessionComplete = "session_complete"
	EventQuestion        = "question_detected"
	EventStepUpdate      = "step_update"
	EventUsage           = "usage"
)

const webhookPath = "/api/webhooks/swiftcast"

// MappingSource resolves the todo item linked to a session.
type MappingSource interface {
	TodoID(sessionID string) (string, bool)
}

// Payload is the wire shape of one webhook delivery.
type Payload struct {
	Event     string    `json:"event"`
	SessionID string    `json:"session_id"`
	TodoID    string    `json:"todo_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Client posts webhook payloads.
type Client struct {
	client   *http.Client
	mappings MappingSource

	mu      sync.RWMutex
	enabled bool
	baseURL string
}

// NewClient builds a webhook client. mappings may be nil when session to
// todo links are not tracked.
func NewClient(baseURL string, enabled bool, mappings MappingSource) *Client {
	return &Client{
		client:   &http.Client{Timeout: config.DefaultWebhookTimeout},
		mappings: mappings,
		enabled:  enabled && baseURL != "",
		baseURL:  baseURL,
	}
}

// Configure updates the endpoint at runtime.
func (c *Client) Configure(baseURL string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = baseURL
	c.enabled = enabled && baseURL != ""
}

// Enabled reports whether deliveries are being attempted.
func (c *Client) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Send delivers one event asynchronously.
func (c *Client) Send(event, sessionID string, data any) {
	c.mu.RLock()
	enabled, base := c.enabled, c.baseURL
	c.mu.RUnlock()
	if !enabled {
		return
	}

	p := Payload{
		Event:     event,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if c.mappings != nil {
		if todoID, ok := c.mappings.TodoID(sessionID); ok {
			p.TodoID = todoID
		}
	}

	go c.post(base, p)
}

func (c *Client) post(base string, p Payload) {
	body, err := utils.MarshalNoEscape(p)
	if err != nil {
		log.Warn().Err(err).Msg("webhook payload marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultWebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+webhookPath, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Msg("webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("event", p.Event).Msg("webhook delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Debug().Int("status", resp.StatusCode).Str("event", p.Event).Msg("webhook rejected")
	}
}
