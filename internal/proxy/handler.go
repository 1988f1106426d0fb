package proxy

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/swiftcast/session-proxy/internal/hooks"
	"github.com/swiftcast/session-proxy/internal/monitoring"
	"github.com/swiftcast/session-proxy/internal/sse"
	"github.com/swiftcast/session-proxy/internal/store"
	"github.com/swiftcast/session-proxy/internal/tasks"
	"github.com/swiftcast/session-proxy/internal/utils"
	"github.com/swiftcast/session-proxy/internal/webhook"
)

// lastMessageSnippet bounds the session's stored last-message preview.
const lastMessageSnippet = 200

// extractSessionID derives the session trace id from request headers, in
// priority order. The sentry-trace value is "traceid-spanid-flags"; only
// the trace id identifies the session.
func extractSessionID(h http.Header) string {
	if v := h.Get("x-session-id"); v != "" {
		return v
	}
	if v := h.Get("x-request-id"); v != "" {
		return v
	}
	if v := h.Get("sentry-trace"); v != "" {
		if idx := strings.IndexByte(v, '-'); idx > 0 {
			return v[:idx]
		}
		return v
	}
	return ""
}

func writeProxyError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(sse.EncodeErrorBody(errType, message))
}

// handleProxy is the request pipeline: read, identify session, intercept
// tasks, resolve the account, apply overrides and mutators, dispatch.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes))
	if err != nil {
		writeProxyError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
			"request body too large or unreadable")
		return
	}

	sessionID := extractSessionID(r.Header)
	reqCtx := &hooks.RequestContext{
		RequestID:  requestID,
		SessionID:  sessionID,
		Model:      gjson.GetBytes(body, "model").String(),
		Method:     r.Method,
		Path:       r.URL.Path,
		Streaming:  gjson.GetBytes(body, "stream").Bool(),
		Body:       body,
		ReceivedAt: start,
	}
	log.Debug().Str("request_id", requestID).Str("session_id", sessionID).
		Str("path", r.URL.Path).Str("model", reqCtx.Model).Msg("request received")

	var sess *store.Session
	if sessionID != "" {
		sess, err = s.store.GetOrCreateSession(sessionID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("session lookup failed")
		}
	}

	// Custom task interception happens before any upstream concern: an
	// intercepted request must never produce an outbound call.
	override, hasOverride := s.overrides.Override(sessionID)
	view := s.settings.Resolved(override, hasOverride)
	if view.CustomTasks && r.Method == http.MethodPost {
		if name, args, ok := tasks.Match(body); ok {
			s.handleInterception(w, r, reqCtx, name, args)
			return
		}
	}

	account, err := s.resolveAccount(sess)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("no routable account")
		writeProxyError(w, http.StatusServiceUnavailable, "invalid_request_error",
			"no upstream account configured")
		s.finishRequest(reqCtx, &hooks.ResponseContext{
			StatusCode: http.StatusServiceUnavailable,
			Duration:   time.Since(start),
			Err:        "no upstream account configured",
		}, "", "")
		return
	}

	if sess != nil && sess.ModelOverride != "" && len(body) > 0 {
		if updated, err := sjson.SetBytes(body, "model", sess.ModelOverride); err == nil {
			body = updated
			reqCtx.Model = sess.ModelOverride
		} else {
			log.Warn().Err(err).Msg("model override rewrite failed")
		}
	}
	reqCtx.Body = body

	s.chain.RunBefore(r.Context(), reqCtx)
	body = s.chain.ApplyMutators(r.Context(), body, reqCtx)
	reqCtx.Body = body

	s.dispatch(w, r, reqCtx, account, body)
}

// resolveAccount picks the upstream account: the session's pinned account
// wins, otherwise the active account. Routing fails closed when neither
// resolves; traffic is never silently sent to a different account.
func (s *Server) resolveAccount(sess *store.Session) (*store.Account, error) {
	if sess != nil && sess.AccountID != "" {
		acct, err := s.store.GetAccount(sess.AccountID)
		if err != nil {
			return nil, err
		}
		return acct, nil
	}
	return s.store.GetActiveAccount()
}

// handleInterception executes a task locally and synthesizes a complete
// assistant turn. The upstream is never contacted.
func (s *Server) handleInterception(w http.ResponseWriter, r *http.Request, reqCtx *hooks.RequestContext, name, args string) {
	s.chain.RunBefore(r.Context(), reqCtx)

	res := s.interceptor.Execute(r.Context(), name, tasks.Invocation{
		SessionID: reqCtx.SessionID,
		Path:      reqCtx.Path,
		Model:     reqCtx.Model,
		Args:      args,
	})

	inputTokens := s.interceptor.EstimateTokens(tasks.LatestUserText(reqCtx.Body))
	turn := sse.SynthesizedTurn{
		Model:        reqCtx.Model,
		Text:         res.Text,
		InputTokens:  inputTokens,
		OutputTokens: res.OutputTokens,
	}

	if reqCtx.Streaming {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		w.Write(sse.EncodeTurn(turn))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(sse.EncodeMessage(turn))
	}

	errText := ""
	if res.IsError {
		errText = "task execution failed"
	}
	resp := &hooks.ResponseContext{
		StatusCode:   http.StatusOK,
		Duration:     time.Since(reqCtx.ReceivedAt),
		InputTokens:  inputTokens,
		OutputTokens: res.OutputTokens,
		Text:         res.Text,
		StopReason:   "end_turn",
		Synthetic:    true,
		Err:          errText,
	}
	if !res.IsError {
		s.chain.RunAfterComplete(r.Context(), reqCtx, resp)
	}
	s.chain.RunAfterRequest(r.Context(), reqCtx, resp)
	s.finishRequest(reqCtx, resp, "", res.TaskName)
}

// finishRequest handles the accounting shared by every outcome: usage
// recording, telemetry, the live feed, session touch, and webhooks.
func (s *Server) finishRequest(reqCtx *hooks.RequestContext, resp *hooks.ResponseContext, accountID, taskName string) {
	success := resp.Err == "" && resp.StatusCode < 400

	if s.recorder != nil {
		s.recorder.Record(store.UsageRecord{
			Timestamp:    reqCtx.ReceivedAt,
			AccountID:    accountID,
			SessionID:    reqCtx.SessionID,
			Model:        reqCtx.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			DurationMs:   resp.Duration.Milliseconds(),
			RequestPath:  reqCtx.Path,
			StatusCode:   resp.StatusCode,
			StopReason:   resp.StopReason,
			ErrorMessage: resp.Err,
		})
	}

	ev := monitoring.RequestEvent{
		RequestID:    reqCtx.RequestID,
		Timestamp:    reqCtx.ReceivedAt,
		SessionID:    reqCtx.SessionID,
		AccountID:    accountID,
		Model:        reqCtx.Model,
		Method:       reqCtx.Method,
		Path:         reqCtx.Path,
		StatusCode:   resp.StatusCode,
		DurationMs:   resp.Duration.Milliseconds(),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		StopReason:   resp.StopReason,
		Intercepted:  resp.Synthetic,
		TaskName:     taskName,
		Success:      success,
		Error:        resp.Err,
	}
	if s.tracker != nil {
		s.tracker.RecordRequest(ev)
	}
	if s.feed != nil {
		s.feed.Publish(ev)
	}

	if reqCtx.SessionID != "" {
		snippet := utils.TruncateRunes(strings.TrimSpace(tasks.LatestUserText(reqCtx.Body)), lastMessageSnippet)
		if err := s.store.TouchSession(reqCtx.SessionID, snippet); err != nil {
			log.Warn().Err(err).Str("session_id", reqCtx.SessionID).Msg("session touch failed")
		}
	}

	if s.webhooks != nil && reqCtx.SessionID != "" {
		// Synthetic turns end with end_turn but do not signal that the
		// assistant finished real work.
		if resp.StopReason == "end_turn" && !resp.Synthetic && success {
			s.webhooks.Send(webhook.EventSessionComplete, reqCtx.SessionID, map[string]any{
				"stop_reason":   resp.StopReason,
				"input_tokens":  resp.InputTokens,
				"output_tokens": resp.OutputTokens,
			})
			s.steps.Forget(reqCtx.SessionID)
		}
		if !resp.Synthetic && success {
			if q := s.detector.Detect(resp.Text); q != nil {
				s.webhooks.Send(webhook.EventQuestion, reqCtx.SessionID, q)
			}
		}
	}
}
