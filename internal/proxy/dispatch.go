package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/swiftcast/session-proxy/internal/auth"
	"github.com/swiftcast/session-proxy/internal/config"
	"github.com/swiftcast/session-proxy/internal/hooks"
	"github.com/swiftcast/session-proxy/internal/sse"
	"github.com/swiftcast/session-proxy/internal/store"
	"github.com/swiftcast/session-proxy/internal/webhook"
)

// Hop-by-hop and transport headers that must not be forwarded either way.
// Credentials are stripped too; the auth scheme re-adds what the upstream
// should see.
var skipRequestHeaders = map[string]struct{}{
	"Host":              {},
	"Content-Length":    {},
	"Connection":        {},
	"Transfer-Encoding": {},
	"Accept-Encoding":   {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Upgrade":           {},
	"Te":                {},
	"Trailer":           {},
	"X-Api-Key":         {},
	"Authorization":     {},
}

var skipResponseHeaders = map[string]struct{}{
	"Content-Length":    {},
	"Connection":        {},
	"Transfer-Encoding": {},
	"Keep-Alive":        {},
}

// dispatch forwards the prepared request upstream and relays the response.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, reqCtx *hooks.RequestContext, account *store.Account, body []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Upstream.RequestTimeout)
	defer cancel()

	outURL := strings.TrimRight(account.BaseURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		outURL += "?" + r.URL.RawQuery
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, outURL, bytes.NewReader(body))
	if err != nil {
		writeProxyError(w, http.StatusBadGateway, "api_error", "failed to build upstream request")
		s.failDispatch(reqCtx, account, http.StatusBadGateway, "build upstream request: "+err.Error())
		return
	}
	for name, values := range r.Header {
		if _, skip := skipRequestHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			outReq.Header.Add(name, v)
		}
	}

	scheme := s.authTable.For(account.BaseURL)
	if err := scheme.Apply(ctx, &auth.Request{
		Outbound:   outReq,
		Body:       body,
		Credential: account.Credential,
		Inbound:    r.Header,
	}); err != nil {
		log.Error().Err(err).Str("scheme", scheme.Name()).Msg("upstream auth failed")
		writeProxyError(w, http.StatusBadGateway, "authentication_error", "upstream authentication failed")
		s.failDispatch(reqCtx, account, http.StatusBadGateway, "auth: "+err.Error())
		return
	}

	resp, err := s.upstream.Do(outReq)
	if err != nil {
		msg := "upstream unreachable"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "upstream request timed out"
		} else if errors.Is(err, context.Canceled) {
			msg = "client disconnected"
		}
		log.Warn().Err(err).Str("account", account.Name).Msg("upstream request failed")
		writeProxyError(w, http.StatusBadGateway, "api_error", msg)
		s.failDispatch(reqCtx, account, http.StatusBadGateway, msg)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if _, skip := skipResponseHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		s.relayStream(ctx, w, resp, reqCtx, account)
		return
	}
	s.relayBody(w, resp, reqCtx, account)
}

// failDispatch records a dispatch failure that produced no upstream
// response. AfterRequest hooks still run with the partial context.
func (s *Server) failDispatch(reqCtx *hooks.RequestContext, account *store.Account, status int, errMsg string) {
	resp := &hooks.ResponseContext{
		StatusCode: status,
		Duration:   time.Since(reqCtx.ReceivedAt),
		Err:        errMsg,
	}
	s.chain.RunAfterRequest(context.Background(), reqCtx, resp)
	s.finishRequest(reqCtx, resp, account.ID, "")
}

// relayStream forwards SSE bytes as they arrive, feeding each chunk to the
// decoder only after it has been written to the client. Decode problems
// never delay or alter forwarded bytes.
func (s *Server) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, reqCtx *hooks.RequestContext, account *store.Account) {
	flusher, _ := w.(http.Flusher)
	decoder := sse.NewDecoder()
	toolsSeen := 0
	var streamErr string

	buf := make([]byte, config.DefaultStreamReadBuffer)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := w.Write(chunk); werr != nil {
				streamErr = "client disconnected"
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			decoder.Feed(chunk)
			toolsSeen = s.observeTools(reqCtx.SessionID, decoder, toolsSeen)
		}
		if rerr != nil {
			if rerr != io.EOF {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					streamErr = "upstream request timed out"
					w.Write(sse.EncodeErrorEvent("timeout_error", streamErr))
					if flusher != nil {
						flusher.Flush()
					}
				} else {
					streamErr = "upstream stream failed: " + rerr.Error()
				}
			}
			break
		}
	}
	decoder.Flush()
	s.observeTools(reqCtx.SessionID, decoder, toolsSeen)

	if decoder.ErrorText() != "" && streamErr == "" {
		streamErr = decoder.ErrorText()
	}

	u := decoder.Usage()
	respCtx := &hooks.ResponseContext{
		StatusCode:   resp.StatusCode,
		Duration:     time.Since(reqCtx.ReceivedAt),
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Text:         decoder.Text(),
		Thinking:     decoder.Thinking(),
		ToolUses:     decoder.ToolUses(),
		StopReason:   decoder.StopReason(),
		Err:          streamErr,
	}
	if respCtx.StatusCode >= 400 && streamErr == "" {
		respCtx.Err = "upstream status " + resp.Status
	}
	if respCtx.Err == "" {
		s.chain.RunAfterComplete(context.Background(), reqCtx, respCtx)
	}
	s.chain.RunAfterRequest(context.Background(), reqCtx, respCtx)
	s.finishRequest(reqCtx, respCtx, account.ID, "")
}

// observeTools emits step updates for tool invocations newly assembled by
// the decoder. Returns the new high-water mark.
func (s *Server) observeTools(sessionID string, decoder *sse.Decoder, seen int) int {
	uses := decoder.ToolUses()
	for ; seen < len(uses); seen++ {
		if up := s.steps.Observe(sessionID, uses[seen].Name); up != nil && s.webhooks != nil {
			s.webhooks.Send(webhook.EventStepUpdate, sessionID, up)
		}
	}
	return seen
}

// relayBody forwards a non-streaming response and extracts accounting from
// the complete JSON body.
func (s *Server) relayBody(w http.ResponseWriter, resp *http.Response, reqCtx *hooks.RequestContext, account *store.Account) {
	raw, rerr := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		w.Write(raw)
	}

	respCtx := &hooks.ResponseContext{
		StatusCode: resp.StatusCode,
		Duration:   time.Since(reqCtx.ReceivedAt),
	}
	if rerr != nil {
		respCtx.Err = "upstream body read failed: " + rerr.Error()
	} else if resp.StatusCode >= 400 {
		respCtx.Err = gjson.GetBytes(raw, "error.message").String()
		if respCtx.Err == "" {
			respCtx.Err = "upstream status " + resp.Status
		}
	}

	if parsed := gjson.ParseBytes(raw); parsed.IsObject() {
		respCtx.InputTokens = int(parsed.Get("usage.input_tokens").Int())
		respCtx.OutputTokens = int(parsed.Get("usage.output_tokens").Int())
		respCtx.StopReason = parsed.Get("stop_reason").String()
		var text strings.Builder
		parsed.Get("content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				text.WriteString(block.Get("text").String())
			}
			return true
		})
		respCtx.Text = text.String()
	}

	if respCtx.Err == "" {
		s.chain.RunAfterComplete(context.Background(), reqCtx, respCtx)
	}
	s.chain.RunAfterRequest(context.Background(), reqCtx, respCtx)
	s.finishRequest(reqCtx, respCtx, account.ID, "")
}
