// Package auth selects and applies upstream authentication per provider
// base URL. Anthropic endpoints pass the client's own credentials through;
// other providers receive the account's stored credential; Bedrock
// endpoints get SigV4 request signing.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/swiftcast/session-proxy/internal/utils"
)

// Request carries everything a scheme needs to authenticate an outbound
// call.
type Request struct {
	Outbound   *http.Request
	Body       []byte
	Credential string
	// Inbound holds the client's original headers, for passthrough.
	Inbound http.Header
}

// Scheme applies authentication to an outbound request.
type Scheme interface {
	Name() string
	Apply(ctx context.Context, req *Request) error
}

// Table maps base URLs to schemes. The mapping is static per process.
type Table struct {
	sigv4 Scheme
}

// NewTable builds the scheme table. SigV4 credential loading is deferred
// to first use so non-Bedrock setups never touch the AWS config chain.
func NewTable() *Table {
	return &Table{sigv4: newSigV4()}
}

// For picks the scheme for a provider base URL.
func (t *Table) For(baseURL string) Scheme {
	host := hostOf(baseURL)
	switch {
	case host == "api.anthropic.com" || strings.HasSuffix(host, ".anthropic.com"):
		return passthrough{}
	case strings.Contains(host, "bedrock") && strings.HasSuffix(host, ".amazonaws.com"):
		return t.sigv4
	default:
		return apiKey{}
	}
}

func hostOf(baseURL string) string {
	s := baseURL
	if idx := strings.Index(s, "://"); idx != -1 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "/:"); idx != -1 {
		s = s[:idx]
	}
	return strings.ToLower(s)
}

// passthrough forwards the client's own api key or bearer token untouched.
type passthrough struct{}

func (passthrough) Name() string { return "passthrough" }

func (passthrough) Apply(ctx context.Context, req *Request) error {
	if v := req.Inbound.Get("x-api-key"); v != "" {
		req.Outbound.Header.Set("x-api-key", v)
	}
	if v := req.Inbound.Get("Authorization"); v != "" {
		req.Outbound.Header.Set("Authorization", v)
	}
	return nil
}

// apiKey replaces client credentials with the account's stored key.
type apiKey struct{}

func (apiKey) Name() string { return "api_key" }

func (apiKey) Apply(ctx context.Context, req *Request) error {
	req.Outbound.Header.Del("Authorization")
	req.Outbound.Header.Set("x-api-key", req.Credential)
	log.Trace().Str("key", utils.MaskKey(req.Credential)).Msg("applied account credential")
	return nil
}
