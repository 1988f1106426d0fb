package hooks

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Observer hooks watch the request lifecycle without altering it.
type Observer interface {
	Name() string
	// BeforeRequest runs once the session is resolved, before the body
	// is mutated and dispatched.
	BeforeRequest(ctx context.Context, req *RequestContext)
	// AfterComplete runs once a response finished successfully.
	AfterComplete(ctx context.Context, req *RequestContext, resp *ResponseContext)
	// AfterRequest always runs, success or failure, with whatever partial
	// response context exists.
	AfterRequest(ctx context.Context, req *RequestContext, resp *ResponseContext)
}

// Mutator hooks may rewrite the outbound request body.
type Mutator interface {
	Name() string
	// ModifyRequestBody returns the new body and whether it changed.
	// An error skips this mutator; the previous body is kept.
	ModifyRequestBody(ctx context.Context, body []byte, req *RequestContext) ([]byte, bool, error)
}

// Chain dispatches hooks in registration order.
type Chain struct {
	mu        sync.RWMutex
	observers []Observer
	mutators  []Mutator
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// AddObserver appends an observer hook.
func (c *Chain) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// AddMutator appends a mutator hook.
func (c *Chain) AddMutator(m Mutator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutators = append(c.mutators, m)
}

func (c *Chain) snapshot() ([]Observer, []Mutator) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observers, c.mutators
}

// guard runs fn, recovering panics so one hook cannot take down the
// request or the hooks after it.
func guard(name, phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("hook", name).Str("phase", phase).
				Interface("panic", r).Msg("hook panicked")
		}
	}()
	fn()
}

// RunBefore dispatches BeforeRequest to every observer.
func (c *Chain) RunBefore(ctx context.Context, req *RequestContext) {
	observers, _ := c.snapshot()
	for _, o := range observers {
		guard(o.Name(), "before_request", func() { o.BeforeRequest(ctx, req) })
	}
}

// RunAfterComplete dispatches AfterComplete to every observer.
func (c *Chain) RunAfterComplete(ctx context.Context, req *RequestContext, resp *ResponseContext) {
	observers, _ := c.snapshot()
	for _, o := range observers {
		guard(o.Name(), "after_complete", func() { o.AfterComplete(ctx, req, resp) })
	}
}

// RunAfterRequest dispatches AfterRequest to every observer.
func (c *Chain) RunAfterRequest(ctx context.Context, req *RequestContext, resp *ResponseContext) {
	observers, _ := c.snapshot()
	for _, o := range observers {
		guard(o.Name(), "after_request", func() { o.AfterRequest(ctx, req, resp) })
	}
}

// ApplyMutators threads the body through each mutator in order. A mutator
// that errors or panics is skipped and the body from before it is kept.
func (c *Chain) ApplyMutators(ctx context.Context, body []byte, req *RequestContext) []byte {
	_, mutators := c.snapshot()
	for _, m := range mutators {
		current := body
		guard(m.Name(), "modify_request_body", func() {
			next, changed, err := m.ModifyRequestBody(ctx, current, req)
			if err != nil {
				log.Warn().Err(err).Str("hook", m.Name()).Msg("mutator failed, skipping")
				return
			}
			if changed {
				body = next
			}
		})
	}
	return body
}
