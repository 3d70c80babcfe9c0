// Package gateway routes completion requests across a pool of backend
// endpoints. It owns endpoint selection by role and priority, per-endpoint
// retry with exponential backoff, failover on fatal errors, and the health
// state that excludes misbehaving endpoints for a cool-down interval.
//
// The gateway performs network I/O only. It never touches conversation
// history; the agent turn loop layers extraction and dispatch on top of the
// chunk stream the gateway returns.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/logging"
	"github.com/loomhq/loom/pkg/types"
)

// RetryHook is invoked before each same-endpoint retry.
type RetryHook func(endpoint string, attempt int, err error)

// FailoverHook is invoked when the gateway abandons one endpoint for the next.
type FailoverHook func(from, to string, err error)

// Gateway is a priority-ordered endpoint pool with retry and failover.
// Safe for concurrent use by multiple sessions.
type Gateway struct {
	endpoints  []*Endpoint
	policy     RetryPolicy
	maxRetries int
	onRetry    RetryHook
	onFailover FailoverHook
	log        *logging.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetryPolicy overrides the default backoff schedule.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(g *Gateway) {
		g.policy = policy
	}
}

// WithMaxRetries sets the per-endpoint retry budget (retries after the
// initial attempt). Defaults to 2.
func WithMaxRetries(n int) Option {
	return func(g *Gateway) {
		g.maxRetries = n
	}
}

// WithRetryHook registers a callback fired before each retry.
func WithRetryHook(hook RetryHook) Option {
	return func(g *Gateway) {
		g.onRetry = hook
	}
}

// WithFailoverHook registers a callback fired on each failover.
func WithFailoverHook(hook FailoverHook) Option {
	return func(g *Gateway) {
		g.onFailover = hook
	}
}

// New creates a gateway over the given endpoints. Endpoints are tried in
// ascending priority order; within equal priority, configuration order wins.
func New(endpoints []*Endpoint, opts ...Option) (*Gateway, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	ordered := make([]*Endpoint, len(endpoints))
	copy(ordered, endpoints)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	log, _ := logging.NewLogger("gateway")
	g := &Gateway{
		endpoints:  ordered,
		policy:     DefaultRetryPolicy(),
		maxRetries: 2,
		log:        log,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Endpoints returns the pool in selection order.
func (g *Gateway) Endpoints() []*Endpoint {
	return g.endpoints
}

// Complete issues the request against the pool and returns the winning
// endpoint's chunk stream along with the endpoint's name.
//
// Selection: the highest-priority selectable endpoint is tried first. A
// retryable failure (timeout, 5xx, connection error) is retried on the same
// endpoint with exponential backoff, up to the retry budget; a fatal failure
// (auth or validation 4xx) fails over to the next endpoint immediately. An
// endpoint that exhausts its budget is marked degraded and skipped until its
// cool-down elapses. When every endpoint has failed, ErrEndpointsExhausted
// wraps the last error.
//
// Endpoints that do not support incremental delivery are wrapped: the full
// response is delivered as a single chunk with Finished set, so callers see
// a uniform stream contract.
func (g *Gateway) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.StreamChunk, string, error) {
	var lastErr error
	tried := 0

	for i, ep := range g.endpoints {
		if !ep.Selectable(g.now()) {
			continue
		}
		tried++

		stream, err := g.tryEndpoint(ctx, ep, req)
		if err == nil {
			ep.RecordSuccess()
			return stream, ep.Name, nil
		}

		ep.RecordExhausted(g.now())
		g.log.Warnf("endpoint %s exhausted (%s): %v", ep.Name, ep.Health(), err)
		lastErr = err

		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if next := g.nextSelectable(i + 1); next != nil && g.onFailover != nil {
			g.onFailover(ep.Name, next.Name, err)
		}
	}

	if tried == 0 {
		return nil, "", fmt.Errorf("%w: all endpoints cooling down", ErrEndpointsExhausted)
	}
	return nil, "", fmt.Errorf("%w: %v", ErrEndpointsExhausted, lastErr)
}

func (g *Gateway) nextSelectable(from int) *Endpoint {
	for _, ep := range g.endpoints[from:] {
		if ep.Selectable(g.now()) {
			return ep
		}
	}
	return nil
}

// tryEndpoint runs the per-endpoint retry loop: one initial attempt plus up
// to maxRetries retries for retryable errors. Fatal errors return at once.
func (g *Gateway) tryEndpoint(ctx context.Context, ep *Endpoint, req *llm.Request) (<-chan *llm.StreamChunk, error) {
	var lastErr error

	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if g.onRetry != nil {
				g.onRetry(ep.Name, attempt, lastErr)
			}
			if err := g.sleep(ctx, g.policy.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		stream, err := g.openStream(ctx, ep, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			g.log.Infof("endpoint %s fatal error, failing over: %v", ep.Name, err)
			return nil, err
		}
		g.log.Debugf("endpoint %s attempt %d failed: %v", ep.Name, attempt+1, err)
	}

	return nil, lastErr
}

// openStream starts the completion on one endpoint, wrapping non-streaming
// backends as a single-chunk stream.
func (g *Gateway) openStream(ctx context.Context, ep *Endpoint, req *llm.Request) (<-chan *llm.StreamChunk, error) {
	if ep.Provider.SupportsStreaming() && req.Streaming {
		return ep.Provider.StreamCompletion(ctx, req)
	}

	msg, err := ep.Provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *llm.StreamChunk, 1)
	chunks <- &llm.StreamChunk{
		Role:     string(msg.Role),
		Content:  msg.Content,
		Finished: true,
	}
	close(chunks)
	return chunks, nil
}

// CompleteMessage issues a blocking completion through the pool, draining
// the stream into one message. Used for summarization calls.
func (g *Gateway) CompleteMessage(ctx context.Context, req *llm.Request) (*types.Message, error) {
	stream, _, err := g.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var content string
	var role string
	for chunk := range stream {
		if chunk.IsError() {
			return nil, chunk.Error
		}
		if chunk.Role != "" {
			role = chunk.Role
		}
		content += chunk.Content
	}

	if role == "" {
		role = string(types.RoleAssistant)
	}
	return &types.Message{
		Role:    types.MessageRole(role),
		Content: content,
	}, nil
}
