package gateway

import (
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/llm"
)

// Health is an endpoint's position in the bounded health state machine.
type Health int

const (
	// Healthy endpoints are eligible for selection.
	Healthy Health = iota

	// Degraded endpoints exhausted their retry budget and sit out a
	// cool-down interval. After it elapses the next request acts as a
	// recovery probe.
	Degraded

	// Unavailable endpoints failed their recovery probe and sit out a
	// longer cool-down.
	Unavailable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

const (
	degradedCoolDown    = 30 * time.Second
	unavailableCoolDown = 2 * time.Minute
)

// Endpoint wraps one backend provider with its pool metadata and health
// counters. Health mutations are synchronized: multiple concurrent sessions
// may select and probe the same endpoint.
type Endpoint struct {
	Name     string
	Role     string // primary, fallback, specialist
	Priority int    // lower selects first

	Provider llm.Provider

	mu           sync.Mutex
	health       Health
	failures     int
	successes    int
	coolDownTill time.Time
}

// NewEndpoint creates a healthy endpoint for the given provider.
func NewEndpoint(name, role string, priority int, provider llm.Provider) *Endpoint {
	return &Endpoint{
		Name:     name,
		Role:     role,
		Priority: priority,
		Provider: provider,
		health:   Healthy,
	}
}

// Health returns the endpoint's current health state.
func (e *Endpoint) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// Selectable reports whether the endpoint may serve a request at time now.
// A degraded or unavailable endpoint becomes selectable again once its
// cool-down elapses; that request is its recovery probe.
func (e *Endpoint) Selectable(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health == Healthy {
		return true
	}
	return !now.Before(e.coolDownTill)
}

// RecordSuccess transitions the endpoint back to healthy.
func (e *Endpoint) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health = Healthy
	e.failures = 0
	e.successes++
}

// RecordExhausted records that the endpoint burned through its retry budget
// (or failed fatally). Healthy endpoints degrade; degraded endpoints that
// fail their recovery probe become unavailable.
func (e *Endpoint) RecordExhausted(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures++
	switch e.health {
	case Healthy:
		e.health = Degraded
		e.coolDownTill = now.Add(degradedCoolDown)
	case Degraded:
		e.health = Unavailable
		e.coolDownTill = now.Add(unavailableCoolDown)
	case Unavailable:
		e.coolDownTill = now.Add(unavailableCoolDown)
	}
}
