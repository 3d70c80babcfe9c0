package agent

import (
	"context"
	"sync"

	"github.com/loomhq/loom/pkg/agent/tools"
	"github.com/loomhq/loom/pkg/gateway"
)

// Flock runs several agent sessions concurrently against the same task (or
// one task each). Sessions share only the read-only tool registry and the
// gateway's endpoint pool; each owns its history and provider session state.
type Flock struct {
	gw       *gateway.Gateway
	registry *tools.Registry
	opts     []SessionOption
}

// NewFlock creates a flock over shared infrastructure. The options are
// applied to every member session.
func NewFlock(gw *gateway.Gateway, registry *tools.Registry, opts ...SessionOption) *Flock {
	return &Flock{gw: gw, registry: registry, opts: opts}
}

// Run executes one session per task concurrently and returns the results in
// task order. A failed session constructor or a fatal session error is
// reported in that slot's result; other sessions run to completion
// regardless.
func (f *Flock) Run(ctx context.Context, tasks []string) []*SessionResult {
	results := make([]*SessionResult, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task string) {
			defer wg.Done()
			sess, err := NewSession(f.gw, f.registry, f.opts...)
			if err != nil {
				results[i] = &SessionResult{
					Reason: ReasonProviderExhausted,
					Err:    err,
				}
				return
			}
			result, _ := sess.Run(ctx, task)
			results[i] = result
		}(i, task)
	}

	wg.Wait()
	return results
}
