package gateway

import (
	"context"
	"errors"
	"net"

	"github.com/loomhq/loom/pkg/llm"
)

// ErrEndpointsExhausted is returned when every configured endpoint has been
// tried and failed for a single request. It is fatal to the session.
var ErrEndpointsExhausted = errors.New("all provider endpoints exhausted")

// ErrNoEndpoints is returned when the gateway was built with an empty pool.
var ErrNoEndpoints = errors.New("no provider endpoints configured")

// IsRetryable reports whether an error is worth retrying on the same
// endpoint. Timeouts, connection failures, and 408/429/5xx statuses are
// transient; auth and validation failures (other 4xx) are not, and neither
// is caller cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified transport errors (connection reset, EOF mid-handshake)
	// are treated as transient.
	return true
}
