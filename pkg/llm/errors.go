package llm

import "fmt"

// StatusError is returned by transports when the backend answers with a
// non-success HTTP status. The gateway uses the code to decide between
// retrying and immediate failover.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Retryable reports whether the status indicates a transient failure worth
// retrying on the same endpoint. Auth and validation failures are not.
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case 408, 429:
		return true
	}
	return e.StatusCode >= 500
}
