// Package llm provides the completion provider abstraction consumed by the
// gateway: requests carry role-tagged messages plus a tool manifest, and
// responses arrive as a stream of chunks that may include incremental text,
// native tool-call payloads, and terminal usage metadata.
package llm

import (
	"context"
	"encoding/json"

	"github.com/loomhq/loom/pkg/types"
)

// ToolSpec describes one callable tool in the manifest sent with a request.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// Request represents a single completion request. Immutable once issued.
type Request struct {
	Messages []*types.Message
	Tools    []ToolSpec

	MaxTokens   int
	Temperature float32
	Streaming   bool
}

// NativeToolCall is a structured tool-call payload delivered out-of-band from
// text by providers that support native tool calling.
type NativeToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Usage captures token counters reported at the end of a response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one incrementally-delivered piece of a completion response.
//
// A request yields a finite chunk sequence terminated by exactly one chunk
// with Finished=true, or a chunk with Error set.
type StreamChunk struct {
	// Role is set on the first chunk of a response (typically "assistant").
	Role string

	// Content is an incremental text delta. May be empty on chunks that only
	// carry tool calls or metadata.
	Content string

	// ToolCalls holds native structured tool-call payloads, when the provider
	// supports out-of-band delivery. Nil for text-only providers.
	ToolCalls []NativeToolCall

	// Finished marks the terminal chunk of a successful response.
	Finished bool

	// Usage is populated on the terminal chunk when the provider reports it.
	Usage *Usage

	// Error is set on stream-time failures. A chunk with Error set is always
	// the last chunk on the channel.
	Error error
}

// IsError reports whether the chunk carries a stream error.
func (c *StreamChunk) IsError() bool {
	return c.Error != nil
}

// Provider defines the interface for one backend completion endpoint.
//
// Providers handle wire communication only. The gateway layers endpoint
// selection, retry, and failover on top; the agent layers extraction and
// dispatch on top of that. Stream-time errors are delivered as StreamChunk
// values with Error set; StreamCompletion itself returns an error only when
// the request cannot be initiated.
type Provider interface {
	// Name returns the endpoint's configured name, used in logs and health
	// accounting.
	Name() string

	// SupportsStreaming reports whether the backend delivers incremental
	// chunks. The gateway wraps non-streaming backends as a single terminal
	// chunk to preserve a uniform contract.
	SupportsStreaming() bool

	// StreamCompletion sends the request and streams back response chunks.
	// The channel is closed when the response completes or errors. Callers
	// should read until the channel is closed.
	StreamCompletion(ctx context.Context, req *Request) (<-chan *StreamChunk, error)

	// Complete sends the request and returns the full response as one
	// message. Used for summarization calls and non-streaming backends.
	Complete(ctx context.Context, req *Request) (*types.Message, error)
}
