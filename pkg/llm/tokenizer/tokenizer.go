// Package tokenizer provides client-side token counting used by the context
// window's compaction accounting.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/loomhq/loom/pkg/types"
)

// encodingName is the cl100k_base encoding, a reasonable approximation for
// the OpenAI-compatible backends the gateway talks to. Counting does not
// need to be exact, only stable: compaction triggers on a threshold.
const encodingName = "cl100k_base"

// messageOverheadTokens approximates per-message framing overhead.
const messageOverheadTokens = 4

// Tokenizer counts tokens in text and message sequences.
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
}

// New creates a tokenizer. Returns an error if the encoding cannot be
// loaded; callers may fall back to character-based estimates.
func New() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encodingName, err)
	}
	return &Tokenizer{encoding: enc}, nil
}

// CountTokens returns the token count of a single string.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// CountMessagesTokens returns the approximate token count of a message
// sequence, including per-message framing overhead.
func (t *Tokenizer) CountMessagesTokens(messages []*types.Message) int {
	total := 0
	for _, msg := range messages {
		total += t.CountTokens(msg.Content)
		total += t.CountTokens(string(msg.Role))
		total += messageOverheadTokens
	}
	return total
}

// EstimateTokens approximates a token count without an encoding, using the
// rough 4-characters-per-token heuristic. Used when New fails.
func EstimateTokens(text string) int {
	return len(text) / 4
}
