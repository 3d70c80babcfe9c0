package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomhq/loom/pkg/gateway"
	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/llm/tokenizer"
	"github.com/loomhq/loom/pkg/types"
)

const summarizationPrompt = `Summarize the following conversation excerpt from a coding session.
Preserve: decisions made, files touched, commands run and their outcomes, and any unresolved problems.
Be concise; the summary replaces the excerpt in the conversation history.`

// ContextWindow owns one session's conversation history and its token
// accounting. The pinned prefix (system prompt and the initial task message)
// is never compacted away.
type ContextWindow struct {
	messages  []*types.Message
	pinned    int // count of leading messages exempt from compaction
	tokenizer *tokenizer.Tokenizer
	maxTokens int
	threshold float64 // usage percent that triggers compaction
}

// NewContextWindow creates a window seeded with pinned messages.
// thresholdPercent is the usage percentage (0-100) that triggers compaction.
func NewContextWindow(pinned []*types.Message, maxTokens int, thresholdPercent float64) (*ContextWindow, error) {
	tok, err := tokenizer.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer: %w", err)
	}
	if thresholdPercent <= 0 || thresholdPercent > 100 {
		thresholdPercent = 80
	}

	w := &ContextWindow{
		tokenizer: tok,
		maxTokens: maxTokens,
		threshold: thresholdPercent,
		pinned:    len(pinned),
	}
	w.messages = append(w.messages, pinned...)
	return w, nil
}

// Append adds a message to the history.
func (w *ContextWindow) Append(msg *types.Message) {
	w.messages = append(w.messages, msg)
}

// Messages returns the current history. Callers must not mutate it.
func (w *ContextWindow) Messages() []*types.Message {
	return w.messages
}

// TokenCount returns the estimated token footprint of the history.
func (w *ContextWindow) TokenCount() int {
	return w.tokenizer.CountMessagesTokens(w.messages)
}

// NeedsCompaction reports whether usage has crossed the threshold.
func (w *ContextWindow) NeedsCompaction() bool {
	if w.maxTokens <= 0 {
		return false
	}
	usage := float64(w.TokenCount()) / float64(w.maxTokens) * 100
	return usage >= w.threshold
}

// Compact summarizes the oldest non-pinned half of the history through the
// gateway and splices the summary in its place. Runs only between turns,
// never concurrently with an in-flight request.
func (w *ContextWindow) Compact(ctx context.Context, gw *gateway.Gateway) error {
	compactable := len(w.messages) - w.pinned
	if compactable < 4 {
		return nil // too little history to be worth a summarization call
	}

	// Summarize the older half, keeping recent turns verbatim.
	cut := w.pinned + compactable/2
	victims := w.messages[w.pinned:cut]

	var b strings.Builder
	for _, m := range victims {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}

	req := &llm.Request{
		Messages: []*types.Message{
			types.NewSystemMessage(summarizationPrompt),
			types.NewUserMessage(b.String()),
		},
	}
	summary, err := gw.CompleteMessage(ctx, req)
	if err != nil {
		return fmt.Errorf("compaction summarization failed: %w", err)
	}

	replacement := types.NewUserMessage(
		"[Earlier conversation summarized]\n" + summary.Content)

	compacted := make([]*types.Message, 0, w.pinned+1+len(w.messages)-cut)
	compacted = append(compacted, w.messages[:w.pinned]...)
	compacted = append(compacted, replacement)
	compacted = append(compacted, w.messages[cut:]...)
	w.messages = compacted
	return nil
}
