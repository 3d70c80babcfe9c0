package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/types"
)

func TestCountTokens(t *testing.T) {
	tok, err := New()
	require.NoError(t, err)

	assert.Equal(t, 0, tok.CountTokens(""))
	assert.Positive(t, tok.CountTokens("hello world"))

	short := tok.CountTokens("hi")
	long := tok.CountTokens("a considerably longer sentence with many more words in it")
	assert.Greater(t, long, short)
}

func TestCountMessagesTokensIncludesOverhead(t *testing.T) {
	tok, err := New()
	require.NoError(t, err)

	msgs := []*types.Message{
		types.NewSystemMessage("system"),
		types.NewUserMessage("user text"),
	}
	total := tok.CountMessagesTokens(msgs)
	bare := tok.CountTokens("system") + tok.CountTokens("user text")
	assert.Greater(t, total, bare)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 3, EstimateTokens("twelve chars"))
}
