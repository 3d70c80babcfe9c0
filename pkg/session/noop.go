package session

import (
	"context"

	"github.com/loomhq/loom/pkg/types"
)

// NoopStore discards everything. Used when transcript persistence is
// disabled.
type NoopStore struct{}

func (s *NoopStore) Create(ctx context.Context, id, task string) error { return nil }

func (s *NoopStore) AppendMessage(ctx context.Context, sessionID string, sequence int, msg *types.Message) error {
	return nil
}

func (s *NoopStore) Finish(ctx context.Context, id string, turns int, reason, finalAnswer string) error {
	return nil
}

func (s *NoopStore) Get(ctx context.Context, id string) (*Record, error) { return nil, nil }

func (s *NoopStore) Transcript(ctx context.Context, sessionID string) ([]*types.Message, error) {
	return nil, nil
}

func (s *NoopStore) Close() error { return nil }
