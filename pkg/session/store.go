// Package session persists agent session transcripts: the task, every
// conversation message in order, and the structured termination outcome.
// Persistence is observability only; sessions run fine on the no-op store.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loomhq/loom/pkg/types"
)

// Record describes one stored session.
type Record struct {
	ID          string
	Task        string
	Turns       int
	Reason      string
	FinalAnswer string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Store is the interface for session transcript persistence.
type Store interface {
	// Create registers a new session before its first turn.
	Create(ctx context.Context, id, task string) error

	// AppendMessage stores one transcript message. Sequence numbers are
	// assigned by the caller and strictly increase within a session.
	AppendMessage(ctx context.Context, sessionID string, sequence int, msg *types.Message) error

	// Finish records the terminal outcome of a session.
	Finish(ctx context.Context, id string, turns int, reason, finalAnswer string) error

	// Get returns a stored session record.
	Get(ctx context.Context, id string) (*Record, error)

	// Transcript returns the session's messages in sequence order.
	Transcript(ctx context.Context, sessionID string) ([]*types.Message, error)

	// Close releases store resources.
	Close() error
}

// Config holds transcript storage configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // database file; empty uses the default location
}

// DefaultDBPath returns the default database location under the user's home.
func DefaultDBPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".loom", "sessions.db"), nil
}

// NewStore creates a Store based on the configuration. Disabled persistence
// returns a no-op store.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &NoopStore{}, nil
	}
	path := cfg.Path
	if path == "" {
		var err error
		path, err = DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return NewSQLiteStore(path)
}
