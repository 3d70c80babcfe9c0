package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomhq/loom/pkg/types"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    task TEXT NOT NULL,
    turns INTEGER DEFAULT 0,
    reason TEXT,
    final_answer TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transcript (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    tool_call_id TEXT,
    tool_name TEXT,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript(session_id, sequence);
`

// NewSQLiteStore opens (creating if needed) the transcript database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, id, task string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, task) VALUES (?, ?)`, id, task)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, sequence int, msg *types.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript (session_id, sequence, role, tool_call_id, tool_name, content)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, sequence, string(msg.Role), msg.ToolCallID, msg.ToolName, msg.Content)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Finish(ctx context.Context, id string, turns int, reason, finalAnswer string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET turns = ?, reason = ?, final_answer = ?, completed_at = ? WHERE id = ?`,
		turns, reason, finalAnswer, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task, turns, COALESCE(reason, ''), COALESCE(final_answer, ''),
		        created_at, COALESCE(completed_at, created_at)
		 FROM sessions WHERE id = ?`, id)

	var rec Record
	err := row.Scan(&rec.ID, &rec.Task, &rec.Turns, &rec.Reason, &rec.FinalAnswer,
		&rec.CreatedAt, &rec.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Transcript(ctx context.Context, sessionID string) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, COALESCE(tool_call_id, ''), COALESCE(tool_name, ''), content
		 FROM transcript WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		var role, callID, toolName, content string
		if err := rows.Scan(&role, &callID, &toolName, &content); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		messages = append(messages, &types.Message{
			Role:       types.MessageRole(role),
			Content:    content,
			ToolCallID: callID,
			ToolName:   toolName,
		})
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
