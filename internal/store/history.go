package store

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/council/internal/llm"
)

// AppendMessage adds one turn to a conversation thread.
func (s *Store) AppendMessage(ctx context.Context, threadID, role, content string) (string, error) {
	if threadID == "" {
		return "", fmt.Errorf("thread_id is required")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO thread_messages (thread_id, role, content) VALUES ($1,$2,$3) RETURNING id`, threadID, role, content).Scan(&id)
	return id, err
}

// GetRecent returns up to limit of the newest turns of a thread, oldest first.
func (s *Store) GetRecent(ctx context.Context, threadID string, limit int) ([]llm.Message, error) {
	if threadID == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT role, content FROM (
  SELECT role, content, created_at, id FROM thread_messages
  WHERE thread_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
) recent ORDER BY created_at ASC, id ASC`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []llm.Message
	for rows.Next() {
		var m llm.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
