package inbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store reads and writes inbox_messages rows.
type Store struct{}

// NewStore returns a Store.
func NewStore() *Store {
	return &Store{}
}

// Insert creates an inbox message row.
func (s *Store) Insert(ctx context.Context, q sqlx.ExtContext, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()

	_, err := q.ExecContext(ctx, `
		INSERT INTO inbox_messages (id, agent_id, content, slack_channel_id, slack_thread_ts, slack_user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentID, m.Content, m.SlackChannelID, m.SlackThreadTs, m.SlackUserID, m.CreatedAt)
	return err
}

// GetByID returns the inbox message with the given id.
func (s *Store) GetByID(ctx context.Context, q sqlx.ExtContext, id string) (*Message, error) {
	var m Message
	err := sqlx.GetContext(ctx, q, &m, `SELECT * FROM inbox_messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// List returns an agent's inbox messages, newest first.
func (s *Store) List(ctx context.Context, q sqlx.ExtContext, agentID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var messages []*Message
	err := sqlx.SelectContext(ctx, q, &messages, `
		SELECT * FROM inbox_messages WHERE agent_id = ?
		ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	return messages, err
}

// MarkDelegated records the task a message was delegated into. The
// conditional update makes delegation one-shot: zero rows means the message
// was already delegated.
func (s *Store) MarkDelegated(ctx context.Context, q sqlx.ExtContext, id, taskID string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE inbox_messages SET delegated_task_id = ?
		WHERE id = ? AND delegated_task_id IS NULL`, taskID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
