package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store reads and writes channel, message, and read-state rows.
type Store struct{}

// NewStore returns a Store.
func NewStore() *Store {
	return &Store{}
}

const messageSelect = `
	SELECT m.id, m.channel_id, m.agent_id, COALESCE(a.name, 'Human') AS agent_name,
	       m.content, m.reply_to_id, m.mentions, m.created_at
	FROM channel_messages m
	LEFT JOIN agents a ON a.id = m.agent_id`

// InsertChannel creates a channel row.
func (s *Store) InsertChannel(ctx context.Context, q sqlx.ExtContext, c *Channel) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Type == "" {
		c.Type = TypePublic
	}
	c.CreatedAt = time.Now().UTC()

	_, err := q.ExecContext(ctx, `
		INSERT INTO channels (id, name, description, type, created_by, participants, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, c.Type, c.CreatedBy, c.Participants, c.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: channels.name") {
		return fmt.Errorf("%w: channel %q already exists", ErrConflict, c.Name)
	}
	return err
}

// GetChannel returns the channel with the given id.
func (s *Store) GetChannel(ctx context.Context, q sqlx.ExtContext, id string) (*Channel, error) {
	var c Channel
	err := sqlx.GetContext(ctx, q, &c, `SELECT * FROM channels WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChannelByName returns the channel with the given name.
func (s *Store) GetChannelByName(ctx context.Context, q sqlx.ExtContext, name string) (*Channel, error) {
	var c Channel
	err := sqlx.GetContext(ctx, q, &c, `SELECT * FROM channels WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChannels returns every channel ordered by name.
func (s *Store) ListChannels(ctx context.Context, q sqlx.ExtContext) ([]*Channel, error) {
	var channels []*Channel
	err := sqlx.SelectContext(ctx, q, &channels, `SELECT * FROM channels ORDER BY name ASC`)
	return channels, err
}

// InsertMessage creates a message row.
func (s *Store) InsertMessage(ctx context.Context, q sqlx.ExtContext, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()

	_, err := q.ExecContext(ctx, `
		INSERT INTO channel_messages (id, channel_id, agent_id, content, reply_to_id, mentions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, m.AgentID, m.Content, m.ReplyToID, m.Mentions, m.CreatedAt)
	return err
}

// UpdateMessageContent rewrites a message body in place, used by the /task
// promoter to append task linkbacks.
func (s *Store) UpdateMessageContent(ctx context.Context, q sqlx.ExtContext, id, content string) error {
	_, err := q.ExecContext(ctx, `UPDATE channel_messages SET content = ? WHERE id = ?`, content, id)
	return err
}

// GetMessage returns one message with the author name resolved.
func (s *Store) GetMessage(ctx context.Context, q sqlx.ExtContext, id string) (*Message, error) {
	var m Message
	err := sqlx.GetContext(ctx, q, &m, messageSelect+` WHERE m.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a channel's messages, newest last, bounded by limit
// and the optional since/before cursors.
func (s *Store) ListMessages(ctx context.Context, q sqlx.ExtContext, channelID string, limit int, since, before *time.Time) ([]*Message, error) {
	where := []string{"m.channel_id = ?"}
	args := []any{channelID}
	if since != nil {
		where = append(where, "m.created_at > ?")
		args = append(args, since.UTC())
	}
	if before != nil {
		where = append(where, "m.created_at < ?")
		args = append(args, before.UTC())
	}
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	// Newest N first, then flipped to chronological order.
	query := fmt.Sprintf(`SELECT * FROM (%s WHERE %s ORDER BY m.created_at DESC LIMIT ?) ORDER BY created_at ASC`,
		messageSelect, strings.Join(where, " AND "))

	var messages []*Message
	err := sqlx.SelectContext(ctx, q, &messages, query, args...)
	return messages, err
}

// ListThread returns a parent message and its replies in order.
func (s *Store) ListThread(ctx context.Context, q sqlx.ExtContext, channelID, parentID string) ([]*Message, error) {
	var messages []*Message
	err := sqlx.SelectContext(ctx, q, &messages, messageSelect+`
		WHERE m.channel_id = ? AND (m.id = ? OR m.reply_to_id = ?)
		ORDER BY m.created_at ASC`, channelID, parentID, parentID)
	return messages, err
}

// UpsertReadState marks a channel read now for an agent.
func (s *Store) UpsertReadState(ctx context.Context, q sqlx.ExtContext, agentID, channelID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO channel_read_state (agent_id, channel_id, last_read_at)
		VALUES (?, ?, ?)
		ON CONFLICT (agent_id, channel_id) DO UPDATE SET last_read_at = excluded.last_read_at`,
		agentID, channelID, time.Now().UTC())
	return err
}

// GetReadState returns an agent's read state for a channel, or nil when the
// agent has never read it.
func (s *Store) GetReadState(ctx context.Context, q sqlx.ExtContext, agentID, channelID string) (*ReadState, error) {
	var rs ReadState
	err := sqlx.GetContext(ctx, q, &rs, `
		SELECT * FROM channel_read_state WHERE agent_id = ? AND channel_id = ?`, agentID, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// UnreadMessages returns a channel's messages newer than the agent's read
// mark. With no read mark every message is unread. The agent's own posts
// are excluded.
func (s *Store) UnreadMessages(ctx context.Context, q sqlx.ExtContext, agentID, channelID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var messages []*Message
	err := sqlx.SelectContext(ctx, q, &messages, fmt.Sprintf(`
		SELECT * FROM (%s
			WHERE m.channel_id = ?
			AND (m.agent_id IS NULL OR m.agent_id != ?)
			AND m.created_at > COALESCE(
				(SELECT last_read_at FROM channel_read_state WHERE agent_id = ? AND channel_id = ?),
				'0001-01-01')
			ORDER BY m.created_at DESC LIMIT ?)
		ORDER BY created_at ASC`, messageSelect),
		channelID, agentID, agentID, channelID, limit)
	return messages, err
}

// CountUnread returns the number of unread messages across all channels,
// excluding the agent's own posts.
func (s *Store) CountUnread(ctx context.Context, q sqlx.ExtContext, agentID string) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, q, &count, `
		SELECT COUNT(*) FROM channel_messages m
		WHERE (m.agent_id IS NULL OR m.agent_id != ?)
		AND m.created_at > COALESCE(
			(SELECT last_read_at FROM channel_read_state rs
			 WHERE rs.agent_id = ? AND rs.channel_id = m.channel_id),
			'0001-01-01')`, agentID, agentID)
	return count, err
}

// CountUnreadMentions returns the number of unread messages mentioning the
// agent across all channels.
func (s *Store) CountUnreadMentions(ctx context.Context, q sqlx.ExtContext, agentID string) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, q, &count, `
		SELECT COUNT(*) FROM channel_messages m
		WHERE m.mentions LIKE ?
		AND m.created_at > COALESCE(
			(SELECT last_read_at FROM channel_read_state rs
			 WHERE rs.agent_id = ? AND rs.channel_id = m.channel_id),
			'0001-01-01')`,
		`%"`+agentID+`"%`, agentID)
	return count, err
}

// MentionsForAgent returns messages mentioning the agent, newest first.
// unreadOnly restricts to messages past the read mark.
func (s *Store) MentionsForAgent(ctx context.Context, q sqlx.ExtContext, agentID, channelID string, unreadOnly bool, limit int) ([]*Message, error) {
	where := []string{`m.mentions LIKE ?`}
	args := []any{`%"` + agentID + `"%`}

	if channelID != "" {
		where = append(where, "m.channel_id = ?")
		args = append(args, channelID)
	}
	if unreadOnly {
		where = append(where, `m.created_at > COALESCE(
			(SELECT last_read_at FROM channel_read_state rs
			 WHERE rs.agent_id = ? AND rs.channel_id = m.channel_id),
			'0001-01-01')`)
		args = append(args, agentID)
	}
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	var messages []*Message
	query := fmt.Sprintf(`%s WHERE %s ORDER BY m.created_at DESC LIMIT ?`,
		messageSelect, strings.Join(where, " AND "))
	err := sqlx.SelectContext(ctx, q, &messages, query, args...)
	return messages, err
}
