// Package channel implements the chat channel hub: channels, messages,
// threading, mentions, read state, and the /task message-to-task promoter.
package channel

import (
	"errors"
	"time"

	"github.com/swarmhq/swarm/internal/store"
)

// Sentinel errors returned by the hub.
var (
	ErrNotFound = errors.New("channel not found")
	ErrConflict = errors.New("channel conflict")
	ErrInvalid  = errors.New("invalid channel input")
)

// Type distinguishes public channels from direct-message channels.
type Type string

const (
	TypePublic Type = "public"
	TypeDM     Type = "dm"
)

// Channel is one chat channel.
type Channel struct {
	ID           string            `db:"id" json:"id"`
	Name         string            `db:"name" json:"name"`
	Description  string            `db:"description" json:"description,omitempty"`
	Type         Type              `db:"type" json:"type"`
	CreatedBy    *string           `db:"created_by" json:"createdBy,omitempty"`
	Participants store.StringSlice `db:"participants" json:"participants,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"createdAt"`
}

// Message is one channel message. A nil AgentID means the author is the
// human dashboard user. AgentName is denormalized on reads.
type Message struct {
	ID        string            `db:"id" json:"id"`
	ChannelID string            `db:"channel_id" json:"channelId"`
	AgentID   *string           `db:"agent_id" json:"agentId,omitempty"`
	AgentName string            `db:"agent_name" json:"agentName"`
	Content   string            `db:"content" json:"content"`
	ReplyToID *string           `db:"reply_to_id" json:"replyToId,omitempty"`
	Mentions  store.StringSlice `db:"mentions" json:"mentions"`
	CreatedAt time.Time         `db:"created_at" json:"createdAt"`
}

// ReadState records how far an agent has read a channel.
type ReadState struct {
	AgentID    string    `db:"agent_id" json:"agentId"`
	ChannelID  string    `db:"channel_id" json:"channelId"`
	LastReadAt time.Time `db:"last_read_at" json:"lastReadAt"`
}

// PostResult is the outcome of PostMessage, including any tasks the /task
// prefix promoted out of the message.
type PostResult struct {
	Message        *Message `json:"message"`
	CreatedTaskIDs []string `json:"createdTaskIds,omitempty"`
}
