// Package inbox implements the lead's queue of externally-originated
// messages and the delegation operation that turns one into a task.
package inbox

import (
	"errors"
	"time"
)

// Sentinel errors returned by the inbox.
var (
	ErrNotFound     = errors.New("inbox message not found")
	ErrConflict     = errors.New("inbox conflict")
	ErrUnauthorized = errors.New("not authorized")
	ErrInvalid      = errors.New("invalid inbox input")
)

// Message is one externally-originated message addressed to the lead. The
// slack fields carry the original thread so worker replies can be routed
// back.
type Message struct {
	ID              string     `db:"id" json:"id"`
	AgentID         string     `db:"agent_id" json:"agentId"`
	Content         string     `db:"content" json:"content"`
	SlackChannelID  *string    `db:"slack_channel_id" json:"slackChannelId,omitempty"`
	SlackThreadTs   *string    `db:"slack_thread_ts" json:"slackThreadTs,omitempty"`
	SlackUserID     *string    `db:"slack_user_id" json:"slackUserId,omitempty"`
	DelegatedTaskID *string    `db:"delegated_task_id" json:"delegatedTaskId,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
}

// Summary aggregates everything an agent's tray widget needs in one read.
type Summary struct {
	UnreadMessages  int              `json:"unreadMessages"`
	UnreadMentions  int              `json:"unreadMentions"`
	OfferedTasks    int              `json:"offeredTasks"`
	PoolTasks       int              `json:"poolTasks"`
	InProgressTasks int              `json:"inProgressTasks"`
	RecentMentions  []MentionPreview `json:"recentMentions,omitempty"`
}

// MentionPreview is one recent unread @-mention.
type MentionPreview struct {
	ChannelName string    `json:"channelName"`
	AuthorName  string    `json:"authorName"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}
