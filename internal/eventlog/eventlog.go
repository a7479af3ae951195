// Package eventlog provides the append-only lifecycle event log. Entries are
// written inside the same transaction as the state change that produced
// them; the observability surface reads nothing else.
package eventlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/swarmhq/swarm/internal/store"
)

// Event kinds.
const (
	AgentJoined         = "agent_joined"
	AgentLeft           = "agent_left"
	AgentStatusChange   = "agent_status_change"
	TaskCreated         = "task_created"
	TaskOffered         = "task_offered"
	TaskAccepted        = "task_accepted"
	TaskRejected        = "task_rejected"
	TaskClaimed         = "task_claimed"
	TaskReleased        = "task_released"
	TaskStatusChange    = "task_status_change"
	TaskProgress        = "task_progress"
	ChannelMessage      = "channel_message"
	ServiceRegistered   = "service_registered"
	ServiceUnregistered = "service_unregistered"
	ServiceStatusChange = "service_status_change"
	ScheduleTriggered   = "schedule_triggered"
	ScheduleDisabled    = "schedule_disabled"
	EpicCreated         = "epic_created"
	EpicStatusChange    = "epic_status_change"
)

// Entry is one event log row.
type Entry struct {
	ID        string        `db:"id" json:"id"`
	EventType string        `db:"event_type" json:"eventType"`
	AgentID   *string       `db:"agent_id" json:"agentId,omitempty"`
	TaskID    *string       `db:"task_id" json:"taskId,omitempty"`
	OldValue  *string       `db:"old_value" json:"oldValue,omitempty"`
	NewValue  *string       `db:"new_value" json:"newValue,omitempty"`
	Metadata  store.JSONMap `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time     `db:"created_at" json:"createdAt"`
}

// Log reads and writes agent_log rows. Methods accept sqlx.ExtContext so
// they run both inside and outside transactions.
type Log struct{}

// New returns a Log.
func New() *Log {
	return &Log{}
}

// Append inserts one entry, minting its id and timestamp.
func (l *Log) Append(ctx context.Context, q sqlx.ExtContext, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO agent_log (id, event_type, agent_id, task_id, old_value, new_value, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.AgentID, e.TaskID, e.OldValue, e.NewValue, e.Metadata, e.CreatedAt)
	return err
}

// List returns the newest entries first, optionally filtered by event type.
func (l *Log) List(ctx context.Context, q sqlx.ExtContext, limit int, eventType string) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []*Entry
	var err error
	if eventType != "" {
		err = sqlx.SelectContext(ctx, q, &entries, `
			SELECT * FROM agent_log WHERE event_type = ?
			ORDER BY created_at DESC LIMIT ?`, eventType, limit)
	} else {
		err = sqlx.SelectContext(ctx, q, &entries, `
			SELECT * FROM agent_log ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return entries, err
}

// ListForTask returns a task's entries in chronological order for the task
// detail view.
func (l *Log) ListForTask(ctx context.Context, q sqlx.ExtContext, taskID string) ([]*Entry, error) {
	var entries []*Entry
	err := sqlx.SelectContext(ctx, q, &entries, `
		SELECT * FROM agent_log WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	return entries, err
}
