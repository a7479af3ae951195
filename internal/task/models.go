// Package task implements the task engine: the task entity, its state
// machine, dependency gating, the offer/claim protocol, capacity-aware
// assignment, and the follow-up pathway that reports worker outcomes to the
// lead.
package task

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/swarmhq/swarm/internal/store"
)

// Sentinel errors returned by the engine.
var (
	ErrNotFound     = errors.New("task not found")
	ErrConflict     = errors.New("task conflict")
	ErrUnauthorized = errors.New("not authorized")
	ErrInvalid      = errors.New("invalid task input")
	ErrCapacity     = errors.New("agent is at capacity")
	ErrBlocked      = errors.New("task has unmet dependencies")
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusUnassigned Status = "unassigned"
	StatusOffered    Status = "offered"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusReviewing  Status = "reviewing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusUnassigned, StatusOffered, StatusPending,
		StatusInProgress, StatusPaused, StatusReviewing,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final. Terminal tasks are sticky:
// finished_at is set once and the row never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status occupies agent capacity.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Source records where a task came from.
type Source string

const (
	SourceMCP    Source = "mcp"
	SourceSlack  Source = "slack"
	SourceAPI    Source = "api"
	SourceSystem Source = "system"
)

// ExternalContext carries the external-chat origin of a task so worker
// output can be routed back to the right thread. Stored as a JSON column.
type ExternalContext struct {
	ChannelID string `json:"channelId,omitempty"`
	ThreadRef string `json:"threadRef,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Repo      string `json:"repo,omitempty"`
}

// Empty reports whether no context is set.
func (e ExternalContext) Empty() bool {
	return e == ExternalContext{}
}

// Value implements driver.Valuer.
func (e ExternalContext) Value() (driver.Value, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (e *ExternalContext) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*e = ExternalContext{}
		return nil
	case string:
		if v == "" {
			*e = ExternalContext{}
			return nil
		}
		return json.Unmarshal([]byte(v), e)
	case []byte:
		if len(v) == 0 {
			*e = ExternalContext{}
			return nil
		}
		return json.Unmarshal(v, e)
	default:
		return fmt.Errorf("cannot scan %T into ExternalContext", src)
	}
}

// Task is one unit of work tracked by the engine.
type Task struct {
	ID              string            `db:"id" json:"id"`
	Task            string            `db:"task" json:"task"`
	Status          Status            `db:"status" json:"status"`
	Source          Source            `db:"source" json:"source"`
	AgentID         *string           `db:"agent_id" json:"agentId,omitempty"`
	CreatorAgentID  *string           `db:"creator_agent_id" json:"creatorAgentId,omitempty"`
	OfferedTo       *string           `db:"offered_to" json:"offeredTo,omitempty"`
	OfferedAt       *time.Time        `db:"offered_at" json:"offeredAt,omitempty"`
	AcceptedAt      *time.Time        `db:"accepted_at" json:"acceptedAt,omitempty"`
	RejectionReason *string           `db:"rejection_reason" json:"rejectionReason,omitempty"`
	TaskType        *string           `db:"task_type" json:"taskType,omitempty"`
	Tags            store.StringSlice `db:"tags" json:"tags"`
	Priority        int               `db:"priority" json:"priority"`
	DependsOn       store.StringSlice `db:"depends_on" json:"dependsOn"`
	ParentTaskID    *string           `db:"parent_task_id" json:"parentTaskId,omitempty"`
	EpicID          *string           `db:"epic_id" json:"epicId,omitempty"`
	ExternalContext ExternalContext   `db:"external_context" json:"externalContext,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"createdAt"`
	LastUpdatedAt   time.Time         `db:"last_updated_at" json:"lastUpdatedAt"`
	FinishedAt      *time.Time        `db:"finished_at" json:"finishedAt,omitempty"`
	Output          *string           `db:"output" json:"output,omitempty"`
	FailureReason   *string           `db:"failure_reason" json:"failureReason,omitempty"`
	Progress        *string           `db:"progress" json:"progress,omitempty"`
}

// ShortID returns the first 8 characters of the task id, used for compact
// UI linkbacks.
func (t *Task) ShortID() string {
	if len(t.ID) <= 8 {
		return t.ID
	}
	return t.ID[:8]
}

// DependencyCheck is the result of resolving a task's dependsOn edges.
type DependencyCheck struct {
	Ready     bool     `json:"ready"`
	BlockedBy []string `json:"blockedBy,omitempty"`
}
