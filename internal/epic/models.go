// Package epic implements epics: named bodies of work that own tasks by
// back-reference and report derived progress.
package epic

import (
	"errors"
	"time"

	"github.com/swarmhq/swarm/internal/store"
)

// Sentinel errors returned by the epic service.
var (
	ErrNotFound     = errors.New("epic not found")
	ErrConflict     = errors.New("epic conflict")
	ErrUnauthorized = errors.New("not authorized")
	ErrInvalid      = errors.New("invalid epic input")
)

// Status is an epic's lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Epic is one named body of work.
type Epic struct {
	ID               string            `db:"id" json:"id"`
	Name             string            `db:"name" json:"name"`
	Goal             string            `db:"goal" json:"goal"`
	Description      string            `db:"description" json:"description,omitempty"`
	PRD              string            `db:"prd" json:"prd,omitempty"`
	Plan             string            `db:"plan" json:"plan,omitempty"`
	Status           Status            `db:"status" json:"status"`
	Priority         int               `db:"priority" json:"priority"`
	Tags             store.StringSlice `db:"tags" json:"tags"`
	LeadAgentID      *string           `db:"lead_agent_id" json:"leadAgentId,omitempty"`
	CreatedByAgentID *string           `db:"created_by_agent_id" json:"createdByAgentId,omitempty"`
	ChannelID        *string           `db:"channel_id" json:"channelId,omitempty"`
	ExternalRefs     store.JSONMap     `db:"external_refs" json:"externalRefs,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"createdAt"`
	StartedAt        *time.Time        `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt      *time.Time        `db:"completed_at" json:"completedAt,omitempty"`
}

// Progress is the derived count of an epic's tasks by status bucket.
type Progress struct {
	Total      int `json:"total"`
	Backlog    int `json:"backlog"`
	Open       int `json:"open"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
