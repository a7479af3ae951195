// Package agent implements the agent registry: identity, role,
// capabilities, status, and capacity for every member of the swarm.
package agent

import (
	"errors"
	"time"

	"github.com/swarmhq/swarm/internal/store"
)

// Sentinel errors returned by the registry.
var (
	ErrNotFound   = errors.New("agent not found")
	ErrConflict   = errors.New("agent conflict")
	ErrLeadExists = errors.New("a lead agent already exists")
	ErrInvalid    = errors.New("invalid agent input")
)

// Status is an agent's availability state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Agent is one member of the swarm, worker or lead.
type Agent struct {
	ID            string            `db:"id" json:"id"`
	Name          string            `db:"name" json:"name"`
	IsLead        bool              `db:"is_lead" json:"isLead"`
	Status        Status            `db:"status" json:"status"`
	Role          string            `db:"role" json:"role,omitempty"`
	Description   string            `db:"description" json:"description,omitempty"`
	Capabilities  store.StringSlice `db:"capabilities" json:"capabilities"`
	MaxTasks      int               `db:"max_tasks" json:"maxTasks"`
	CreatedAt     time.Time         `db:"created_at" json:"createdAt"`
	LastUpdatedAt time.Time         `db:"last_updated_at" json:"lastUpdatedAt"`
}
