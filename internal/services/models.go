// Package services implements the service registry: long-running processes
// agents report about themselves, with health status.
package services

import (
	"errors"
	"time"

	"github.com/swarmhq/swarm/internal/store"
)

// Sentinel errors returned by the registry.
var (
	ErrNotFound     = errors.New("service not found")
	ErrUnauthorized = errors.New("not authorized")
	ErrInvalid      = errors.New("invalid service input")
)

// Status is a service's health state.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusStopped   Status = "stopped"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusHealthy, StatusUnhealthy, StatusStopped:
		return true
	}
	return false
}

// Service is one self-reported long-running process, unique per
// (agentId, name). AgentName is denormalized on reads.
type Service struct {
	ID              string            `db:"id" json:"id"`
	AgentID         string            `db:"agent_id" json:"agentId"`
	AgentName       string            `db:"agent_name" json:"agentName,omitempty"`
	Name            string            `db:"name" json:"name"`
	Port            int               `db:"port" json:"port"`
	URL             string            `db:"url" json:"url,omitempty"`
	HealthCheckPath string            `db:"health_check_path" json:"healthCheckPath"`
	Status          Status            `db:"status" json:"status"`
	Script          string            `db:"script" json:"script,omitempty"`
	Cwd             string            `db:"cwd" json:"cwd,omitempty"`
	Interpreter     string            `db:"interpreter" json:"interpreter,omitempty"`
	Args            store.StringSlice `db:"args" json:"args,omitempty"`
	Env             store.JSONMap     `db:"env" json:"env,omitempty"`
	Metadata        store.JSONMap     `db:"metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"createdAt"`
	LastUpdatedAt   time.Time         `db:"last_updated_at" json:"lastUpdatedAt"`
}
