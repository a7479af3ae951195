// Package schedule implements scheduled tasks: persistent templates that
// materialize tasks on a cron or interval cadence, plus the timer loop that
// drives them.
package schedule

import (
	"errors"
	"time"

	"github.com/swarmhq/swarm/internal/store"
)

// Sentinel errors returned by the scheduler.
var (
	ErrNotFound     = errors.New("schedule not found")
	ErrConflict     = errors.New("schedule conflict")
	ErrUnauthorized = errors.New("not authorized")
	ErrInvalid      = errors.New("invalid schedule input")
)

// ScheduledTask is one recurring task template. Exactly one of
// CronExpression or IntervalMs is set.
type ScheduledTask struct {
	ID               string            `db:"id" json:"id"`
	Name             string            `db:"name" json:"name"`
	Description      string            `db:"description" json:"description,omitempty"`
	TaskTemplate     string            `db:"task_template" json:"taskTemplate"`
	TaskType         *string           `db:"task_type" json:"taskType,omitempty"`
	Tags             store.StringSlice `db:"tags" json:"tags"`
	Priority         int               `db:"priority" json:"priority"`
	TargetAgentID    *string           `db:"target_agent_id" json:"targetAgentId,omitempty"`
	CronExpression   *string           `db:"cron_expression" json:"cronExpression,omitempty"`
	IntervalMs       *int64            `db:"interval_ms" json:"intervalMs,omitempty"`
	Timezone         string            `db:"timezone" json:"timezone"`
	Enabled          bool              `db:"enabled" json:"enabled"`
	LastRunAt        *time.Time        `db:"last_run_at" json:"lastRunAt,omitempty"`
	NextRunAt        *time.Time        `db:"next_run_at" json:"nextRunAt,omitempty"`
	CreatedByAgentID *string           `db:"created_by_agent_id" json:"createdByAgentId,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"createdAt"`
	LastUpdatedAt    time.Time         `db:"last_updated_at" json:"lastUpdatedAt"`
}
