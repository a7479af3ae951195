package schedule

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

// Store reads and writes scheduled_tasks rows.
type Store struct{}

// NewStore returns a Store.
func NewStore() *Store {
	return &Store{}
}

// Insert creates a schedule row.
func (s *Store) Insert(ctx context.Context, q sqlx.ExtContext, st *ScheduledTask) error {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	if st.Timezone == "" {
		st.Timezone = "UTC"
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.LastUpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, name, description, task_template, task_type, tags, priority,
			target_agent_id, cron_expression, interval_ms, timezone, enabled, last_run_at, next_run_at,
			created_by_agent_id, created_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Name, st.Description, st.TaskTemplate, st.TaskType, st.Tags, st.Priority,
		st.TargetAgentID, st.CronExpression, st.IntervalMs, st.Timezone, st.Enabled, st.LastRunAt, st.NextRunAt,
		st.CreatedByAgentID, st.CreatedAt, st.LastUpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: scheduled_tasks.name") {
		return fmt.Errorf("%w: schedule %q already exists", ErrConflict, st.Name)
	}
	return err
}

// GetByID returns the schedule with the given id.
func (s *Store) GetByID(ctx context.Context, q sqlx.ExtContext, id string) (*ScheduledTask, error) {
	var st ScheduledTask
	err := sqlx.GetContext(ctx, q, &st, `SELECT * FROM scheduled_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// List returns every schedule ordered by name.
func (s *Store) List(ctx context.Context, q sqlx.ExtContext) ([]*ScheduledTask, error) {
	var schedules []*ScheduledTask
	err := sqlx.SelectContext(ctx, q, &schedules, `SELECT * FROM scheduled_tasks ORDER BY name ASC`)
	return schedules, err
}

// Due returns the enabled schedules whose next run is at or before now.
func (s *Store) Due(ctx context.Context, q sqlx.ExtContext, now time.Time) ([]*ScheduledTask, error) {
	var schedules []*ScheduledTask
	err := sqlx.SelectContext(ctx, q, &schedules, `
		SELECT * FROM scheduled_tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, now.UTC())
	return schedules, err
}

// MarkRun records a run and the recomputed next run time.
func (s *Store) MarkRun(ctx context.Context, q sqlx.ExtContext, id string, lastRun time.Time, nextRun *time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE scheduled_tasks SET last_run_at = ?, next_run_at = ?, last_updated_at = ? WHERE id = ?`,
		lastRun.UTC(), nextRun, time.Now().UTC(), id)
	return err
}

// MarkRunKeepNext records a manual run without touching next_run_at.
func (s *Store) MarkRunKeepNext(ctx context.Context, q sqlx.ExtContext, id string, lastRun time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE scheduled_tasks SET last_run_at = ?, last_updated_at = ? WHERE id = ?`,
		lastRun.UTC(), time.Now().UTC(), id)
	return err
}

// SetEnabled flips the enabled flag and sets next_run_at accordingly:
// cleared when disabling, to the supplied value when enabling.
func (s *Store) SetEnabled(ctx context.Context, q sqlx.ExtContext, id string, enabled bool, nextRun *time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE scheduled_tasks SET enabled = ?, next_run_at = ?, last_updated_at = ? WHERE id = ?`,
		enabled, nextRun, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Update applies a partial update of the mutable template fields.
func (s *Store) Update(ctx context.Context, q sqlx.ExtContext, id string, sets map[string]any) error {
	if len(sets) == 0 {
		return nil
	}
	clauses := make([]string, 0, len(sets)+1)
	args := make([]any, 0, len(sets)+2)
	for col, val := range sets {
		clauses = append(clauses, col+" = ?")
		args = append(args, val)
	}
	clauses = append(clauses, "last_updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := q.ExecContext(ctx,
		fmt.Sprintf("UPDATE scheduled_tasks SET %s WHERE id = ?", strings.Join(clauses, ", ")), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a schedule.
func (s *Store) Delete(ctx context.Context, q sqlx.ExtContext, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
