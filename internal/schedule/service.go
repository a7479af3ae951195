package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/store"
	"github.com/swarmhq/swarm/internal/task"
)

// Service implements schedule operations and the per-tick materialization.
type Service struct {
	db     *store.DB
	store  *Store
	tasks  *task.Service
	agents *agent.Service
	events *eventlog.Publisher
	log    *logger.Logger
	cron   *gronx.Gronx
}

// NewService creates a Service.
func NewService(db *store.DB, st *Store, tasks *task.Service, agents *agent.Service, events *eventlog.Publisher, log *logger.Logger) *Service {
	return &Service{
		db:     db,
		store:  st,
		tasks:  tasks,
		agents: agents,
		events: events,
		log:    log,
		cron:   gronx.New(),
	}
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Name             string
	Description      string
	TaskTemplate     string
	TaskType         string
	Tags             []string
	Priority         *int
	TargetAgentID    string
	CronExpression   string
	IntervalMs       int64
	Timezone         string
	Enabled          *bool
	CreatedByAgentID string
}

// Create creates a schedule. Exactly one of cronExpression or intervalMs
// must be set; cron expressions are validated up front.
func (s *Service) Create(ctx context.Context, p CreateParams) (*ScheduledTask, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(p.TaskTemplate) == "" {
		return nil, fmt.Errorf("%w: taskTemplate is required", ErrInvalid)
	}
	if (p.CronExpression == "") == (p.IntervalMs == 0) {
		return nil, fmt.Errorf("%w: exactly one of cronExpression or intervalMs is required", ErrInvalid)
	}
	if p.CronExpression != "" && !s.cron.IsValid(p.CronExpression) {
		return nil, fmt.Errorf("%w: malformed cron expression %q", ErrInvalid, p.CronExpression)
	}
	if p.IntervalMs < 0 {
		return nil, fmt.Errorf("%w: intervalMs must be positive", ErrInvalid)
	}

	priority := 50
	if p.Priority != nil {
		priority = *p.Priority
		if priority < 0 || priority > 100 {
			return nil, fmt.Errorf("%w: priority must be between 0 and 100", ErrInvalid)
		}
	}

	st := &ScheduledTask{
		Name:         strings.TrimSpace(p.Name),
		Description:  p.Description,
		TaskTemplate: p.TaskTemplate,
		Tags:         p.Tags,
		Priority:     priority,
		Timezone:     p.Timezone,
		Enabled:      true,
	}
	if p.Enabled != nil {
		st.Enabled = *p.Enabled
	}
	if p.TaskType != "" {
		st.TaskType = &p.TaskType
	}
	if p.TargetAgentID != "" {
		st.TargetAgentID = &p.TargetAgentID
	}
	if p.CronExpression != "" {
		st.CronExpression = &p.CronExpression
	}
	if p.IntervalMs > 0 {
		st.IntervalMs = &p.IntervalMs
	}
	if p.CreatedByAgentID != "" {
		st.CreatedByAgentID = &p.CreatedByAgentID
	}

	if st.Enabled {
		next, err := s.nextRun(st, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		st.NextRunAt = next
	}

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if st.TargetAgentID != nil {
			if _, err := s.agents.Store().GetByID(ctx, tx, *st.TargetAgentID); err != nil {
				return fmt.Errorf("target agent: %w", err)
			}
		}
		return s.store.Insert(ctx, tx, st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Get returns a schedule by id.
func (s *Service) Get(ctx context.Context, id string) (*ScheduledTask, error) {
	return s.store.GetByID(ctx, s.db.DB(), id)
}

// List returns every schedule.
func (s *Service) List(ctx context.Context) ([]*ScheduledTask, error) {
	return s.store.List(ctx, s.db.DB())
}

// UpdateParams are the optional fields Update may change.
type UpdateParams struct {
	Description    *string
	TaskTemplate   *string
	TaskType       *string
	Tags           []string
	Priority       *int
	TargetAgentID  *string
	CronExpression *string
	IntervalMs     *int64
	Timezone       *string
	Enabled        *bool
}

// Update partially updates a schedule. Only the creator or a lead may
// update. Disabling clears next_run_at; enabling or changing the cadence
// recomputes it from now.
func (s *Service) Update(ctx context.Context, id, callerID string, p UpdateParams) (*ScheduledTask, error) {
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		st, err := s.store.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, tx, st, callerID); err != nil {
			return err
		}

		if p.CronExpression != nil && *p.CronExpression != "" && !s.cron.IsValid(*p.CronExpression) {
			return fmt.Errorf("%w: malformed cron expression %q", ErrInvalid, *p.CronExpression)
		}

		sets := map[string]any{}
		if p.Description != nil {
			sets["description"] = *p.Description
		}
		if p.TaskTemplate != nil {
			if strings.TrimSpace(*p.TaskTemplate) == "" {
				return fmt.Errorf("%w: taskTemplate cannot be empty", ErrInvalid)
			}
			sets["task_template"] = *p.TaskTemplate
		}
		if p.TaskType != nil {
			sets["task_type"] = *p.TaskType
		}
		if p.Tags != nil {
			sets["tags"] = store.StringSlice(p.Tags)
		}
		if p.Priority != nil {
			if *p.Priority < 0 || *p.Priority > 100 {
				return fmt.Errorf("%w: priority must be between 0 and 100", ErrInvalid)
			}
			sets["priority"] = *p.Priority
		}
		if p.TargetAgentID != nil {
			if *p.TargetAgentID != "" {
				if _, err := s.agents.Store().GetByID(ctx, tx, *p.TargetAgentID); err != nil {
					return fmt.Errorf("target agent: %w", err)
				}
			}
			sets["target_agent_id"] = nullable(*p.TargetAgentID)
		}

		cadenceChanged := false
		if p.CronExpression != nil {
			sets["cron_expression"] = nullable(*p.CronExpression)
			st.CronExpression = ptrOrNil(*p.CronExpression)
			cadenceChanged = true
		}
		if p.IntervalMs != nil {
			if *p.IntervalMs > 0 {
				sets["interval_ms"] = *p.IntervalMs
				st.IntervalMs = p.IntervalMs
			} else {
				sets["interval_ms"] = nil
				st.IntervalMs = nil
			}
			cadenceChanged = true
		}
		if p.Timezone != nil {
			tz := *p.Timezone
			if tz == "" {
				tz = "UTC"
			}
			sets["timezone"] = tz
			st.Timezone = tz
			cadenceChanged = true
		}

		if (st.CronExpression == nil) == (st.IntervalMs == nil) {
			return fmt.Errorf("%w: exactly one of cronExpression or intervalMs is required", ErrInvalid)
		}

		if len(sets) > 0 {
			if err := s.store.Update(ctx, tx, id, sets); err != nil {
				return err
			}
		}

		enabled := st.Enabled
		if p.Enabled != nil {
			enabled = *p.Enabled
		}
		switch {
		case !enabled:
			return s.store.SetEnabled(ctx, tx, id, false, nil)
		case p.Enabled != nil && !st.Enabled, cadenceChanged && enabled:
			next, err := s.nextRun(st, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			return s.store.SetEnabled(ctx, tx, id, true, next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes a schedule. Only the creator or a lead may delete.
func (s *Service) Delete(ctx context.Context, id, callerID string) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		st, err := s.store.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, tx, st, callerID); err != nil {
			return err
		}
		return s.store.Delete(ctx, tx, id)
	})
}

// RunNow materializes a schedule immediately, recording last_run_at but
// leaving next_run_at untouched. Only the creator or a lead may run it.
func (s *Service) RunNow(ctx context.Context, id, callerID string) (*task.Task, error) {
	var created *task.Task
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		st, err := s.store.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, tx, st, callerID); err != nil {
			return err
		}

		now := time.Now().UTC()
		created, entries, err = s.materialize(ctx, tx, st, now)
		if err != nil {
			return err
		}
		return s.store.MarkRunKeepNext(ctx, tx, id, now)
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return created, nil
}

// authorize permits the schedule's creator and any lead.
func (s *Service) authorize(ctx context.Context, tx *sqlx.Tx, st *ScheduledTask, callerID string) error {
	if st.CreatedByAgentID != nil && *st.CreatedByAgentID == callerID {
		return nil
	}
	caller, err := s.agents.Store().GetByID(ctx, tx, callerID)
	if err != nil {
		return fmt.Errorf("calling agent: %w", err)
	}
	if !caller.IsLead {
		return fmt.Errorf("%w: only the schedule creator or the lead can do that", ErrUnauthorized)
	}
	return nil
}

// nextRun computes the next run after from. Unknown timezone identifiers
// fall back to UTC.
func (s *Service) nextRun(st *ScheduledTask, from time.Time) (*time.Time, error) {
	if st.CronExpression != nil && *st.CronExpression != "" {
		loc, err := time.LoadLocation(st.Timezone)
		if err != nil {
			s.log.Warn("unknown schedule timezone, using UTC",
				zap.String("schedule", st.Name),
				zap.String("timezone", st.Timezone))
			loc = time.UTC
		}
		next, err := gronx.NextTickAfter(*st.CronExpression, from.In(loc), false)
		if err != nil {
			return nil, err
		}
		nextUTC := next.UTC()
		return &nextUTC, nil
	}
	if st.IntervalMs != nil && *st.IntervalMs > 0 {
		next := from.Add(time.Duration(*st.IntervalMs) * time.Millisecond)
		return &next, nil
	}
	return nil, fmt.Errorf("schedule has no cadence")
}

// Tick runs every due schedule once. Each schedule gets its own
// transaction so one bad schedule cannot block the rest. Cron expressions
// that fail to parse at run time disable the schedule instead of producing
// a task.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	due, err := s.store.Due(ctx, s.db.DB(), now)
	if err != nil {
		return err
	}

	for _, st := range due {
		var entries []*eventlog.Entry
		err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
			next, nerr := s.nextRun(st, now)
			if nerr != nil {
				// Disable rather than retry forever.
				s.log.Error("disabling schedule with bad cron expression",
					zap.String("schedule", st.Name),
					zap.Error(nerr))
				if err := s.store.SetEnabled(ctx, tx, st.ID, false, nil); err != nil {
					return err
				}
				reason := nerr.Error()
				entry := &eventlog.Entry{
					EventType: eventlog.ScheduleDisabled,
					AgentID:   st.CreatedByAgentID,
					NewValue:  &reason,
					Metadata:  store.JSONMap{"scheduleId": st.ID, "name": st.Name},
				}
				if err := s.events.Append(ctx, tx, entry); err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			}

			_, created, merr := s.materialize(ctx, tx, st, now)
			if merr != nil {
				return merr
			}
			entries = append(entries, created...)
			return s.store.MarkRun(ctx, tx, st.ID, now, next)
		})
		if err != nil {
			s.log.Error("schedule tick failed",
				zap.String("schedule", st.Name),
				zap.Error(err))
			continue
		}
		s.events.Emit(ctx, entries...)
	}
	return nil
}

// materialize creates one task from the schedule's template inside the
// caller's transaction. Targeted schedules direct-assign; capacity does not
// apply to scheduler output.
func (s *Service) materialize(ctx context.Context, tx *sqlx.Tx, st *ScheduledTask, now time.Time) (*task.Task, []*eventlog.Entry, error) {
	t := &task.Task{
		Task:           st.TaskTemplate,
		Status:         task.StatusUnassigned,
		Source:         task.SourceSystem,
		TaskType:       st.TaskType,
		Tags:           st.Tags,
		Priority:       st.Priority,
		CreatorAgentID: st.CreatedByAgentID,
	}
	if st.TargetAgentID != nil {
		if _, err := s.agents.Store().GetByID(ctx, tx, *st.TargetAgentID); err == nil {
			t.Status = task.StatusPending
			t.AgentID = st.TargetAgentID
		}
	}

	if err := s.tasks.Store().Insert(ctx, tx, t); err != nil {
		return nil, nil, err
	}

	var entries []*eventlog.Entry
	created := &eventlog.Entry{
		EventType: eventlog.TaskCreated,
		AgentID:   t.AgentID,
		TaskID:    &t.ID,
		Metadata: store.JSONMap{
			"status":     string(t.Status),
			"source":     string(t.Source),
			"scheduleId": st.ID,
		},
	}
	if err := s.events.Append(ctx, tx, created); err != nil {
		return nil, nil, err
	}
	entries = append(entries, created)

	triggered := &eventlog.Entry{
		EventType: eventlog.ScheduleTriggered,
		TaskID:    &t.ID,
		Metadata:  store.JSONMap{"scheduleId": st.ID, "name": st.Name},
	}
	if err := s.events.Append(ctx, tx, triggered); err != nil {
		return nil, nil, err
	}
	entries = append(entries, triggered)

	if t.AgentID != nil {
		e, err := s.agents.UpdateStatusFromCapacity(ctx, tx, *t.AgentID)
		if err != nil {
			return nil, nil, err
		}
		if e != nil {
			entries = append(entries, e)
		}
	}
	return t, entries, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ptrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
