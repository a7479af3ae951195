package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/store"
)

// OutcomeNotifier receives terminal tasks after commit for best-effort
// external notification (the chat bridge).
type OutcomeNotifier interface {
	TaskFinished(ctx context.Context, t *Task)
}

// Service implements the task lifecycle on top of the store.
type Service struct {
	db       *store.DB
	store    *Store
	agents   *agent.Service
	events   *eventlog.Publisher
	log      *logger.Logger
	notifier OutcomeNotifier
}

// NewService creates a Service.
func NewService(db *store.DB, st *Store, agents *agent.Service, events *eventlog.Publisher, log *logger.Logger) *Service {
	return &Service{db: db, store: st, agents: agents, events: events, log: log}
}

// SetNotifier installs the outcome notifier. Safe to leave unset.
func (s *Service) SetNotifier(n OutcomeNotifier) {
	s.notifier = n
}

// Store returns the underlying row store for use by sibling services.
func (s *Service) Store() *Store {
	return s.store
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Task            string
	Source          Source
	AgentID         string
	OfferMode       bool
	CreatorAgentID  string
	TaskType        string
	Tags            []string
	Priority        *int
	DependsOn       []string
	ParentTaskID    string
	EpicID          string
	ExternalContext ExternalContext
}

// Create creates a task. Initial status follows the assignment inputs:
// offered when offerMode targets an agent, pending on direct assignment,
// unassigned otherwise. A child task with a parent and no explicit assignee
// inherits the parent's current agent so the runtime can resume its session.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Task, error) {
	if strings.TrimSpace(p.Task) == "" {
		return nil, fmt.Errorf("%w: task text is required", ErrInvalid)
	}

	priority := 50
	if p.Priority != nil {
		priority = *p.Priority
		if priority < 0 || priority > 100 {
			return nil, fmt.Errorf("%w: priority must be between 0 and 100", ErrInvalid)
		}
	}

	t := &Task{
		Task:            p.Task,
		Source:          p.Source,
		Tags:            p.Tags,
		Priority:        priority,
		DependsOn:       p.DependsOn,
		ExternalContext: p.ExternalContext,
	}
	if p.CreatorAgentID != "" {
		t.CreatorAgentID = &p.CreatorAgentID
	}
	if p.TaskType != "" {
		t.TaskType = &p.TaskType
	}
	if p.ParentTaskID != "" {
		t.ParentTaskID = &p.ParentTaskID
	}

	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		assigneeID := p.AgentID

		// Session affinity: route the child to the parent's assignee.
		if assigneeID == "" && !p.OfferMode && p.ParentTaskID != "" {
			parent, err := s.store.GetByID(ctx, tx, p.ParentTaskID)
			if err != nil {
				return fmt.Errorf("parent task: %w", err)
			}
			if parent.AgentID != nil {
				assigneeID = *parent.AgentID
			}
		}

		if p.EpicID != "" {
			var epicName string
			err := tx.GetContext(ctx, &epicName, `SELECT name FROM epics WHERE id = ?`, p.EpicID)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: epic %s not found", ErrInvalid, p.EpicID)
			}
			if err != nil {
				return err
			}
			t.EpicID = &p.EpicID
			epicTag := "epic:" + epicName
			if !t.Tags.Contains(epicTag) {
				t.Tags = append(t.Tags, epicTag)
			}
		}

		switch {
		case assigneeID != "" && p.OfferMode:
			target, err := s.agents.Store().GetByID(ctx, tx, assigneeID)
			if err != nil {
				return fmt.Errorf("target agent: %w", err)
			}
			now := nowUTC()
			t.Status = StatusOffered
			t.OfferedTo = &target.ID
			t.OfferedAt = &now
		case assigneeID != "":
			target, err := s.agents.Store().GetByID(ctx, tx, assigneeID)
			if err != nil {
				return fmt.Errorf("target agent: %w", err)
			}
			ok, err := s.agents.HasCapacity(ctx, tx, target.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s cannot take another task, use offerMode instead", ErrCapacity, target.Name)
			}
			t.Status = StatusPending
			t.AgentID = &target.ID
		default:
			t.Status = StatusUnassigned
		}

		if err := s.store.Insert(ctx, tx, t); err != nil {
			return err
		}

		created := &eventlog.Entry{
			EventType: eventlog.TaskCreated,
			AgentID:   t.CreatorAgentID,
			TaskID:    &t.ID,
			Metadata:  store.JSONMap{"status": string(t.Status), "source": string(t.Source)},
		}
		if err := s.events.Append(ctx, tx, created); err != nil {
			return err
		}
		entries = append(entries, created)

		if t.Status == StatusOffered {
			offered := &eventlog.Entry{
				EventType: eventlog.TaskOffered,
				AgentID:   t.OfferedTo,
				TaskID:    &t.ID,
			}
			if err := s.events.Append(ctx, tx, offered); err != nil {
				return err
			}
			entries = append(entries, offered)
		}

		if t.AgentID != nil {
			e, err := s.agents.UpdateStatusFromCapacity(ctx, tx, *t.AgentID)
			if err != nil {
				return err
			}
			if e != nil {
				entries = append(entries, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return t, nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.store.GetByID(ctx, s.db.DB(), id)
}

// List returns tasks matching the filters. ReadyOnly drops tasks whose
// dependencies are not all completed.
func (s *Service) List(ctx context.Context, f Filters) ([]*Task, error) {
	tasks, err := s.store.List(ctx, s.db.DB(), f)
	if err != nil {
		return nil, err
	}
	if !f.ReadyOnly {
		return tasks, nil
	}

	ready := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		check, err := s.checkDependencies(ctx, s.db.DB(), t)
		if err != nil {
			return nil, err
		}
		if check.Ready {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// CheckDependencies resolves a task's dependsOn edges. Ready means every
// referenced task exists and is completed.
func (s *Service) CheckDependencies(ctx context.Context, id string) (*DependencyCheck, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.checkDependencies(ctx, s.db.DB(), t)
}

func (s *Service) checkDependencies(ctx context.Context, q sqlx.ExtContext, t *Task) (*DependencyCheck, error) {
	if len(t.DependsOn) == 0 {
		return &DependencyCheck{Ready: true}, nil
	}
	statuses, err := s.store.StatusesByIDs(ctx, q, t.DependsOn)
	if err != nil {
		return nil, err
	}
	var blocked []string
	for _, dep := range t.DependsOn {
		status, ok := statuses[dep]
		if !ok || status != StatusCompleted {
			blocked = append(blocked, dep)
		}
	}
	return &DependencyCheck{Ready: len(blocked) == 0, BlockedBy: blocked}, nil
}

// Claim atomically assigns an unassigned task to the calling agent. The
// conditional update is the source of truth; the capacity re-check after it
// rolls the transaction back if the agent overshot its bound in a race.
func (s *Service) Claim(ctx context.Context, taskID, agentID string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != StatusUnassigned {
			return fmt.Errorf("%w: task already claimed, try a different task", ErrConflict)
		}

		check, err := s.checkDependencies(ctx, tx, t)
		if err != nil {
			return err
		}
		if !check.Ready {
			return fmt.Errorf("%w: blocked by %s", ErrBlocked, strings.Join(check.BlockedBy, ", "))
		}

		a, err := s.agents.Store().GetByID(ctx, tx, agentID)
		if err != nil {
			return fmt.Errorf("claiming agent: %w", err)
		}

		ok, err := s.store.Claim(ctx, tx, taskID, agentID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task already claimed, try a different task", ErrConflict)
		}

		count, err := s.agents.Store().CountActiveTasks(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if count > a.MaxTasks {
			return fmt.Errorf("%w: %s already has %d active tasks", ErrCapacity, a.Name, count-1)
		}

		entries, err = s.appendTransition(ctx, tx, eventlog.TaskClaimed, taskID, agentID, StatusUnassigned, StatusPending)
		if err != nil {
			return err
		}
		e, err := s.agents.UpdateStatusFromCapacity(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if e != nil {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return s.Get(ctx, taskID)
}

// Release returns the caller's pending or in_progress task to the pool.
func (s *Service) Release(ctx context.Context, taskID, agentID string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.AgentID == nil || *t.AgentID != agentID {
			return fmt.Errorf("%w: only the assigned agent can release a task", ErrUnauthorized)
		}

		ok, err := s.store.Release(ctx, tx, taskID, agentID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task is not pending or in progress", ErrConflict)
		}

		entries, err = s.appendTransition(ctx, tx, eventlog.TaskReleased, taskID, agentID, t.Status, StatusUnassigned)
		if err != nil {
			return err
		}
		e, err := s.agents.UpdateStatusFromCapacity(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if e != nil {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return s.Get(ctx, taskID)
}

// Accept takes an offered task. Only the offered agent may accept.
func (s *Service) Accept(ctx context.Context, taskID, agentID string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != StatusOffered {
			return fmt.Errorf("%w: task is not offered", ErrConflict)
		}
		if t.OfferedTo == nil || *t.OfferedTo != agentID {
			return fmt.Errorf("%w: task is not offered to you", ErrUnauthorized)
		}

		ok, err := s.store.Accept(ctx, tx, taskID, agentID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task is no longer offered", ErrConflict)
		}

		entries, err = s.appendTransition(ctx, tx, eventlog.TaskAccepted, taskID, agentID, StatusOffered, StatusPending)
		if err != nil {
			return err
		}
		e, err := s.agents.UpdateStatusFromCapacity(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if e != nil {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return s.Get(ctx, taskID)
}

// Reject returns an offered task to the pool with a reason. Only the
// offered agent may reject.
func (s *Service) Reject(ctx context.Context, taskID, agentID, reason string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != StatusOffered {
			return fmt.Errorf("%w: task is not offered", ErrConflict)
		}
		if t.OfferedTo == nil || *t.OfferedTo != agentID {
			return fmt.Errorf("%w: task is not offered to you", ErrUnauthorized)
		}

		ok, err := s.store.Reject(ctx, tx, taskID, agentID, reason)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task is no longer offered", ErrConflict)
		}

		reasonCopy := reason
		rejected := &eventlog.Entry{
			EventType: eventlog.TaskRejected,
			AgentID:   &agentID,
			TaskID:    &taskID,
			NewValue:  &reasonCopy,
		}
		if err := s.events.Append(ctx, tx, rejected); err != nil {
			return err
		}
		entries = append(entries, rejected)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return s.Get(ctx, taskID)
}

// Start moves the caller's pending task to in_progress.
func (s *Service) Start(ctx context.Context, taskID, agentID string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.store.Start(ctx, tx, taskID, agentID)
		if err != nil {
			return err
		}
		if !ok {
			return s.explainTransitionFailure(ctx, tx, taskID, agentID, StatusPending)
		}
		entries, err = s.appendTransition(ctx, tx, eventlog.TaskStatusChange, taskID, agentID, StatusPending, StatusInProgress)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return s.Get(ctx, taskID)
}

// Pause suspends the caller's in_progress task.
func (s *Service) Pause(ctx context.Context, taskID, agentID string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.store.Pause(ctx, tx, taskID, agentID)
		if err != nil {
			return err
		}
		if !ok {
			return s.explainTransitionFailure(ctx, tx, taskID, agentID, StatusInProgress)
		}
		entries, err = s.appendTransition(ctx, tx, eventlog.TaskStatusChange, taskID, agentID, StatusInProgress, StatusPaused)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return s.Get(ctx, taskID)
}

// Resume continues the caller's paused task.
func (s *Service) Resume(ctx context.Context, taskID, agentID string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.store.Resume(ctx, tx, taskID, agentID)
		if err != nil {
			return err
		}
		if !ok {
			return s.explainTransitionFailure(ctx, tx, taskID, agentID, StatusPaused)
		}
		entries, err = s.appendTransition(ctx, tx, eventlog.TaskStatusChange, taskID, agentID, StatusPaused, StatusInProgress)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return s.Get(ctx, taskID)
}

// ToBacklog parks an unassigned task in the backlog.
func (s *Service) ToBacklog(ctx context.Context, taskID, agentID string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.store.ToBacklog(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: only unassigned tasks can move to the backlog", ErrConflict)
		}
		entries, err = s.appendTransition(ctx, tx, eventlog.TaskStatusChange, taskID, agentID, StatusUnassigned, StatusBacklog)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return s.Get(ctx, taskID)
}

// FromBacklog returns a backlog task to the pool.
func (s *Service) FromBacklog(ctx context.Context, taskID, agentID string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.store.FromBacklog(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task is not in the backlog", ErrConflict)
		}
		entries, err = s.appendTransition(ctx, tx, eventlog.TaskStatusChange, taskID, agentID, StatusBacklog, StatusUnassigned)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return s.Get(ctx, taskID)
}

// UpdateProgress stores a progress snapshot on the caller's task.
func (s *Service) UpdateProgress(ctx context.Context, taskID, agentID, progress string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: task is already finished", ErrConflict)
		}
		if t.AgentID == nil || *t.AgentID != agentID {
			return fmt.Errorf("%w: only the assigned agent can report progress", ErrUnauthorized)
		}

		if _, err := s.store.UpdateProgress(ctx, tx, taskID, progress); err != nil {
			return err
		}

		progressCopy := progress
		entry := &eventlog.Entry{
			EventType: eventlog.TaskProgress,
			AgentID:   &agentID,
			TaskID:    &taskID,
			NewValue:  &progressCopy,
		}
		if err := s.events.Append(ctx, tx, entry); err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return s.Get(ctx, taskID)
}

// Complete finishes the caller's task successfully.
func (s *Service) Complete(ctx context.Context, taskID, agentID string, output string) (*Task, error) {
	return s.finish(ctx, taskID, agentID, StatusCompleted, output, "")
}

// Fail finishes the caller's task as failed.
func (s *Service) Fail(ctx context.Context, taskID, agentID string, reason string) (*Task, error) {
	return s.finish(ctx, taskID, agentID, StatusFailed, "", reason)
}

// Cancel terminates a task from any non-terminal state. Only the lead or
// the task's creator may cancel.
func (s *Service) Cancel(ctx context.Context, taskID, callerID, reason string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: task is already finished", ErrConflict)
		}

		caller, err := s.agents.Store().GetByID(ctx, tx, callerID)
		if err != nil {
			return fmt.Errorf("calling agent: %w", err)
		}
		isCreator := t.CreatorAgentID != nil && *t.CreatorAgentID == callerID
		if !caller.IsLead && !isCreator {
			return fmt.Errorf("%w: only the lead or the task creator can cancel", ErrUnauthorized)
		}

		var reasonPtr *string
		if reason != "" {
			reasonPtr = &reason
		}
		ok, err := s.store.Finish(ctx, tx, taskID, StatusCancelled, nil, reasonPtr)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task is already finished", ErrConflict)
		}

		entries, err = s.appendTransition(ctx, tx, eventlog.TaskStatusChange, taskID, callerID, t.Status, StatusCancelled)
		if err != nil {
			return err
		}
		if t.AgentID != nil {
			e, err := s.agents.UpdateStatusFromCapacity(ctx, tx, *t.AgentID)
			if err != nil {
				return err
			}
			if e != nil {
				entries = append(entries, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	finished, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.afterTerminal(ctx, finished)
	return finished, nil
}

// finish applies a completed or failed transition for the assignee.
func (s *Service) finish(ctx context.Context, taskID, agentID string, status Status, output, reason string) (*Task, error) {
	var entries []*eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: task is already finished", ErrConflict)
		}
		if t.AgentID == nil || *t.AgentID != agentID {
			return fmt.Errorf("%w: only the assigned agent can finish a task", ErrUnauthorized)
		}

		var outputPtr, reasonPtr *string
		if output != "" {
			outputPtr = &output
		}
		if reason != "" {
			reasonPtr = &reason
		}
		ok, err := s.store.Finish(ctx, tx, taskID, status, outputPtr, reasonPtr)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task is already finished", ErrConflict)
		}

		entries, err = s.appendTransition(ctx, tx, eventlog.TaskStatusChange, taskID, agentID, t.Status, status)
		if err != nil {
			return err
		}
		e, err := s.agents.UpdateStatusFromCapacity(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if e != nil {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	finished, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.afterTerminal(ctx, finished)
	return finished, nil
}

// appendTransition writes one event entry describing a status transition.
func (s *Service) appendTransition(ctx context.Context, tx *sqlx.Tx, eventType, taskID, agentID string, from, to Status) ([]*eventlog.Entry, error) {
	oldStr, newStr := string(from), string(to)
	entry := &eventlog.Entry{
		EventType: eventType,
		TaskID:    &taskID,
		OldValue:  &oldStr,
		NewValue:  &newStr,
	}
	if agentID != "" {
		entry.AgentID = &agentID
	}
	if err := s.events.Append(ctx, tx, entry); err != nil {
		return nil, err
	}
	return []*eventlog.Entry{entry}, nil
}

// explainTransitionFailure turns a zero-row conditional update into a
// specific error.
func (s *Service) explainTransitionFailure(ctx context.Context, tx *sqlx.Tx, taskID, agentID string, expected Status) error {
	t, err := s.store.GetByID(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.AgentID == nil || *t.AgentID != agentID {
		return fmt.Errorf("%w: task is not assigned to you", ErrUnauthorized)
	}
	return fmt.Errorf("%w: task is %s, expected %s", ErrConflict, t.Status, expected)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
