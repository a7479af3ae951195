package epic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/store"
	"github.com/swarmhq/swarm/internal/task"
)

// Service implements epic operations. Epic management is lead-only.
type Service struct {
	db     *store.DB
	store  *Store
	agents *agent.Service
	tasks  *task.Service
	events *eventlog.Publisher
	log    *logger.Logger
}

// NewService creates a Service.
func NewService(db *store.DB, st *Store, agents *agent.Service, tasks *task.Service, events *eventlog.Publisher, log *logger.Logger) *Service {
	return &Service{db: db, store: st, agents: agents, tasks: tasks, events: events, log: log}
}

// requireLead rejects callers that are not the lead.
func (s *Service) requireLead(ctx context.Context, q sqlx.ExtContext, callerID string) error {
	caller, err := s.agents.Store().GetByID(ctx, q, callerID)
	if err != nil {
		return fmt.Errorf("calling agent: %w", err)
	}
	if !caller.IsLead {
		return fmt.Errorf("%w: epic management is restricted to the lead", ErrUnauthorized)
	}
	return nil
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Name         string
	Goal         string
	Description  string
	PRD          string
	Plan         string
	Priority     *int
	Tags         []string
	LeadAgentID  string
	ChannelID    string
	ExternalRefs map[string]any
}

// Create creates an epic in draft status.
func (s *Service) Create(ctx context.Context, callerID string, p CreateParams) (*Epic, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(p.Goal) == "" {
		return nil, fmt.Errorf("%w: goal is required", ErrInvalid)
	}

	priority := 50
	if p.Priority != nil {
		priority = *p.Priority
		if priority < 0 || priority > 100 {
			return nil, fmt.Errorf("%w: priority must be between 0 and 100", ErrInvalid)
		}
	}

	e := &Epic{
		Name:         strings.TrimSpace(p.Name),
		Goal:         p.Goal,
		Description:  p.Description,
		PRD:          p.PRD,
		Plan:         p.Plan,
		Priority:     priority,
		Tags:         p.Tags,
		ExternalRefs: p.ExternalRefs,
	}
	if callerID != "" {
		e.CreatedByAgentID = &callerID
	}
	if p.LeadAgentID != "" {
		e.LeadAgentID = &p.LeadAgentID
	}
	if p.ChannelID != "" {
		e.ChannelID = &p.ChannelID
	}

	var entry *eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.requireLead(ctx, tx, callerID); err != nil {
			return err
		}
		if err := s.store.Insert(ctx, tx, e); err != nil {
			return err
		}
		entry = &eventlog.Entry{
			EventType: eventlog.EpicCreated,
			AgentID:   &callerID,
			Metadata:  store.JSONMap{"epicId": e.ID, "name": e.Name},
		}
		return s.events.Append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entry)
	return e, nil
}

// Get returns an epic by id.
func (s *Service) Get(ctx context.Context, id string) (*Epic, error) {
	return s.store.GetByID(ctx, s.db.DB(), id)
}

// GetProgress returns the epic's derived task counts.
func (s *Service) GetProgress(ctx context.Context, id string) (*Progress, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Progress(ctx, s.db.DB(), id)
}

// List returns every epic.
func (s *Service) List(ctx context.Context) ([]*Epic, error) {
	return s.store.List(ctx, s.db.DB())
}

// UpdateParams are the optional fields Update may change.
type UpdateParams struct {
	Goal        *string
	Description *string
	PRD         *string
	Plan        *string
	Status      *Status
	Priority    *int
	Tags        []string
	LeadAgentID *string
	ChannelID   *string
}

// Update partially updates an epic. The first transition to active stamps
// startedAt; terminal transitions stamp completedAt.
func (s *Service) Update(ctx context.Context, id, callerID string, p UpdateParams) (*Epic, error) {
	var entry *eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.requireLead(ctx, tx, callerID); err != nil {
			return err
		}
		e, err := s.store.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}

		sets := map[string]any{}
		if p.Goal != nil {
			sets["goal"] = *p.Goal
		}
		if p.Description != nil {
			sets["description"] = *p.Description
		}
		if p.PRD != nil {
			sets["prd"] = *p.PRD
		}
		if p.Plan != nil {
			sets["plan"] = *p.Plan
		}
		if p.Priority != nil {
			if *p.Priority < 0 || *p.Priority > 100 {
				return fmt.Errorf("%w: priority must be between 0 and 100", ErrInvalid)
			}
			sets["priority"] = *p.Priority
		}
		if p.Tags != nil {
			sets["tags"] = store.StringSlice(p.Tags)
		}
		if p.LeadAgentID != nil {
			if *p.LeadAgentID == "" {
				sets["lead_agent_id"] = nil
			} else {
				sets["lead_agent_id"] = *p.LeadAgentID
			}
		}
		if p.ChannelID != nil {
			if *p.ChannelID == "" {
				sets["channel_id"] = nil
			} else {
				sets["channel_id"] = *p.ChannelID
			}
		}

		if p.Status != nil && *p.Status != e.Status {
			if !p.Status.Valid() {
				return fmt.Errorf("%w: unknown status %q", ErrInvalid, *p.Status)
			}
			if e.Status.Terminal() {
				return fmt.Errorf("%w: epic is already %s", ErrConflict, e.Status)
			}
			sets["status"] = string(*p.Status)
			now := time.Now().UTC()
			if *p.Status == StatusActive && e.StartedAt == nil {
				sets["started_at"] = now
			}
			if p.Status.Terminal() {
				sets["completed_at"] = now
			}
			oldStr, newStr := string(e.Status), string(*p.Status)
			entry = &eventlog.Entry{
				EventType: eventlog.EpicStatusChange,
				AgentID:   &callerID,
				OldValue:  &oldStr,
				NewValue:  &newStr,
				Metadata:  store.JSONMap{"epicId": e.ID, "name": e.Name},
			}
		}

		if err := s.store.Update(ctx, tx, id, sets); err != nil {
			return err
		}
		if entry != nil {
			return s.events.Append(ctx, tx, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if entry != nil {
		s.events.Emit(ctx, entry)
	}
	return s.Get(ctx, id)
}

// Delete removes an epic. Its tasks survive with their epic reference
// cleared.
func (s *Service) Delete(ctx context.Context, id, callerID string) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.requireLead(ctx, tx, callerID); err != nil {
			return err
		}
		return s.store.Delete(ctx, tx, id)
	})
}

// AssignTask attaches a task to an epic, adding the epic:<name> tag.
func (s *Service) AssignTask(ctx context.Context, epicID, taskID, callerID string) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.requireLead(ctx, tx, callerID); err != nil {
			return err
		}
		e, err := s.store.GetByID(ctx, tx, epicID)
		if err != nil {
			return err
		}
		t, err := s.tasks.Store().GetByID(ctx, tx, taskID)
		if err != nil {
			return err
		}

		tags := t.Tags
		epicTag := "epic:" + e.Name
		if !tags.Contains(epicTag) {
			tags = append(tags, epicTag)
		}
		return s.tasks.Store().SetEpic(ctx, tx, taskID, &epicID, tags)
	})
}

// UnassignTask detaches a task from its epic, removing the epic tag.
func (s *Service) UnassignTask(ctx context.Context, epicID, taskID, callerID string) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.requireLead(ctx, tx, callerID); err != nil {
			return err
		}
		e, err := s.store.GetByID(ctx, tx, epicID)
		if err != nil {
			return err
		}
		t, err := s.tasks.Store().GetByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.EpicID == nil || *t.EpicID != epicID {
			return fmt.Errorf("%w: task is not assigned to this epic", ErrConflict)
		}

		epicTag := "epic:" + e.Name
		tags := make([]string, 0, len(t.Tags))
		for _, tag := range t.Tags {
			if tag != epicTag {
				tags = append(tags, tag)
			}
		}
		return s.tasks.Store().SetEpic(ctx, tx, taskID, nil, tags)
	})
}
