package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/store"
)

// Service implements agent registry operations on top of the store.
type Service struct {
	db     *store.DB
	store  *Store
	events *eventlog.Publisher
	log    *logger.Logger
}

// NewService creates a Service.
func NewService(db *store.DB, st *Store, events *eventlog.Publisher, log *logger.Logger) *Service {
	return &Service{db: db, store: st, events: events, log: log}
}

// Store returns the underlying row store for use by sibling services.
func (s *Service) Store() *Store {
	return s.store
}

// JoinParams are the inputs to Join.
type JoinParams struct {
	RequestedID  string
	Name         string
	Lead         bool
	Role         string
	Description  string
	Capabilities []string
	MaxTasks     int
}

// Join registers a new agent. At most one lead may exist; duplicate ids and
// names are rejected.
func (s *Service) Join(ctx context.Context, p JoinParams) (*Agent, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}

	a := &Agent{
		ID:           p.RequestedID,
		Name:         name,
		IsLead:       p.Lead,
		Role:         p.Role,
		Description:  p.Description,
		Capabilities: p.Capabilities,
		MaxTasks:     p.MaxTasks,
	}

	var entry *eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if p.Lead {
			if _, err := s.store.GetLead(ctx, tx); err == nil {
				return ErrLeadExists
			} else if err != ErrNotFound {
				return err
			}
		}
		if err := s.store.Insert(ctx, tx, a); err != nil {
			return err
		}
		entry = &eventlog.Entry{
			EventType: eventlog.AgentJoined,
			AgentID:   &a.ID,
			Metadata:  store.JSONMap{"name": a.Name, "isLead": a.IsLead},
		}
		return s.events.Append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entry)
	s.log.Info("agent joined",
		zap.String("agent_id", a.ID),
		zap.String("name", a.Name),
		zap.Bool("is_lead", a.IsLead))
	return a, nil
}

// Get returns an agent by id.
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	return s.store.GetByID(ctx, s.db.DB(), id)
}

// GetByName returns an agent by name.
func (s *Service) GetByName(ctx context.Context, name string) (*Agent, error) {
	return s.store.GetByName(ctx, s.db.DB(), name)
}

// GetLead returns the current lead agent.
func (s *Service) GetLead(ctx context.Context) (*Agent, error) {
	return s.store.GetLead(ctx, s.db.DB())
}

// List returns all agents.
func (s *Service) List(ctx context.Context) ([]*Agent, error) {
	return s.store.List(ctx, s.db.DB())
}

// UpdateStatus sets an agent's status and logs the transition.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}

	var entry *eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		old, err := s.store.UpdateStatus(ctx, tx, id, status)
		if err != nil {
			return err
		}
		if old == status {
			return nil
		}
		oldStr, newStr := string(old), string(status)
		entry = &eventlog.Entry{
			EventType: eventlog.AgentStatusChange,
			AgentID:   &id,
			OldValue:  &oldStr,
			NewValue:  &newStr,
		}
		return s.events.Append(ctx, tx, entry)
	})
	if err != nil {
		return err
	}
	if entry != nil {
		s.events.Emit(ctx, entry)
	}
	return nil
}

// UpdateProfile partially updates role, description, and capabilities.
func (s *Service) UpdateProfile(ctx context.Context, id string, role, description *string, capabilities []string) (*Agent, error) {
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.store.UpdateProfile(ctx, tx, id, role, description, capabilities)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes an agent; its tasks and services cascade with it.
func (s *Service) Delete(ctx context.Context, id string) error {
	var entry *eventlog.Entry
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		a, err := s.store.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.store.Delete(ctx, tx, id); err != nil {
			return err
		}
		entry = &eventlog.Entry{
			EventType: eventlog.AgentLeft,
			AgentID:   &id,
			Metadata:  store.JSONMap{"name": a.Name},
		}
		return s.events.Append(ctx, tx, entry)
	})
	if err != nil {
		return err
	}
	s.events.Emit(ctx, entry)
	return nil
}

// HasCapacity reports whether the agent can take another active task.
func (s *Service) HasCapacity(ctx context.Context, q sqlx.ExtContext, id string) (bool, error) {
	a, err := s.store.GetByID(ctx, q, id)
	if err != nil {
		return false, err
	}
	count, err := s.store.CountActiveTasks(ctx, q, id)
	if err != nil {
		return false, err
	}
	return count < a.MaxTasks, nil
}

// UpdateStatusFromCapacity derives busy/idle from the agent's active task
// count. Offline agents are left alone. Runs inside the caller's
// transaction; returns the status-change entry for post-commit emit, or nil.
func (s *Service) UpdateStatusFromCapacity(ctx context.Context, tx *sqlx.Tx, id string) (*eventlog.Entry, error) {
	a, err := s.store.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusOffline {
		return nil, nil
	}

	count, err := s.store.CountActiveTasks(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	next := StatusIdle
	if count > 0 {
		next = StatusBusy
	}
	if next == a.Status {
		return nil, nil
	}

	if _, err := s.store.UpdateStatus(ctx, tx, id, next); err != nil {
		return nil, err
	}
	oldStr, newStr := string(a.Status), string(next)
	entry := &eventlog.Entry{
		EventType: eventlog.AgentStatusChange,
		AgentID:   &id,
		OldValue:  &oldStr,
		NewValue:  &newStr,
	}
	if err := s.events.Append(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
