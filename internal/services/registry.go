package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/store"
)

// Registry implements service registry operations on top of the store.
type Registry struct {
	db     *store.DB
	store  *Store
	agents *agent.Service
	events *eventlog.Publisher
	log    *logger.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(db *store.DB, st *Store, agents *agent.Service, events *eventlog.Publisher, log *logger.Logger) *Registry {
	return &Registry{db: db, store: st, agents: agents, events: events, log: log}
}

// UpsertParams are the inputs to Upsert.
type UpsertParams struct {
	AgentID         string
	Name            string
	Port            int
	URL             string
	HealthCheckPath string
	Status          Status
	Script          string
	Cwd             string
	Interpreter     string
	Args            []string
	Env             map[string]any
	Metadata        map[string]any
}

// Upsert registers a service or replaces the runtime fields of an existing
// (agent, name) pair. A registration event is logged only on first insert.
func (r *Registry) Upsert(ctx context.Context, p UpsertParams) (*Service, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if p.Status != "" && !p.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, p.Status)
	}

	svc := &Service{
		AgentID:         p.AgentID,
		Name:            strings.TrimSpace(p.Name),
		Port:            p.Port,
		URL:             p.URL,
		HealthCheckPath: p.HealthCheckPath,
		Status:          p.Status,
		Script:          p.Script,
		Cwd:             p.Cwd,
		Interpreter:     p.Interpreter,
		Args:            p.Args,
		Env:             p.Env,
		Metadata:        p.Metadata,
	}

	var entry *eventlog.Entry
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := r.agents.Store().GetByID(ctx, tx, p.AgentID); err != nil {
			return fmt.Errorf("owning agent: %w", err)
		}
		inserted, err := r.store.Upsert(ctx, tx, svc)
		if err != nil {
			return err
		}
		if inserted {
			entry = &eventlog.Entry{
				EventType: eventlog.ServiceRegistered,
				AgentID:   &svc.AgentID,
				Metadata:  store.JSONMap{"serviceId": svc.ID, "name": svc.Name, "port": svc.Port},
			}
			return r.events.Append(ctx, tx, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if entry != nil {
		r.events.Emit(ctx, entry)
	}
	return r.Get(ctx, svc.ID)
}

// Get returns a service by id.
func (r *Registry) Get(ctx context.Context, id string) (*Service, error) {
	return r.store.GetByID(ctx, r.db.DB(), id)
}

// List returns services matching the filters.
func (r *Registry) List(ctx context.Context, f Filters) ([]*Service, error) {
	return r.store.List(ctx, r.db.DB(), f)
}

// UpdateStatus sets a service's health status. The status-change event is
// logged only when the value actually changes.
func (r *Registry) UpdateStatus(ctx context.Context, serviceID string, status Status) (*Service, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}

	var entry *eventlog.Entry
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		old, err := r.store.UpdateStatus(ctx, tx, serviceID, status)
		if err != nil {
			return err
		}
		if old == status {
			return nil
		}
		oldStr, newStr := string(old), string(status)
		entry = &eventlog.Entry{
			EventType: eventlog.ServiceStatusChange,
			OldValue:  &oldStr,
			NewValue:  &newStr,
			Metadata:  store.JSONMap{"serviceId": serviceID},
		}
		return r.events.Append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	if entry != nil {
		r.events.Emit(ctx, entry)
	}
	return r.Get(ctx, serviceID)
}

// Unregister removes a service. Only the owning agent may unregister it.
func (r *Registry) Unregister(ctx context.Context, serviceID, callerID string) error {
	var entry *eventlog.Entry
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		svc, err := r.store.GetByID(ctx, tx, serviceID)
		if err != nil {
			return err
		}
		if svc.AgentID != callerID {
			return fmt.Errorf("%w: only the owning agent can unregister a service", ErrUnauthorized)
		}
		if err := r.store.Delete(ctx, tx, serviceID); err != nil {
			return err
		}
		entry = &eventlog.Entry{
			EventType: eventlog.ServiceUnregistered,
			AgentID:   &svc.AgentID,
			Metadata:  store.JSONMap{"serviceId": svc.ID, "name": svc.Name},
		}
		return r.events.Append(ctx, tx, entry)
	})
	if err != nil {
		return err
	}

	r.events.Emit(ctx, entry)
	return nil
}
