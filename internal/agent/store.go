package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/swarmhq/swarm/internal/store"
)

// Store reads and writes agent rows. Methods accept sqlx.ExtContext so they
// run both inside and outside transactions.
type Store struct{}

// NewStore returns a Store.
func NewStore() *Store {
	return &Store{}
}

// Insert creates an agent row, minting an id when none is supplied.
func (s *Store) Insert(ctx context.Context, q sqlx.ExtContext, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = StatusIdle
	}
	if a.MaxTasks < 1 {
		a.MaxTasks = 1
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.LastUpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO agents (id, name, is_lead, status, role, description, capabilities, max_tasks, created_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.IsLead, a.Status, a.Role, a.Description, a.Capabilities, a.MaxTasks, a.CreatedAt, a.LastUpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: agents.name") {
			return fmt.Errorf("%w: name %q is taken", ErrConflict, a.Name)
		}
		if strings.Contains(err.Error(), "idx_agents_single_lead") {
			return ErrLeadExists
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: agents.id") {
			return fmt.Errorf("%w: id %s is taken", ErrConflict, a.ID)
		}
		return err
	}
	return nil
}

// GetByID returns the agent with the given id.
func (s *Store) GetByID(ctx context.Context, q sqlx.ExtContext, id string) (*Agent, error) {
	var a Agent
	err := sqlx.GetContext(ctx, q, &a, `SELECT * FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByName returns the agent with the given name.
func (s *Store) GetByName(ctx context.Context, q sqlx.ExtContext, name string) (*Agent, error) {
	var a Agent
	err := sqlx.GetContext(ctx, q, &a, `SELECT * FROM agents WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetLead returns the lead agent, or ErrNotFound when none has joined.
func (s *Store) GetLead(ctx context.Context, q sqlx.ExtContext) (*Agent, error) {
	var a Agent
	err := sqlx.GetContext(ctx, q, &a, `SELECT * FROM agents WHERE is_lead = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns every agent ordered by name.
func (s *Store) List(ctx context.Context, q sqlx.ExtContext) ([]*Agent, error) {
	var agents []*Agent
	err := sqlx.SelectContext(ctx, q, &agents, `SELECT * FROM agents ORDER BY name ASC`)
	return agents, err
}

// UpdateStatus sets an agent's status, returning the previous value.
func (s *Store) UpdateStatus(ctx context.Context, q sqlx.ExtContext, id string, status Status) (Status, error) {
	var old Status
	err := sqlx.GetContext(ctx, q, &old, `SELECT status FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	_, err = q.ExecContext(ctx, `
		UPDATE agents SET status = ?, last_updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return old, err
}

// UpdateProfile applies a partial update of role, description, and
// capabilities. Nil fields are left unchanged.
func (s *Store) UpdateProfile(ctx context.Context, q sqlx.ExtContext, id string, role, description *string, capabilities []string) error {
	sets := []string{"last_updated_at = ?"}
	args := []any{time.Now().UTC()}
	if role != nil {
		sets = append(sets, "role = ?")
		args = append(args, *role)
	}
	if description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *description)
	}
	if capabilities != nil {
		sets = append(sets, "capabilities = ?")
		args = append(args, store.StringSlice(capabilities))
	}
	args = append(args, id)

	res, err := q.ExecContext(ctx,
		fmt.Sprintf("UPDATE agents SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
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

// Delete removes an agent; owned tasks and services cascade.
func (s *Store) Delete(ctx context.Context, q sqlx.ExtContext, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
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

// CountActiveTasks returns the number of tasks occupying the agent's
// capacity (pending plus in_progress).
func (s *Store) CountActiveTasks(ctx context.Context, q sqlx.ExtContext, id string) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, q, &count, `
		SELECT COUNT(*) FROM tasks
		WHERE agent_id = ? AND status IN ('pending', 'in_progress')`, id)
	return count, err
}
