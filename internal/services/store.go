package services

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

// Store reads and writes service rows.
type Store struct{}

// NewStore returns a Store.
func NewStore() *Store {
	return &Store{}
}

const serviceSelect = `
	SELECT s.*, a.name AS agent_name
	FROM services s
	JOIN agents a ON a.id = s.agent_id`

// Upsert inserts the service or, when (agent_id, name) already exists,
// replaces its runtime fields while preserving identity and created_at.
// Returns true when a new row was inserted.
func (s *Store) Upsert(ctx context.Context, q sqlx.ExtContext, svc *Service) (bool, error) {
	var existingID string
	err := sqlx.GetContext(ctx, q, &existingID,
		`SELECT id FROM services WHERE agent_id = ? AND name = ?`, svc.AgentID, svc.Name)
	now := time.Now().UTC()

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if svc.ID == "" {
			svc.ID = uuid.New().String()
		}
		if svc.Status == "" {
			svc.Status = StatusStarting
		}
		if svc.HealthCheckPath == "" {
			svc.HealthCheckPath = "/health"
		}
		svc.CreatedAt = now
		svc.LastUpdatedAt = now
		_, err := q.ExecContext(ctx, `
			INSERT INTO services (id, agent_id, name, port, url, health_check_path, status,
				script, cwd, interpreter, args, env, metadata, created_at, last_updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			svc.ID, svc.AgentID, svc.Name, svc.Port, svc.URL, svc.HealthCheckPath, svc.Status,
			svc.Script, svc.Cwd, svc.Interpreter, svc.Args, svc.Env, svc.Metadata,
			svc.CreatedAt, svc.LastUpdatedAt)
		return true, err
	case err != nil:
		return false, err
	default:
		svc.ID = existingID
		svc.LastUpdatedAt = now
		if svc.Status == "" {
			svc.Status = StatusStarting
		}
		if svc.HealthCheckPath == "" {
			svc.HealthCheckPath = "/health"
		}
		_, err := q.ExecContext(ctx, `
			UPDATE services SET port = ?, url = ?, health_check_path = ?, status = ?,
				script = ?, cwd = ?, interpreter = ?, args = ?, env = ?, metadata = ?, last_updated_at = ?
			WHERE id = ?`,
			svc.Port, svc.URL, svc.HealthCheckPath, svc.Status,
			svc.Script, svc.Cwd, svc.Interpreter, svc.Args, svc.Env, svc.Metadata,
			svc.LastUpdatedAt, existingID)
		return false, err
	}
}

// GetByID returns the service with the given id.
func (s *Store) GetByID(ctx context.Context, q sqlx.ExtContext, id string) (*Service, error) {
	var svc Service
	err := sqlx.GetContext(ctx, q, &svc, serviceSelect+` WHERE s.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// Filters narrow a service listing.
type Filters struct {
	Status     Status
	NamePrefix string
	AgentID    string
	ExcludeAgent string
}

// List returns services matching the filters, denormalized with the owning
// agent's name.
func (s *Store) List(ctx context.Context, q sqlx.ExtContext, f Filters) ([]*Service, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		where = append(where, "s.status = ?")
		args = append(args, f.Status)
	}
	if f.NamePrefix != "" {
		where = append(where, "s.name LIKE ?")
		args = append(args, f.NamePrefix+"%")
	}
	if f.AgentID != "" {
		where = append(where, "s.agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.ExcludeAgent != "" {
		where = append(where, "s.agent_id != ?")
		args = append(args, f.ExcludeAgent)
	}

	var result []*Service
	query := fmt.Sprintf(`%s WHERE %s ORDER BY s.name ASC`, serviceSelect, strings.Join(where, " AND "))
	err := sqlx.SelectContext(ctx, q, &result, query, args...)
	return result, err
}

// UpdateStatus sets a service's status, returning the previous value.
func (s *Store) UpdateStatus(ctx context.Context, q sqlx.ExtContext, id string, status Status) (Status, error) {
	var old Status
	err := sqlx.GetContext(ctx, q, &old, `SELECT status FROM services WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE services SET status = ?, last_updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return old, err
}

// Delete removes a service row.
func (s *Store) Delete(ctx context.Context, q sqlx.ExtContext, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
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
