package epic

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

// Store reads and writes epic rows.
type Store struct{}

// NewStore returns a Store.
func NewStore() *Store {
	return &Store{}
}

// Insert creates an epic row.
func (s *Store) Insert(ctx context.Context, q sqlx.ExtContext, e *Epic) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = StatusDraft
	}
	e.CreatedAt = time.Now().UTC()

	_, err := q.ExecContext(ctx, `
		INSERT INTO epics (id, name, goal, description, prd, plan, status, priority, tags,
			lead_agent_id, created_by_agent_id, channel_id, external_refs, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Goal, e.Description, e.PRD, e.Plan, e.Status, e.Priority, e.Tags,
		e.LeadAgentID, e.CreatedByAgentID, e.ChannelID, e.ExternalRefs, e.CreatedAt, e.StartedAt, e.CompletedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: epics.name") {
		return fmt.Errorf("%w: epic %q already exists", ErrConflict, e.Name)
	}
	return err
}

// GetByID returns the epic with the given id.
func (s *Store) GetByID(ctx context.Context, q sqlx.ExtContext, id string) (*Epic, error) {
	var e Epic
	err := sqlx.GetContext(ctx, q, &e, `SELECT * FROM epics WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns every epic, highest priority first.
func (s *Store) List(ctx context.Context, q sqlx.ExtContext) ([]*Epic, error) {
	var epics []*Epic
	err := sqlx.SelectContext(ctx, q, &epics, `
		SELECT * FROM epics ORDER BY priority DESC, created_at DESC`)
	return epics, err
}

// Update applies a partial update of the given columns.
func (s *Store) Update(ctx context.Context, q sqlx.ExtContext, id string, sets map[string]any) error {
	if len(sets) == 0 {
		return nil
	}
	clauses := make([]string, 0, len(sets))
	args := make([]any, 0, len(sets)+1)
	for col, val := range sets {
		clauses = append(clauses, col+" = ?")
		args = append(args, val)
	}
	args = append(args, id)

	res, err := q.ExecContext(ctx,
		fmt.Sprintf("UPDATE epics SET %s WHERE id = ?", strings.Join(clauses, ", ")), args...)
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

// Delete removes an epic; owned tasks keep existing with epic_id cleared by
// the foreign key.
func (s *Store) Delete(ctx context.Context, q sqlx.ExtContext, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM epics WHERE id = ?`, id)
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

// Progress counts the epic's tasks by status bucket.
func (s *Store) Progress(ctx context.Context, q sqlx.ExtContext, id string) (*Progress, error) {
	rows, err := q.QueryxContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE epic_id = ? GROUP BY status`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	p := &Progress{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		p.Total += count
		switch status {
		case "backlog":
			p.Backlog += count
		case "unassigned", "offered", "pending":
			p.Open += count
		case "in_progress", "paused", "reviewing":
			p.InProgress += count
		case "completed":
			p.Completed += count
		case "failed":
			p.Failed += count
		case "cancelled":
			p.Cancelled += count
		}
	}
	return p, rows.Err()
}
