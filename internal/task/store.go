package task

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

// Store reads and writes task rows. The race-sensitive transitions (claim,
// accept, reject, release, start) are conditional UPDATEs whose WHERE clause
// repeats the expected state; zero affected rows means the caller lost a
// race and gets a distinct error from the service layer.
type Store struct{}

// NewStore returns a Store.
func NewStore() *Store {
	return &Store{}
}

// Insert creates a task row, minting an id when none is supplied.
func (s *Store) Insert(ctx context.Context, q sqlx.ExtContext, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Source == "" {
		t.Source = SourceMCP
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.LastUpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (id, task, status, source, agent_id, creator_agent_id, offered_to, offered_at,
			task_type, tags, priority, depends_on, parent_task_id, epic_id, external_context,
			created_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Task, t.Status, t.Source, t.AgentID, t.CreatorAgentID, t.OfferedTo, t.OfferedAt,
		t.TaskType, t.Tags, t.Priority, t.DependsOn, t.ParentTaskID, t.EpicID, t.ExternalContext,
		t.CreatedAt, t.LastUpdatedAt)
	return err
}

// GetByID returns the task with the given id.
func (s *Store) GetByID(ctx context.Context, q sqlx.ExtContext, id string) (*Task, error) {
	var t Task
	err := sqlx.GetContext(ctx, q, &t, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Filters narrow a task listing. ReadyOnly is applied by the service after
// the SQL filter.
type Filters struct {
	Status     Status
	AgentID    string
	Unassigned bool
	OfferedTo  string
	TaskType   string
	Tags       []string
	Search     string
	ReadyOnly  bool
	EpicID     string
	Limit      int
}

// List returns tasks matching the filters, highest priority first, then
// most recently updated.
func (s *Store) List(ctx context.Context, q sqlx.ExtContext, f Filters) ([]*Task, error) {
	where := []string{"1=1"}
	args := []any{}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Unassigned {
		where = append(where, "status = 'unassigned'")
	}
	if f.OfferedTo != "" {
		where = append(where, "offered_to = ?")
		args = append(args, f.OfferedTo)
	}
	if f.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, f.TaskType)
	}
	if f.EpicID != "" {
		where = append(where, "epic_id = ?")
		args = append(args, f.EpicID)
	}
	if len(f.Tags) > 0 {
		// Match-any against the serialized JSON tags column.
		ors := make([]string, 0, len(f.Tags))
		for _, tag := range f.Tags {
			ors = append(ors, "tags LIKE ?")
			args = append(args, `%"`+tag+`"%`)
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if f.Search != "" {
		where = append(where, "task LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	var tasks []*Task
	query := fmt.Sprintf(`
		SELECT * FROM tasks WHERE %s
		ORDER BY priority DESC, last_updated_at DESC
		LIMIT ?`, strings.Join(where, " AND "))
	err := sqlx.SelectContext(ctx, q, &tasks, query, args...)
	return tasks, err
}

// affected returns the number of rows the result touched.
func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Claim atomically moves an unassigned task to pending for the given agent.
// Returns false when the task was not in unassigned (lost race).
func (s *Store) Claim(ctx context.Context, q sqlx.ExtContext, id, agentID string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', agent_id = ?, last_updated_at = ?
		WHERE id = ? AND status = 'unassigned'`,
		agentID, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// Release returns a pending or in_progress task to the pool. Only the
// current assignee may release.
func (s *Store) Release(ctx context.Context, q sqlx.ExtContext, id, agentID string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = 'unassigned', agent_id = NULL, last_updated_at = ?
		WHERE id = ? AND agent_id = ? AND status IN ('pending', 'in_progress')`,
		time.Now().UTC(), id, agentID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// Accept moves an offered task to pending for the offered agent.
func (s *Store) Accept(ctx context.Context, q sqlx.ExtContext, id, agentID string) (bool, error) {
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', agent_id = offered_to, offered_to = NULL,
			accepted_at = ?, last_updated_at = ?
		WHERE id = ? AND status = 'offered' AND offered_to = ?`,
		now, now, id, agentID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// Reject returns an offered task to the pool, recording the reason.
func (s *Store) Reject(ctx context.Context, q sqlx.ExtContext, id, agentID, reason string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = 'unassigned', offered_to = NULL, offered_at = NULL,
			rejection_reason = ?, last_updated_at = ?
		WHERE id = ? AND status = 'offered' AND offered_to = ?`,
		reason, time.Now().UTC(), id, agentID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// Start moves the assignee's pending task to in_progress.
func (s *Store) Start(ctx context.Context, q sqlx.ExtContext, id, agentID string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = 'in_progress', last_updated_at = ?
		WHERE id = ? AND agent_id = ? AND status = 'pending'`,
		time.Now().UTC(), id, agentID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// Pause moves the assignee's in_progress task to paused.
func (s *Store) Pause(ctx context.Context, q sqlx.ExtContext, id, agentID string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = 'paused', last_updated_at = ?
		WHERE id = ? AND agent_id = ? AND status = 'in_progress'`,
		time.Now().UTC(), id, agentID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// Resume moves the assignee's paused task back to in_progress.
func (s *Store) Resume(ctx context.Context, q sqlx.ExtContext, id, agentID string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = 'in_progress', last_updated_at = ?
		WHERE id = ? AND agent_id = ? AND status = 'paused'`,
		time.Now().UTC(), id, agentID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// ToBacklog moves an unassigned task to the backlog.
func (s *Store) ToBacklog(ctx context.Context, q sqlx.ExtContext, id string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = 'backlog', last_updated_at = ?
		WHERE id = ? AND status = 'unassigned'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// FromBacklog moves a backlog task back to the pool.
func (s *Store) FromBacklog(ctx context.Context, q sqlx.ExtContext, id string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = 'unassigned', last_updated_at = ?
		WHERE id = ? AND status = 'backlog'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// Finish moves a non-terminal task to a terminal status, setting finished_at
// exactly once. Output and failureReason are stored as given.
func (s *Store) Finish(ctx context.Context, q sqlx.ExtContext, id string, status Status, output, failureReason *string) (bool, error) {
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, output = ?, failure_reason = ?,
			offered_to = NULL, offered_at = NULL, finished_at = ?, last_updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		status, output, failureReason, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// UpdateProgress stores a progress snapshot on an active task.
func (s *Store) UpdateProgress(ctx context.Context, q sqlx.ExtContext, id, progress string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET progress = ?, last_updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		progress, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// SetEpic sets or clears a task's epic back-reference, optionally replacing
// its tags in the same statement.
func (s *Store) SetEpic(ctx context.Context, q sqlx.ExtContext, id string, epicID *string, tags []string) error {
	var res sql.Result
	var err error
	if tags != nil {
		res, err = q.ExecContext(ctx, `
			UPDATE tasks SET epic_id = ?, tags = ?, last_updated_at = ? WHERE id = ?`,
			epicID, store.StringSlice(tags), time.Now().UTC(), id)
	} else {
		res, err = q.ExecContext(ctx, `
			UPDATE tasks SET epic_id = ?, last_updated_at = ? WHERE id = ?`,
			epicID, time.Now().UTC(), id)
	}
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// StatusesByIDs returns the status of each existing task in ids.
func (s *Store) StatusesByIDs(ctx context.Context, q sqlx.ExtContext, ids []string) (map[string]Status, error) {
	result := make(map[string]Status, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT id, status FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryxContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var status Status
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		result[id] = status
	}
	return result, rows.Err()
}

// CountsByStatus returns the number of tasks per status.
func (s *Store) CountsByStatus(ctx context.Context, q sqlx.ExtContext) (map[Status]int, error) {
	rows, err := q.QueryxContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
