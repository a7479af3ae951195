package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/events/bus"
	"github.com/swarmhq/swarm/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.DB) {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events := eventlog.NewPublisher(eventlog.New(), bus.NewMemoryEventBus(log), log)
	return NewService(db, NewStore(), events, log), db
}

func TestJoin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Join(ctx, JoinParams{Name: "worker-1", Role: "frontend"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, StatusIdle, a.Status)
	assert.Equal(t, 1, a.MaxTasks)
	assert.False(t, a.IsLead)

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.Name)
	assert.Equal(t, "frontend", got.Role)
}

func TestJoinRequiresName(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Join(context.Background(), JoinParams{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestJoinDuplicateName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, JoinParams{Name: "worker-1"})
	require.NoError(t, err)

	_, err = svc.Join(ctx, JoinParams{Name: "worker-1"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestJoinSingleLead(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, JoinParams{Name: "lead-1", Lead: true})
	require.NoError(t, err)

	_, err = svc.Join(ctx, JoinParams{Name: "lead-2", Lead: true})
	assert.ErrorIs(t, err, ErrLeadExists)

	// A worker can still join.
	_, err = svc.Join(ctx, JoinParams{Name: "worker-1"})
	require.NoError(t, err)

	lead, err := svc.GetLead(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lead-1", lead.Name)
}

func TestUpdateStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Join(ctx, JoinParams{Name: "worker-1"})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateStatus(ctx, a.ID, StatusBusy))
	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, got.Status)

	// Setting the same status again is a no-op, not an error.
	require.NoError(t, svc.UpdateStatus(ctx, a.ID, StatusBusy))

	err = svc.UpdateStatus(ctx, a.ID, Status("bogus"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestUpdateStatusUnknownAgent(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.UpdateStatus(context.Background(), "nope", StatusBusy)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProfile(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Join(ctx, JoinParams{Name: "worker-1", Role: "backend"})
	require.NoError(t, err)

	role := "fullstack"
	got, err := svc.UpdateProfile(ctx, a.ID, &role, nil, []string{"go", "sql"})
	require.NoError(t, err)
	assert.Equal(t, "fullstack", got.Role)
	assert.Equal(t, store.StringSlice{"go", "sql"}, got.Capabilities)
	// Description was not supplied and must survive untouched.
	assert.Equal(t, a.Description, got.Description)
}

func TestDelete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Join(ctx, JoinParams{Name: "worker-1"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, a.ID))

	_, err = svc.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHasCapacity(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	a, err := svc.Join(ctx, JoinParams{Name: "worker-1", MaxTasks: 1})
	require.NoError(t, err)

	ok, err := svc.HasCapacity(ctx, db.DB(), a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// One active task saturates maxTasks=1.
	_, err = db.DB().ExecContext(ctx, `
		INSERT INTO tasks (id, task, status, source, agent_id, tags, depends_on, priority, external_context, created_at, last_updated_at)
		VALUES ('t1', 'work', 'in_progress', 'mcp', ?, '[]', '[]', 50, '{}', datetime('now'), datetime('now'))`, a.ID)
	require.NoError(t, err)

	ok, err = svc.HasCapacity(ctx, db.DB(), a.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
