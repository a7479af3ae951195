package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/events/bus"
	"github.com/swarmhq/swarm/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *agent.Service, *store.DB, *eventlog.Log) {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eventLog := eventlog.New()
	events := eventlog.NewPublisher(eventLog, bus.NewMemoryEventBus(log), log)
	agents := agent.NewService(db, agent.NewStore(), events, log)
	return NewRegistry(db, NewStore(), agents, events, log), agents, db, eventLog
}

func join(t *testing.T, agents *agent.Service, name string) *agent.Agent {
	t.Helper()
	a, err := agents.Join(context.Background(), agent.JoinParams{Name: name})
	require.NoError(t, err)
	return a
}

func TestUpsertInsertsWithDefaults(t *testing.T) {
	reg, agents, _, _ := newTestRegistry(t)
	ctx := context.Background()
	owner := join(t, agents, "worker-1")

	svc, err := reg.Upsert(ctx, UpsertParams{
		AgentID: owner.ID,
		Name:    "web",
		Port:    3000,
		URL:     "http://localhost:3000",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, svc.ID)
	assert.Equal(t, StatusStarting, svc.Status)
	assert.Equal(t, "/health", svc.HealthCheckPath)
	assert.Equal(t, "worker-1", svc.AgentName)
}

func TestUpsertRequiresOwnerAndName(t *testing.T) {
	reg, agents, _, _ := newTestRegistry(t)
	ctx := context.Background()
	owner := join(t, agents, "worker-1")

	_, err := reg.Upsert(ctx, UpsertParams{AgentID: owner.ID, Name: "  "})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = reg.Upsert(ctx, UpsertParams{AgentID: "ghost", Name: "web"})
	assert.ErrorIs(t, err, agent.ErrNotFound)

	_, err = reg.Upsert(ctx, UpsertParams{AgentID: owner.ID, Name: "web", Status: Status("bogus")})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestUpsertPreservesIdentity(t *testing.T) {
	reg, agents, _, _ := newTestRegistry(t)
	ctx := context.Background()
	owner := join(t, agents, "worker-1")

	first, err := reg.Upsert(ctx, UpsertParams{AgentID: owner.ID, Name: "web", Port: 3000})
	require.NoError(t, err)

	// Re-registering the same (agent, name) replaces runtime fields only.
	second, err := reg.Upsert(ctx, UpsertParams{
		AgentID: owner.ID, Name: "web", Port: 3001, Status: StatusHealthy,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, 3001, second.Port)
	assert.Equal(t, StatusHealthy, second.Status)

	// A different agent with the same service name gets its own row.
	other := join(t, agents, "worker-2")
	theirs, err := reg.Upsert(ctx, UpsertParams{AgentID: other.ID, Name: "web", Port: 4000})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, theirs.ID)
}

func TestUpdateStatusEmitsOnlyOnChange(t *testing.T) {
	reg, agents, db, eventLog := newTestRegistry(t)
	ctx := context.Background()
	owner := join(t, agents, "worker-1")

	svc, err := reg.Upsert(ctx, UpsertParams{AgentID: owner.ID, Name: "web"})
	require.NoError(t, err)

	countChanges := func() int {
		entries, err := eventLog.List(ctx, db.DB(), 50, eventlog.ServiceStatusChange)
		require.NoError(t, err)
		return len(entries)
	}

	_, err = reg.UpdateStatus(ctx, svc.ID, StatusHealthy)
	require.NoError(t, err)
	assert.Equal(t, 1, countChanges())

	// Same status again: the row is touched but no event is logged.
	_, err = reg.UpdateStatus(ctx, svc.ID, StatusHealthy)
	require.NoError(t, err)
	assert.Equal(t, 1, countChanges())

	_, err = reg.UpdateStatus(ctx, svc.ID, StatusUnhealthy)
	require.NoError(t, err)
	assert.Equal(t, 2, countChanges())

	_, err = reg.UpdateStatus(ctx, svc.ID, Status("bogus"))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = reg.UpdateStatus(ctx, "nope", StatusHealthy)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFilters(t *testing.T) {
	reg, agents, _, _ := newTestRegistry(t)
	ctx := context.Background()
	w1 := join(t, agents, "worker-1")
	w2 := join(t, agents, "worker-2")

	_, err := reg.Upsert(ctx, UpsertParams{AgentID: w1.ID, Name: "web", Status: StatusHealthy})
	require.NoError(t, err)
	_, err = reg.Upsert(ctx, UpsertParams{AgentID: w1.ID, Name: "worker-queue"})
	require.NoError(t, err)
	_, err = reg.Upsert(ctx, UpsertParams{AgentID: w2.ID, Name: "db"})
	require.NoError(t, err)

	all, err := reg.List(ctx, Filters{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	healthy, err := reg.List(ctx, Filters{Status: StatusHealthy})
	require.NoError(t, err)
	require.Len(t, healthy, 1)
	assert.Equal(t, "web", healthy[0].Name)

	prefixed, err := reg.List(ctx, Filters{NamePrefix: "w"})
	require.NoError(t, err)
	assert.Len(t, prefixed, 2)

	mine, err := reg.List(ctx, Filters{AgentID: w2.ID})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "db", mine[0].Name)

	others, err := reg.List(ctx, Filters{ExcludeAgent: w1.ID})
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, "db", others[0].Name)
}

func TestUnregisterOwnerOnly(t *testing.T) {
	reg, agents, _, _ := newTestRegistry(t)
	ctx := context.Background()
	owner := join(t, agents, "worker-1")
	other := join(t, agents, "worker-2")

	svc, err := reg.Upsert(ctx, UpsertParams{AgentID: owner.ID, Name: "web"})
	require.NoError(t, err)

	err = reg.Unregister(ctx, svc.ID, other.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, reg.Unregister(ctx, svc.ID, owner.ID))
	_, err = reg.Get(ctx, svc.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = reg.Unregister(ctx, svc.ID, owner.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
