package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/events/bus"
	"github.com/swarmhq/swarm/internal/store"
	"github.com/swarmhq/swarm/internal/task"
)

type testEnv struct {
	svc      *Service
	agents   *agent.Service
	tasks    *task.Service
	db       *store.DB
	eventLog *eventlog.Log
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eventLog := eventlog.New()
	events := eventlog.NewPublisher(eventLog, bus.NewMemoryEventBus(log), log)
	agents := agent.NewService(db, agent.NewStore(), events, log)
	tasks := task.NewService(db, task.NewStore(), agents, events, log)
	return &testEnv{
		svc:      NewService(db, NewStore(), tasks, agents, events, log),
		agents:   agents,
		tasks:    tasks,
		db:       db,
		eventLog: eventLog,
	}
}

func (e *testEnv) join(t *testing.T, name string, lead bool) *agent.Agent {
	t.Helper()
	a, err := e.agents.Join(context.Background(), agent.JoinParams{Name: name, Lead: lead})
	require.NoError(t, err)
	return a
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, CreateParams{TaskTemplate: "run it", IntervalMs: 1000})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = env.svc.Create(ctx, CreateParams{Name: "x", IntervalMs: 1000})
	assert.ErrorIs(t, err, ErrInvalid)

	// Cadence is exactly-one: neither and both are rejected.
	_, err = env.svc.Create(ctx, CreateParams{Name: "x", TaskTemplate: "run it"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = env.svc.Create(ctx, CreateParams{
		Name: "x", TaskTemplate: "run it", CronExpression: "* * * * *", IntervalMs: 1000,
	})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = env.svc.Create(ctx, CreateParams{
		Name: "x", TaskTemplate: "run it", CronExpression: "not a cron",
	})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCreateInterval(t *testing.T) {
	env := newTestEnv(t)

	before := time.Now().UTC()
	st, err := env.svc.Create(context.Background(), CreateParams{
		Name: "sweeper", TaskTemplate: "sweep stale rows", IntervalMs: 60_000,
	})
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, "UTC", st.Timezone)
	require.NotNil(t, st.NextRunAt)
	assert.WithinDuration(t, before.Add(time.Minute), *st.NextRunAt, 5*time.Second)
	assert.Nil(t, st.LastRunAt)
}

func TestCreateCron(t *testing.T) {
	env := newTestEnv(t)

	st, err := env.svc.Create(context.Background(), CreateParams{
		Name: "nightly", TaskTemplate: "rotate logs", CronExpression: "0 3 * * *",
	})
	require.NoError(t, err)
	require.NotNil(t, st.NextRunAt)
	assert.True(t, st.NextRunAt.After(time.Now().UTC()))
	assert.Equal(t, 3, st.NextRunAt.UTC().Hour())
}

func TestCreateDisabledHasNoNextRun(t *testing.T) {
	env := newTestEnv(t)

	enabled := false
	st, err := env.svc.Create(context.Background(), CreateParams{
		Name: "dormant", TaskTemplate: "later", IntervalMs: 1000, Enabled: &enabled,
	})
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Nil(t, st.NextRunAt)
}

func TestCreateDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, CreateParams{Name: "sweeper", TaskTemplate: "sweep", IntervalMs: 1000})
	require.NoError(t, err)
	_, err = env.svc.Create(ctx, CreateParams{Name: "sweeper", TaskTemplate: "sweep", IntervalMs: 1000})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTickMaterializesDueSchedules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	target := env.join(t, "worker-1", false)

	pooled, err := env.svc.Create(ctx, CreateParams{
		Name: "pool-feed", TaskTemplate: "check the queue depth",
		IntervalMs: 50, Tags: []string{"ops"}, TaskType: "maintenance",
	})
	require.NoError(t, err)
	targeted, err := env.svc.Create(ctx, CreateParams{
		Name: "targeted", TaskTemplate: "ping the target",
		IntervalMs: 50, TargetAgentID: target.ID,
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.Tick(ctx, time.Now().UTC().Add(time.Second)))

	fromPool, err := env.tasks.List(ctx, task.Filters{Search: "queue depth"})
	require.NoError(t, err)
	require.Len(t, fromPool, 1)
	assert.Equal(t, task.StatusUnassigned, fromPool[0].Status)
	assert.Equal(t, task.SourceSystem, fromPool[0].Source)
	assert.Equal(t, store.StringSlice{"ops"}, fromPool[0].Tags)
	require.NotNil(t, fromPool[0].TaskType)
	assert.Equal(t, "maintenance", *fromPool[0].TaskType)

	assigned, err := env.tasks.List(ctx, task.Filters{AgentID: target.ID})
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, task.StatusPending, assigned[0].Status)

	// Both schedules recorded the run and moved their next run forward.
	for _, id := range []string{pooled.ID, targeted.ID} {
		got, err := env.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, got.LastRunAt)
		require.NotNil(t, got.NextRunAt)
		assert.True(t, got.NextRunAt.After(time.Now().UTC()))
	}

	triggered, err := env.eventLog.List(ctx, env.db.DB(), 50, eventlog.ScheduleTriggered)
	require.NoError(t, err)
	assert.Len(t, triggered, 2)

	// A second tick at the same instant finds nothing due.
	require.NoError(t, env.svc.Tick(ctx, time.Now().UTC()))
	fromPool, err = env.tasks.List(ctx, task.Filters{Search: "queue depth"})
	require.NoError(t, err)
	assert.Len(t, fromPool, 1)
}

func TestTickDisablesBadCron(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	st, err := env.svc.Create(ctx, CreateParams{
		Name: "rotten", TaskTemplate: "never runs", CronExpression: "* * * * *",
	})
	require.NoError(t, err)

	// Corrupt the stored expression under the validator's feet.
	_, err = env.db.DB().ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET cron_expression = 'definitely not cron', next_run_at = datetime('now', '-1 minute')
		WHERE id = ?`, st.ID)
	require.NoError(t, err)

	require.NoError(t, env.svc.Tick(ctx, time.Now().UTC()))

	got, err := env.svc.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)

	// No task materialized, but the disable left a trace.
	tasks, err := env.tasks.List(ctx, task.Filters{Search: "never runs"})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	disabled, err := env.eventLog.List(ctx, env.db.DB(), 10, eventlog.ScheduleDisabled)
	require.NoError(t, err)
	assert.Len(t, disabled, 1)
}

func TestRunNowKeepsNextRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creator := env.join(t, "worker-1", false)

	st, err := env.svc.Create(ctx, CreateParams{
		Name: "nightly", TaskTemplate: "rotate logs",
		CronExpression: "0 3 * * *", CreatedByAgentID: creator.ID,
	})
	require.NoError(t, err)
	before, err := env.svc.Get(ctx, st.ID)
	require.NoError(t, err)

	created, err := env.svc.RunNow(ctx, st.ID, creator.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotate logs", created.Task)

	after, err := env.svc.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.NotNil(t, after.LastRunAt)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, before.NextRunAt.Equal(*after.NextRunAt))
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creator := env.join(t, "creator", false)
	bystander := env.join(t, "bystander", false)
	lead := env.join(t, "lead", true)

	st, err := env.svc.Create(ctx, CreateParams{
		Name: "guarded", TaskTemplate: "work", IntervalMs: 1000, CreatedByAgentID: creator.ID,
	})
	require.NoError(t, err)

	desc := "changed"
	_, err = env.svc.Update(ctx, st.ID, bystander.ID, UpdateParams{Description: &desc})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = env.svc.RunNow(ctx, st.ID, bystander.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	err = env.svc.Delete(ctx, st.ID, bystander.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// The lead can touch any schedule.
	updated, err := env.svc.Update(ctx, st.ID, lead.ID, UpdateParams{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "changed", updated.Description)

	require.NoError(t, env.svc.Delete(ctx, st.ID, creator.ID))
	_, err = env.svc.Get(ctx, st.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateCadence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creator := env.join(t, "creator", false)

	st, err := env.svc.Create(ctx, CreateParams{
		Name: "shifting", TaskTemplate: "work", IntervalMs: 60_000, CreatedByAgentID: creator.ID,
	})
	require.NoError(t, err)

	// Switching to cron requires dropping the interval in the same update.
	cron := "0 3 * * *"
	_, err = env.svc.Update(ctx, st.ID, creator.ID, UpdateParams{CronExpression: &cron})
	assert.ErrorIs(t, err, ErrInvalid)

	zero := int64(0)
	updated, err := env.svc.Update(ctx, st.ID, creator.ID, UpdateParams{
		CronExpression: &cron, IntervalMs: &zero,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.CronExpression)
	assert.Equal(t, cron, *updated.CronExpression)
	assert.Nil(t, updated.IntervalMs)
	require.NotNil(t, updated.NextRunAt)
	assert.Equal(t, 3, updated.NextRunAt.UTC().Hour())

	// Disabling clears the next run; re-enabling recomputes it.
	off := false
	updated, err = env.svc.Update(ctx, st.ID, creator.ID, UpdateParams{Enabled: &off})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.NextRunAt)

	on := true
	updated, err = env.svc.Update(ctx, st.ID, creator.ID, UpdateParams{Enabled: &on})
	require.NoError(t, err)
	assert.True(t, updated.Enabled)
	assert.NotNil(t, updated.NextRunAt)

	bad := "not a cron"
	_, err = env.svc.Update(ctx, st.ID, creator.ID, UpdateParams{CronExpression: &bad})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSchedulerLoop(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := env.svc.Create(ctx, CreateParams{
		Name: "fast", TaskTemplate: "heartbeat", IntervalMs: 20,
	})
	require.NoError(t, err)

	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	scheduler := NewScheduler(env.svc, 20*time.Millisecond, log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	assert.Eventually(t, func() bool {
		tasks, err := env.tasks.List(ctx, task.Filters{Search: "heartbeat"})
		return err == nil && len(tasks) > 0
	}, 3*time.Second, 20*time.Millisecond)
}
