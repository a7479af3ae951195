package task

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/events/bus"
	"github.com/swarmhq/swarm/internal/store"
)

func newTestService(t *testing.T) (*Service, *agent.Service) {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events := eventlog.NewPublisher(eventlog.New(), bus.NewMemoryEventBus(log), log)
	agents := agent.NewService(db, agent.NewStore(), events, log)
	return NewService(db, NewStore(), agents, events, log), agents
}

func joinWorker(t *testing.T, agents *agent.Service, name string, maxTasks int) *agent.Agent {
	t.Helper()
	a, err := agents.Join(context.Background(), agent.JoinParams{Name: name, MaxTasks: maxTasks})
	require.NoError(t, err)
	return a
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{Task: "  "})
	assert.ErrorIs(t, err, ErrInvalid)

	bad := 150
	_, err = svc.Create(ctx, CreateParams{Task: "work", Priority: &bad})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCreateUnassignedDefaults(t *testing.T) {
	svc, _ := newTestService(t)

	created, err := svc.Create(context.Background(), CreateParams{Task: "triage the flaky build"})
	require.NoError(t, err)
	assert.Equal(t, StatusUnassigned, created.Status)
	assert.Equal(t, 50, created.Priority)
	assert.Nil(t, created.AgentID)
}

func TestCreateCapacityRefusesDirectAssignment(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 1)

	_, err := svc.Create(ctx, CreateParams{Task: "first", AgentID: w.ID})
	require.NoError(t, err)

	// The second direct assignment exceeds maxTasks=1.
	_, err = svc.Create(ctx, CreateParams{Task: "second", AgentID: w.ID})
	assert.ErrorIs(t, err, ErrCapacity)

	// The same target can still be offered.
	offered, err := svc.Create(ctx, CreateParams{Task: "second", AgentID: w.ID, OfferMode: true})
	require.NoError(t, err)
	assert.Equal(t, StatusOffered, offered.Status)
	require.NotNil(t, offered.OfferedTo)
	assert.Equal(t, w.ID, *offered.OfferedTo)
	assert.NotNil(t, offered.OfferedAt)
	assert.Nil(t, offered.AgentID)
}

func TestClaimRace(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w1 := joinWorker(t, agents, "worker-1", 1)
	w2 := joinWorker(t, agents, "worker-2", 1)

	created, err := svc.Create(ctx, CreateParams{Task: "contended"})
	require.NoError(t, err)

	errs := make([]error, 2)
	var g errgroup.Group
	for i, id := range []string{w1.ID, w2.ID} {
		g.Go(func() error {
			_, errs[i] = svc.Claim(ctx, created.ID, id)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var wins, losses int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		losses++
		assert.ErrorIs(t, err, ErrConflict)
		assert.Contains(t, err.Error(), "already claimed")
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.AgentID)
}

func TestClaimRespectsDependencies(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 2)

	dep, err := svc.Create(ctx, CreateParams{Task: "upstream"})
	require.NoError(t, err)
	blocked, err := svc.Create(ctx, CreateParams{Task: "downstream", DependsOn: []string{dep.ID}})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, blocked.ID, w.ID)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Contains(t, err.Error(), dep.ID)

	// ReadyOnly listing hides the blocked task.
	ready, err := svc.List(ctx, Filters{Unassigned: true, ReadyOnly: true})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, dep.ID, ready[0].ID)

	// Completing the dependency unblocks the claim.
	_, err = svc.Claim(ctx, dep.ID, w.ID)
	require.NoError(t, err)
	_, err = svc.Start(ctx, dep.ID, w.ID)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, dep.ID, w.ID, "done")
	require.NoError(t, err)

	claimed, err := svc.Claim(ctx, blocked.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, claimed.Status)
}

func TestOfferRejectAccept(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	lead, err := agents.Join(ctx, agent.JoinParams{Name: "lead", Lead: true})
	require.NoError(t, err)
	w := joinWorker(t, agents, "worker-1", 1)
	other := joinWorker(t, agents, "worker-2", 1)

	offered, err := svc.Create(ctx, CreateParams{
		Task: "review the deploy", AgentID: w.ID, OfferMode: true, CreatorAgentID: lead.ID,
	})
	require.NoError(t, err)

	// Only the offered agent may answer.
	_, err = svc.Accept(ctx, offered.ID, other.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Reject(ctx, offered.ID, other.ID, "not mine")
	assert.ErrorIs(t, err, ErrUnauthorized)

	rejected, err := svc.Reject(ctx, offered.ID, w.ID, "busy with the migration")
	require.NoError(t, err)
	assert.Equal(t, StatusUnassigned, rejected.Status)
	assert.Nil(t, rejected.OfferedTo)
	assert.Nil(t, rejected.OfferedAt)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "busy with the migration", *rejected.RejectionReason)

	// A rejected task is back in the pool and cannot be accepted.
	_, err = svc.Accept(ctx, offered.ID, w.ID)
	assert.ErrorIs(t, err, ErrConflict)

	offered2, err := svc.Create(ctx, CreateParams{Task: "second offer", AgentID: w.ID, OfferMode: true})
	require.NoError(t, err)
	accepted, err := svc.Accept(ctx, offered2.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, accepted.Status)
	require.NotNil(t, accepted.AgentID)
	assert.Equal(t, w.ID, *accepted.AgentID)
	assert.Nil(t, accepted.OfferedTo)
	assert.NotNil(t, accepted.AcceptedAt)
}

func TestReleaseRoundTrip(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 1)
	other := joinWorker(t, agents, "worker-2", 1)

	created, err := svc.Create(ctx, CreateParams{Task: "portable work"})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, created.ID, w.ID)
	require.NoError(t, err)

	_, err = svc.Release(ctx, created.ID, other.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	released, err := svc.Release(ctx, created.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnassigned, released.Status)
	assert.Nil(t, released.AgentID)

	// The pool task is claimable again, in_progress releases too.
	_, err = svc.Claim(ctx, created.ID, other.ID)
	require.NoError(t, err)
	_, err = svc.Start(ctx, created.ID, other.ID)
	require.NoError(t, err)
	released, err = svc.Release(ctx, created.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnassigned, released.Status)
}

func TestStartPauseResume(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 1)

	created, err := svc.Create(ctx, CreateParams{Task: "long running", AgentID: w.ID})
	require.NoError(t, err)

	// Resume before start is a state conflict, not a crash.
	_, err = svc.Resume(ctx, created.ID, w.ID)
	assert.ErrorIs(t, err, ErrConflict)

	started, err := svc.Start(ctx, created.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, started.Status)

	_, err = svc.Start(ctx, created.ID, w.ID)
	assert.ErrorIs(t, err, ErrConflict)

	paused, err := svc.Pause(ctx, created.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	resumed, err := svc.Resume(ctx, created.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, resumed.Status)
}

func TestStartByNonAssignee(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 1)
	other := joinWorker(t, agents, "worker-2", 1)

	created, err := svc.Create(ctx, CreateParams{Task: "not yours", AgentID: w.ID})
	require.NoError(t, err)

	_, err = svc.Start(ctx, created.ID, other.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBacklog(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 1)

	created, err := svc.Create(ctx, CreateParams{Task: "someday"})
	require.NoError(t, err)

	parked, err := svc.ToBacklog(ctx, created.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBacklog, parked.Status)

	// A backlog task is not claimable.
	_, err = svc.Claim(ctx, created.ID, w.ID)
	assert.ErrorIs(t, err, ErrConflict)

	revived, err := svc.FromBacklog(ctx, created.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnassigned, revived.Status)

	// Only unassigned tasks can be parked.
	_, err = svc.Claim(ctx, created.ID, w.ID)
	require.NoError(t, err)
	_, err = svc.ToBacklog(ctx, created.ID, w.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTerminalImmutability(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 1)

	created, err := svc.Create(ctx, CreateParams{Task: "one shot", AgentID: w.ID})
	require.NoError(t, err)
	_, err = svc.Start(ctx, created.ID, w.ID)
	require.NoError(t, err)

	finished, err := svc.Complete(ctx, created.ID, w.ID, "shipped")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, finished.Status)
	require.NotNil(t, finished.FinishedAt)
	firstFinish := *finished.FinishedAt

	_, err = svc.Fail(ctx, created.ID, w.ID, "changed my mind")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = svc.UpdateProgress(ctx, created.ID, w.ID, "still going")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = svc.Cancel(ctx, created.ID, w.ID, "too late")
	assert.ErrorIs(t, err, ErrConflict)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, firstFinish, *got.FinishedAt)
}

func TestFailRecordsReason(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 1)

	created, err := svc.Create(ctx, CreateParams{Task: "doomed", AgentID: w.ID})
	require.NoError(t, err)
	_, err = svc.Start(ctx, created.ID, w.ID)
	require.NoError(t, err)

	failed, err := svc.Fail(ctx, created.ID, w.ID, "upstream API is gone")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, "upstream API is gone", *failed.FailureReason)
	assert.NotNil(t, failed.FinishedAt)
}

func TestCancelAuthorization(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	lead, err := agents.Join(ctx, agent.JoinParams{Name: "lead", Lead: true})
	require.NoError(t, err)
	creator := joinWorker(t, agents, "creator", 2)
	bystander := joinWorker(t, agents, "bystander", 1)

	first, err := svc.Create(ctx, CreateParams{Task: "cancel me", CreatorAgentID: creator.ID})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, first.ID, bystander.ID, "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)

	cancelled, err := svc.Cancel(ctx, first.ID, creator.ID, "obsolete")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.FailureReason)
	assert.Equal(t, "obsolete", *cancelled.FailureReason)

	second, err := svc.Create(ctx, CreateParams{Task: "cancel me too", CreatorAgentID: creator.ID})
	require.NoError(t, err)
	cancelled, err = svc.Cancel(ctx, second.ID, lead.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.FailureReason)
}

func TestSessionAffinity(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 3)

	parent, err := svc.Create(ctx, CreateParams{Task: "parent", AgentID: w.ID})
	require.NoError(t, err)

	// A child without an explicit assignee inherits the parent's agent.
	child, err := svc.Create(ctx, CreateParams{Task: "child", ParentTaskID: parent.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, child.Status)
	require.NotNil(t, child.AgentID)
	assert.Equal(t, w.ID, *child.AgentID)
	require.NotNil(t, child.ParentTaskID)
	assert.Equal(t, parent.ID, *child.ParentTaskID)

	// An unassigned parent leaves the child in the pool.
	orphanParent, err := svc.Create(ctx, CreateParams{Task: "pool parent"})
	require.NoError(t, err)
	orphan, err := svc.Create(ctx, CreateParams{Task: "pool child", ParentTaskID: orphanParent.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusUnassigned, orphan.Status)
	assert.Nil(t, orphan.AgentID)
}

func TestFollowUpToLead(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	lead, err := agents.Join(ctx, agent.JoinParams{Name: "lead", Lead: true})
	require.NoError(t, err)
	w := joinWorker(t, agents, "worker-1", 1)

	longTask := strings.Repeat("t", 300)
	longOutput := strings.Repeat("o", 600)
	extCtx := ExternalContext{ChannelID: "C123", ThreadRef: "1700000000.000100", UserID: "U42"}

	created, err := svc.Create(ctx, CreateParams{
		Task: longTask, AgentID: w.ID, Source: SourceSlack, ExternalContext: extCtx,
	})
	require.NoError(t, err)
	_, err = svc.Start(ctx, created.ID, w.ID)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, created.ID, w.ID, longOutput)
	require.NoError(t, err)

	followUps, err := svc.List(ctx, Filters{AgentID: lead.ID})
	require.NoError(t, err)
	require.Len(t, followUps, 1)
	fu := followUps[0]

	assert.Equal(t, StatusPending, fu.Status)
	assert.Equal(t, SourceSystem, fu.Source)
	assert.Contains(t, fu.Task, "worker-1 completed a task")
	assert.Contains(t, fu.Task, strings.Repeat("t", 200))
	assert.NotContains(t, fu.Task, strings.Repeat("t", 201))
	assert.Contains(t, fu.Task, "Output: "+strings.Repeat("o", 500))
	assert.NotContains(t, fu.Task, strings.Repeat("o", 501))
	assert.Contains(t, fu.Task, created.ID)
	// The origin context rides along so the outcome can reach the thread.
	assert.Equal(t, extCtx, fu.ExternalContext)
}

func TestFollowUpOnFailureCarriesReason(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	_, err := agents.Join(ctx, agent.JoinParams{Name: "lead", Lead: true})
	require.NoError(t, err)
	w := joinWorker(t, agents, "worker-1", 1)

	created, err := svc.Create(ctx, CreateParams{Task: "fragile", AgentID: w.ID})
	require.NoError(t, err)
	_, err = svc.Start(ctx, created.ID, w.ID)
	require.NoError(t, err)
	_, err = svc.Fail(ctx, created.ID, w.ID, "disk full")
	require.NoError(t, err)

	lead, err := agents.GetLead(ctx)
	require.NoError(t, err)
	followUps, err := svc.List(ctx, Filters{AgentID: lead.ID})
	require.NoError(t, err)
	require.Len(t, followUps, 1)
	assert.Contains(t, followUps[0].Task, "worker-1 failed a task")
	assert.Contains(t, followUps[0].Task, "Reason: disk full")
}

func TestNoFollowUpForLeadTasks(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	lead, err := agents.Join(ctx, agent.JoinParams{Name: "lead", Lead: true})
	require.NoError(t, err)

	created, err := svc.Create(ctx, CreateParams{Task: "lead's own", AgentID: lead.ID})
	require.NoError(t, err)
	_, err = svc.Start(ctx, created.ID, lead.ID)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, created.ID, lead.ID, "done")
	require.NoError(t, err)

	all, err := svc.List(ctx, Filters{AgentID: lead.ID})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, created.ID, all[0].ID)
}

func TestCompleteFreesCapacity(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 1)

	first, err := svc.Create(ctx, CreateParams{Task: "first", AgentID: w.ID})
	require.NoError(t, err)

	busy, err := agents.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusBusy, busy.Status)

	_, err = svc.Start(ctx, first.ID, w.ID)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, first.ID, w.ID, "done")
	require.NoError(t, err)

	idle, err := agents.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, idle.Status)

	// Capacity is free again for a direct assignment.
	_, err = svc.Create(ctx, CreateParams{Task: "second", AgentID: w.ID})
	require.NoError(t, err)
}

func TestClaimAndReleaseDeriveAgentStatus(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 1)

	created, err := svc.Create(ctx, CreateParams{Task: "pool work"})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, created.ID, w.ID)
	require.NoError(t, err)
	a, err := agents.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusBusy, a.Status)

	_, err = svc.Release(ctx, created.ID, w.ID)
	require.NoError(t, err)
	a, err = agents.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
}

func TestAcceptDerivesAgentStatus(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	w := joinWorker(t, agents, "worker-1", 1)

	created, err := svc.Create(ctx, CreateParams{Task: "offered work", AgentID: w.ID, OfferMode: true})
	require.NoError(t, err)

	// An open offer does not occupy capacity.
	a, err := agents.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)

	_, err = svc.Accept(ctx, created.ID, w.ID)
	require.NoError(t, err)
	a, err = agents.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusBusy, a.Status)
}

func TestCancelOfferedClearsOffer(t *testing.T) {
	svc, agents := newTestService(t)
	ctx := context.Background()
	lead, err := agents.Join(ctx, agent.JoinParams{Name: "lead", Lead: true})
	require.NoError(t, err)
	w := joinWorker(t, agents, "worker-1", 1)

	created, err := svc.Create(ctx, CreateParams{Task: "offered work", AgentID: w.ID, OfferMode: true})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, created.ID, lead.ID, "plans changed")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.OfferedTo)
	assert.Nil(t, cancelled.OfferedAt)

	// The dead offer no longer shows up in the worker's offer list.
	open, err := svc.List(ctx, Filters{OfferedTo: w.ID})
	require.NoError(t, err)
	assert.Empty(t, open)
}
