package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmhq/swarm/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func collect() (Handler, func() []*Event) {
	var mu sync.Mutex
	var events []*Event
	handler := func(ctx context.Context, e *Event) error {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		return nil
	}
	snapshot := func() []*Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Event(nil), events...)
	}
	return handler, snapshot
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()
	ctx := context.Background()

	handler, got := collect()
	sub, err := b.Subscribe(SubjectPrefix+".task_created", handler)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, SubjectPrefix+".task_created", &Event{Type: "task_created"}))
	require.NoError(t, b.Publish(ctx, SubjectPrefix+".agent_joined", &Event{Type: "agent_joined"}))

	assert.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "task_created", got()[0].Type)
}

func TestWildcardSubscription(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()
	ctx := context.Background()

	handler, got := collect()
	_, err := b.Subscribe(SubjectPrefix+".>", handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, SubjectPrefix+".task_created", &Event{Type: "task_created"}))
	require.NoError(t, b.Publish(ctx, SubjectPrefix+".task_claimed", &Event{Type: "task_claimed"}))
	require.NoError(t, b.Publish(ctx, "other.subject", &Event{Type: "other"}))

	assert.Eventually(t, func() bool { return len(got()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()
	ctx := context.Background()

	handler, got := collect()
	sub, err := b.Subscribe(SubjectPrefix+".>", handler)
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, SubjectPrefix+".task_created", &Event{Type: "task_created"}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got())
}

func TestClosedBusRejectsUse(t *testing.T) {
	b := newTestBus(t)
	b.Close()
	assert.False(t, b.IsConnected())

	assert.Error(t, b.Publish(context.Background(), SubjectPrefix+".x", &Event{}))
	_, err := b.Subscribe(SubjectPrefix+".x", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
