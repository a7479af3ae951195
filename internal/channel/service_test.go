package channel

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/events/bus"
	"github.com/swarmhq/swarm/internal/store"
	"github.com/swarmhq/swarm/internal/task"
)

func newTestService(t *testing.T) (*Service, *agent.Service, *task.Service) {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events := eventlog.NewPublisher(eventlog.New(), bus.NewMemoryEventBus(log), log)
	agents := agent.NewService(db, agent.NewStore(), events, log)
	tasks := task.NewService(db, task.NewStore(), agents, events, log)
	return NewService(db, NewStore(), agents, tasks, events, log), agents, tasks
}

func join(t *testing.T, agents *agent.Service, name string) *agent.Agent {
	t.Helper()
	a, err := agents.Join(context.Background(), agent.JoinParams{Name: name})
	require.NoError(t, err)
	return a
}

func TestCreateChannel(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.Create(ctx, CreateParams{Name: "deploys", Description: "deploy chatter"})
	require.NoError(t, err)
	assert.Equal(t, TypePublic, ch.Type)

	_, err = svc.Create(ctx, CreateParams{Name: "deploys"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.Create(ctx, CreateParams{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.Create(ctx, CreateParams{Name: "weird", Type: Type("group")})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGeneralChannelSeeded(t *testing.T) {
	svc, _, _ := newTestService(t)

	ch, err := svc.Get(context.Background(), store.GeneralChannelID)
	require.NoError(t, err)
	assert.Equal(t, "general", ch.Name)
}

func TestMentionToTask(t *testing.T) {
	svc, agents, tasks := newTestService(t)
	ctx := context.Background()
	sender := join(t, agents, "alice")
	w1 := join(t, agents, "worker-1")
	w2 := join(t, agents, "worker-2")

	result, err := svc.PostMessage(ctx, PostParams{
		ChannelID: store.GeneralChannelID,
		AgentID:   sender.ID,
		Content:   "/task please review PR #12",
		Mentions:  []string{"@worker-1", w2.ID},
	})
	require.NoError(t, err)
	require.Len(t, result.CreatedTaskIDs, 2)

	// One direct-assigned pending task per mention, in mention order.
	first, err := tasks.Get(ctx, result.CreatedTaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, first.Status)
	require.NotNil(t, first.AgentID)
	assert.Equal(t, w1.ID, *first.AgentID)
	assert.Contains(t, first.Task, "From alice in #general: please review PR #12")
	require.NotNil(t, first.CreatorAgentID)
	assert.Equal(t, sender.ID, *first.CreatorAgentID)

	second, err := tasks.Get(ctx, result.CreatedTaskIDs[1])
	require.NoError(t, err)
	require.NotNil(t, second.AgentID)
	assert.Equal(t, w2.ID, *second.AgentID)

	// The stored body is the stripped content plus the linkback line.
	expected := "please review PR #12\n\n→ Created: " +
		first.ShortID() + ", " + second.ShortID()
	assert.Equal(t, expected, result.Message.Content)
	assert.Equal(t, store.StringSlice{w1.ID, w2.ID}, result.Message.Mentions)

	// No task was created for the sender.
	mine, err := tasks.List(ctx, task.Filters{AgentID: sender.ID})
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestMentionToTaskExcerpt(t *testing.T) {
	svc, agents, tasks := newTestService(t)
	ctx := context.Background()
	sender := join(t, agents, "alice")
	w := join(t, agents, "worker-1")

	long := strings.Repeat("x", 120)
	result, err := svc.PostMessage(ctx, PostParams{
		ChannelID: store.GeneralChannelID,
		AgentID:   sender.ID,
		Content:   "/task " + long,
		Mentions:  []string{w.ID},
	})
	require.NoError(t, err)
	require.Len(t, result.CreatedTaskIDs, 1)

	promoted, err := tasks.Get(ctx, result.CreatedTaskIDs[0])
	require.NoError(t, err)
	assert.Contains(t, promoted.Task, strings.Repeat("x", 80))
	assert.NotContains(t, promoted.Task, strings.Repeat("x", 81))
}

func TestTaskPrefixWithoutResolvableMentions(t *testing.T) {
	svc, agents, _ := newTestService(t)
	ctx := context.Background()
	sender := join(t, agents, "alice")

	// Unknown mentions drop out; the message still lands, prefix stripped.
	result, err := svc.PostMessage(ctx, PostParams{
		ChannelID: store.GeneralChannelID,
		AgentID:   sender.ID,
		Content:   "/task fix the pipeline",
		Mentions:  []string{"@ghost"},
	})
	require.NoError(t, err)
	assert.Empty(t, result.CreatedTaskIDs)
	assert.Equal(t, "fix the pipeline", result.Message.Content)

	// No mentions at all behaves the same.
	result, err = svc.PostMessage(ctx, PostParams{
		ChannelID: store.GeneralChannelID,
		AgentID:   sender.ID,
		Content:   "  /task another one",
	})
	require.NoError(t, err)
	assert.Empty(t, result.CreatedTaskIDs)
	assert.Equal(t, "another one", result.Message.Content)
}

func TestTaskPrefixNeedsDescription(t *testing.T) {
	svc, agents, _ := newTestService(t)
	sender := join(t, agents, "alice")

	_, err := svc.PostMessage(context.Background(), PostParams{
		ChannelID: store.GeneralChannelID,
		AgentID:   sender.ID,
		Content:   "/task   ",
	})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMentionsWithoutPrefixCreateNoTasks(t *testing.T) {
	svc, agents, tasks := newTestService(t)
	ctx := context.Background()
	sender := join(t, agents, "alice")
	w := join(t, agents, "worker-1")

	result, err := svc.PostMessage(ctx, PostParams{
		ChannelID: store.GeneralChannelID,
		AgentID:   sender.ID,
		Content:   "heads up on the deploy",
		Mentions:  []string{w.ID},
	})
	require.NoError(t, err)
	assert.Empty(t, result.CreatedTaskIDs)
	assert.Equal(t, store.StringSlice{w.ID}, result.Message.Mentions)

	assigned, err := tasks.List(ctx, task.Filters{AgentID: w.ID})
	require.NoError(t, err)
	assert.Empty(t, assigned)
}

func TestSelfMentionCreatesTask(t *testing.T) {
	svc, agents, tasks := newTestService(t)
	ctx := context.Background()
	sender := join(t, agents, "alice")

	result, err := svc.PostMessage(ctx, PostParams{
		ChannelID: store.GeneralChannelID,
		AgentID:   sender.ID,
		Content:   "/task remind myself to rotate the keys",
		Mentions:  []string{"@alice"},
	})
	require.NoError(t, err)
	require.Len(t, result.CreatedTaskIDs, 1)

	mine, err := tasks.Get(ctx, result.CreatedTaskIDs[0])
	require.NoError(t, err)
	require.NotNil(t, mine.AgentID)
	assert.Equal(t, sender.ID, *mine.AgentID)
}

func TestReplyInheritsMentionsWithoutPromotion(t *testing.T) {
	svc, agents, tasks := newTestService(t)
	ctx := context.Background()
	sender := join(t, agents, "alice")
	w := join(t, agents, "worker-1")

	parent, err := svc.PostMessage(ctx, PostParams{
		ChannelID: store.GeneralChannelID,
		AgentID:   sender.ID,
		Content:   "who owns the migration?",
		Mentions:  []string{w.ID},
	})
	require.NoError(t, err)

	// A /task reply with no mentions of its own inherits for notification
	// only and never promotes.
	reply, err := svc.PostMessage(ctx, PostParams{
		ChannelID: store.GeneralChannelID,
		AgentID:   sender.ID,
		Content:   "/task actually take the migration",
		ReplyToID: parent.Message.ID,
	})
	require.NoError(t, err)
	assert.Empty(t, reply.CreatedTaskIDs)
	assert.Equal(t, store.StringSlice{w.ID}, reply.Message.Mentions)

	assigned, err := tasks.List(ctx, task.Filters{AgentID: w.ID})
	require.NoError(t, err)
	assert.Empty(t, assigned)

	thread, err := svc.GetThread(ctx, store.GeneralChannelID, parent.Message.ID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, parent.Message.ID, thread[0].ID)
	assert.Equal(t, reply.Message.ID, thread[1].ID)
}

func TestHumanPost(t *testing.T) {
	svc, _, _ := newTestService(t)

	result, err := svc.PostMessage(context.Background(), PostParams{
		ChannelID: store.GeneralChannelID,
		Content:   "status update please",
	})
	require.NoError(t, err)
	assert.Nil(t, result.Message.AgentID)
	assert.Equal(t, "Human", result.Message.AgentName)
}

func TestReadState(t *testing.T) {
	svc, agents, _ := newTestService(t)
	ctx := context.Background()
	sender := join(t, agents, "alice")
	reader := join(t, agents, "worker-1")

	post := func(content string) {
		_, err := svc.PostMessage(ctx, PostParams{
			ChannelID: store.GeneralChannelID, AgentID: sender.ID, Content: content,
		})
		require.NoError(t, err)
	}

	post("one")
	post("two")

	unread, err := svc.GetUnread(ctx, reader.ID, store.GeneralChannelID, 0)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	// The sender's own posts are never unread for the sender.
	unread, err = svc.GetUnread(ctx, sender.ID, store.GeneralChannelID, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)

	require.NoError(t, svc.UpdateReadState(ctx, reader.ID, store.GeneralChannelID))
	unread, err = svc.GetUnread(ctx, reader.ID, store.GeneralChannelID, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)

	post("three")
	unread, err = svc.GetUnread(ctx, reader.ID, store.GeneralChannelID, 0)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "three", unread[0].Content)

	// Marking read twice is an upsert, not an error.
	require.NoError(t, svc.UpdateReadState(ctx, reader.ID, store.GeneralChannelID))
	require.NoError(t, svc.UpdateReadState(ctx, reader.ID, store.GeneralChannelID))
}

func TestGetMentions(t *testing.T) {
	svc, agents, _ := newTestService(t)
	ctx := context.Background()
	sender := join(t, agents, "alice")
	w := join(t, agents, "worker-1")

	_, err := svc.PostMessage(ctx, PostParams{
		ChannelID: store.GeneralChannelID, AgentID: sender.ID,
		Content: "ping", Mentions: []string{w.ID},
	})
	require.NoError(t, err)
	_, err = svc.PostMessage(ctx, PostParams{
		ChannelID: store.GeneralChannelID, AgentID: sender.ID,
		Content: "no mention here",
	})
	require.NoError(t, err)

	mentions, err := svc.GetMentions(ctx, w.ID, "", false, 0)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	assert.Equal(t, "ping", mentions[0].Content)

	// After marking read, unreadOnly filters the mention out.
	require.NoError(t, svc.UpdateReadState(ctx, w.ID, store.GeneralChannelID))
	mentions, err = svc.GetMentions(ctx, w.ID, "", true, 0)
	require.NoError(t, err)
	assert.Empty(t, mentions)
}

func TestReadMessagesAcrossChannels(t *testing.T) {
	svc, agents, _ := newTestService(t)
	ctx := context.Background()
	sender := join(t, agents, "alice")
	reader := join(t, agents, "worker-1")

	other, err := svc.Create(ctx, CreateParams{Name: "deploys"})
	require.NoError(t, err)

	_, err = svc.PostMessage(ctx, PostParams{
		ChannelID: store.GeneralChannelID, AgentID: sender.ID, Content: "hello general",
	})
	require.NoError(t, err)
	_, err = svc.PostMessage(ctx, PostParams{
		ChannelID: other.ID, AgentID: sender.ID, Content: "hello deploys",
	})
	require.NoError(t, err)

	// No channel argument: unread across every channel, authors annotated.
	messages, err := svc.ReadMessages(ctx, reader.ID, "", 10, true)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	names := []string{messages[0].AgentName, messages[1].AgentName}
	assert.Contains(t, names, "alice in #general")
	assert.Contains(t, names, "alice in #deploys")

	// markRead advanced both channels.
	messages, err = svc.ReadMessages(ctx, reader.ID, "", 10, false)
	require.NoError(t, err)
	assert.Empty(t, messages)

	// With a channel argument the full recent history comes back.
	messages, err = svc.ReadMessages(ctx, reader.ID, store.GeneralChannelID, 10, false)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestGetMessagesUnknownChannel(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GetMessages(context.Background(), "nope", 10, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
