package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/store"
	"github.com/swarmhq/swarm/internal/task"
)

// taskPrefix is the only trigger for message-to-task promotion.
const taskPrefix = "/task "

// mentionTaskExcerpt bounds the message excerpt embedded in promoted tasks.
const mentionTaskExcerpt = 80

// Service implements channel hub operations on top of the store.
type Service struct {
	db     *store.DB
	store  *Store
	agents *agent.Service
	tasks  *task.Service
	events *eventlog.Publisher
	log    *logger.Logger
}

// NewService creates a Service.
func NewService(db *store.DB, st *Store, agents *agent.Service, tasks *task.Service, events *eventlog.Publisher, log *logger.Logger) *Service {
	return &Service{db: db, store: st, agents: agents, tasks: tasks, events: events, log: log}
}

// Store returns the underlying row store for use by sibling services.
func (s *Service) Store() *Store {
	return s.store
}

// List returns every channel.
func (s *Service) List(ctx context.Context) ([]*Channel, error) {
	return s.store.ListChannels(ctx, s.db.DB())
}

// Get returns a channel by id.
func (s *Service) Get(ctx context.Context, id string) (*Channel, error) {
	return s.store.GetChannel(ctx, s.db.DB(), id)
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Name         string
	Type         Type
	Description  string
	CreatedBy    string
	Participants []string
}

// Create creates a channel.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Channel, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if p.Type == "" {
		p.Type = TypePublic
	}
	if p.Type != TypePublic && p.Type != TypeDM {
		return nil, fmt.Errorf("%w: unknown channel type %q", ErrInvalid, p.Type)
	}

	c := &Channel{
		Name:         name,
		Description:  p.Description,
		Type:         p.Type,
		Participants: p.Participants,
	}
	if p.CreatedBy != "" {
		c.CreatedBy = &p.CreatedBy
	}

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.store.InsertChannel(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PostParams are the inputs to PostMessage.
type PostParams struct {
	ChannelID string
	AgentID   string // empty means the human dashboard user
	Content   string
	ReplyToID string
	Mentions  []string
	Source    task.Source // source recorded on promoted tasks
}

// PostMessage stores a message and, when the content carries the /task
// prefix, promotes it into one direct-assigned task per resolved mention.
// Replies without explicit mentions inherit the parent's mentions for
// notification only; that path never creates tasks.
func (s *Service) PostMessage(ctx context.Context, p PostParams) (*PostResult, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalid)
	}
	if p.Source == "" {
		p.Source = task.SourceMCP
	}

	result := &PostResult{}
	var entries []*eventlog.Entry

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ch, err := s.store.GetChannel(ctx, tx, p.ChannelID)
		if err != nil {
			return err
		}

		senderName := "Human"
		var senderID *string
		if p.AgentID != "" {
			sender, err := s.agents.Store().GetByID(ctx, tx, p.AgentID)
			if err != nil {
				return fmt.Errorf("posting agent: %w", err)
			}
			senderName = sender.Name
			senderID = &sender.ID
		}

		// Resolve explicit mentions to existing agents, preserving order
		// and dropping duplicates. Self-mentions are allowed.
		mentioned, err := s.resolveMentions(ctx, tx, p.Mentions)
		if err != nil {
			return err
		}

		explicitMentions := len(p.Mentions) > 0
		mentionIDs := make(store.StringSlice, 0, len(mentioned))
		for _, m := range mentioned {
			mentionIDs = append(mentionIDs, m.ID)
		}

		// Thread follow-up inference: a reply with no mentions of its own
		// notifies whoever the parent mentioned.
		if !explicitMentions && p.ReplyToID != "" {
			parent, err := s.store.GetMessage(ctx, tx, p.ReplyToID)
			if err == nil {
				mentionIDs = parent.Mentions
			}
		}

		content := p.Content
		trimmed := strings.TrimLeft(content, " \t\r\n")
		promote := strings.HasPrefix(trimmed, taskPrefix)
		if promote {
			content = strings.TrimSpace(strings.TrimPrefix(trimmed, taskPrefix))
			if content == "" {
				return fmt.Errorf("%w: /task needs a description", ErrInvalid)
			}
		}

		msg := &Message{
			ChannelID: ch.ID,
			AgentID:   senderID,
			AgentName: senderName,
			Content:   content,
			Mentions:  mentionIDs,
		}
		if p.ReplyToID != "" {
			msg.ReplyToID = &p.ReplyToID
		}
		if err := s.store.InsertMessage(ctx, tx, msg); err != nil {
			return err
		}

		if promote && explicitMentions {
			shortIDs := make([]string, 0, len(mentioned))
			for _, target := range mentioned {
				t := &task.Task{
					Task:    fmt.Sprintf("From %s in #%s: %s", senderName, ch.Name, truncate(content, mentionTaskExcerpt)),
					Status:  task.StatusPending,
					Source:  p.Source,
					AgentID: &target.ID,
				}
				if senderID != nil {
					t.CreatorAgentID = senderID
				}
				if err := s.tasks.Store().Insert(ctx, tx, t); err != nil {
					return err
				}
				result.CreatedTaskIDs = append(result.CreatedTaskIDs, t.ID)
				shortIDs = append(shortIDs, t.ShortID())

				created := &eventlog.Entry{
					EventType: eventlog.TaskCreated,
					AgentID:   &target.ID,
					TaskID:    &t.ID,
					Metadata: store.JSONMap{
						"status":    string(t.Status),
						"source":    string(t.Source),
						"messageId": msg.ID,
					},
				}
				if err := s.events.Append(ctx, tx, created); err != nil {
					return err
				}
				entries = append(entries, created)

				e, err := s.agents.UpdateStatusFromCapacity(ctx, tx, target.ID)
				if err != nil {
					return err
				}
				if e != nil {
					entries = append(entries, e)
				}
			}

			if len(shortIDs) > 0 {
				msg.Content = content + "\n\n→ Created: " + strings.Join(shortIDs, ", ")
				if err := s.store.UpdateMessageContent(ctx, tx, msg.ID, msg.Content); err != nil {
					return err
				}
			}
		}

		posted := &eventlog.Entry{
			EventType: eventlog.ChannelMessage,
			AgentID:   senderID,
			Metadata: store.JSONMap{
				"channelId":   ch.ID,
				"channelName": ch.Name,
				"messageId":   msg.ID,
			},
		}
		if err := s.events.Append(ctx, tx, posted); err != nil {
			return err
		}
		entries = append(entries, posted)

		result.Message = msg
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	if len(result.CreatedTaskIDs) > 0 {
		s.log.Info("promoted message to tasks",
			zap.String("channel_id", p.ChannelID),
			zap.Int("task_count", len(result.CreatedTaskIDs)))
	}
	return result, nil
}

// resolveMentions maps mention strings to agents, by id first and by name
// as a fallback. Unknown mentions are dropped; duplicates collapse.
func (s *Service) resolveMentions(ctx context.Context, tx *sqlx.Tx, mentions []string) ([]*agent.Agent, error) {
	seen := make(map[string]bool, len(mentions))
	resolved := make([]*agent.Agent, 0, len(mentions))
	for _, m := range mentions {
		name := strings.TrimPrefix(strings.TrimSpace(m), "@")
		if name == "" {
			continue
		}
		a, err := s.agents.Store().GetByID(ctx, tx, name)
		if err == agent.ErrNotFound {
			a, err = s.agents.Store().GetByName(ctx, tx, name)
		}
		if err == agent.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		resolved = append(resolved, a)
	}
	return resolved, nil
}

// GetMessages returns a channel's messages in chronological order.
func (s *Service) GetMessages(ctx context.Context, channelID string, limit int, since, before *time.Time) ([]*Message, error) {
	if _, err := s.store.GetChannel(ctx, s.db.DB(), channelID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, s.db.DB(), channelID, limit, since, before)
}

// GetThread returns a message and its replies.
func (s *Service) GetThread(ctx context.Context, channelID, parentID string) ([]*Message, error) {
	return s.store.ListThread(ctx, s.db.DB(), channelID, parentID)
}

// UpdateReadState marks a channel read now for an agent.
func (s *Service) UpdateReadState(ctx context.Context, agentID, channelID string) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.store.GetChannel(ctx, tx, channelID); err != nil {
			return err
		}
		return s.store.UpsertReadState(ctx, tx, agentID, channelID)
	})
}

// GetUnread returns a channel's messages past the agent's read mark.
func (s *Service) GetUnread(ctx context.Context, agentID, channelID string, limit int) ([]*Message, error) {
	return s.store.UnreadMessages(ctx, s.db.DB(), agentID, channelID, limit)
}

// GetMentions returns messages mentioning the agent, newest first.
func (s *Service) GetMentions(ctx context.Context, agentID, channelID string, unreadOnly bool, limit int) ([]*Message, error) {
	return s.store.MentionsForAgent(ctx, s.db.DB(), agentID, channelID, unreadOnly, limit)
}

// ReadMessages is the read surface behind the read-messages tool. With a
// channel it returns that channel's recent messages. Without one it returns
// the newest unread messages per channel, each author annotated with the
// channel name. markRead optionally advances the read mark as a side
// effect.
func (s *Service) ReadMessages(ctx context.Context, agentID, channelID string, limit int, markRead bool) ([]*Message, error) {
	if channelID != "" {
		messages, err := s.GetMessages(ctx, channelID, limit, nil, nil)
		if err != nil {
			return nil, err
		}
		if markRead {
			if err := s.UpdateReadState(ctx, agentID, channelID); err != nil {
				return nil, err
			}
		}
		return messages, nil
	}

	channels, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var all []*Message
	for _, ch := range channels {
		messages, err := s.store.UnreadMessages(ctx, s.db.DB(), agentID, ch.ID, limit)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			continue
		}
		for _, m := range messages {
			m.AgentName = fmt.Sprintf("%s in #%s", m.AgentName, ch.Name)
		}
		all = append(all, messages...)
		if markRead {
			if err := s.UpdateReadState(ctx, agentID, ch.ID); err != nil {
				return nil, err
			}
		}
	}
	return all, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
