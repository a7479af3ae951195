package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/channel"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/store"
	"github.com/swarmhq/swarm/internal/task"
)

const previewExcerpt = 120

// Service implements inbox and delegation operations.
type Service struct {
	db       *store.DB
	store    *Store
	agents   *agent.Service
	tasks    *task.Service
	channels *channel.Service
	events   *eventlog.Publisher
	log      *logger.Logger
}

// NewService creates a Service.
func NewService(db *store.DB, st *Store, agents *agent.Service, tasks *task.Service, channels *channel.Service, events *eventlog.Publisher, log *logger.Logger) *Service {
	return &Service{db: db, store: st, agents: agents, tasks: tasks, channels: channels, events: events, log: log}
}

// InsertParams are the inputs to Insert, written by the chat-bridge
// ingress.
type InsertParams struct {
	Content        string
	SlackChannelID string
	SlackThreadTs  string
	SlackUserID    string
}

// Insert stores an externally-originated message addressed to the lead.
func (s *Service) Insert(ctx context.Context, p InsertParams) (*Message, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalid)
	}

	m := &Message{Content: p.Content}
	if p.SlackChannelID != "" {
		m.SlackChannelID = &p.SlackChannelID
	}
	if p.SlackThreadTs != "" {
		m.SlackThreadTs = &p.SlackThreadTs
	}
	if p.SlackUserID != "" {
		m.SlackUserID = &p.SlackUserID
	}

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		lead, err := s.agents.Store().GetLead(ctx, tx)
		if err != nil {
			return fmt.Errorf("no lead to receive the message: %w", err)
		}
		m.AgentID = lead.ID
		return s.store.Insert(ctx, tx, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns an inbox message. Only the addressed lead may read it.
func (s *Service) Get(ctx context.Context, id, callerID string) (*Message, error) {
	m, err := s.store.GetByID(ctx, s.db.DB(), id)
	if err != nil {
		return nil, err
	}
	if m.AgentID != callerID {
		return nil, fmt.Errorf("%w: this inbox message is not addressed to you", ErrUnauthorized)
	}
	return m, nil
}

// List returns the caller's inbox messages.
func (s *Service) List(ctx context.Context, callerID string, limit int) ([]*Message, error) {
	return s.store.List(ctx, s.db.DB(), callerID, limit)
}

// DelegateParams are the optional inputs to Delegate.
type DelegateParams struct {
	TaskDescription string
	OfferMode       bool
	ParentTaskID    string
}

// Delegate turns an inbox message into a task for a worker, carrying the
// external chat context so replies route back to the original thread. A
// message can be delegated exactly once, and never to another lead.
func (s *Service) Delegate(ctx context.Context, inboxMessageID, callerID, agentID string, p DelegateParams) (*task.Task, error) {
	var created *task.Task
	var entries []*eventlog.Entry

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		m, err := s.store.GetByID(ctx, tx, inboxMessageID)
		if err != nil {
			return err
		}
		if m.AgentID != callerID {
			return fmt.Errorf("%w: this inbox message is not addressed to you", ErrUnauthorized)
		}
		if m.DelegatedTaskID != nil {
			return fmt.Errorf("%w: message already delegated to task %s", ErrConflict, *m.DelegatedTaskID)
		}

		target, err := s.agents.Store().GetByID(ctx, tx, agentID)
		if err != nil {
			return fmt.Errorf("target agent: %w", err)
		}
		if target.IsLead {
			return fmt.Errorf("%w: cannot delegate to another lead", ErrInvalid)
		}

		description := p.TaskDescription
		if strings.TrimSpace(description) == "" {
			description = m.Content
		}

		t := &task.Task{
			Task:           description,
			Source:         task.SourceSlack,
			CreatorAgentID: &callerID,
		}
		if m.SlackChannelID != nil {
			t.ExternalContext.ChannelID = *m.SlackChannelID
		}
		if m.SlackThreadTs != nil {
			t.ExternalContext.ThreadRef = *m.SlackThreadTs
		}
		if m.SlackUserID != nil {
			t.ExternalContext.UserID = *m.SlackUserID
		}
		if p.ParentTaskID != "" {
			t.ParentTaskID = &p.ParentTaskID
		}

		if p.OfferMode {
			now := time.Now().UTC()
			t.Status = task.StatusOffered
			t.OfferedTo = &target.ID
			t.OfferedAt = &now
		} else {
			ok, err := s.agents.HasCapacity(ctx, tx, target.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s cannot take another task, use offerMode instead", task.ErrCapacity, target.Name)
			}
			t.Status = task.StatusPending
			t.AgentID = &target.ID
		}

		if err := s.tasks.Store().Insert(ctx, tx, t); err != nil {
			return err
		}
		ok, err := s.store.MarkDelegated(ctx, tx, inboxMessageID, t.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: message already delegated", ErrConflict)
		}

		createdEntry := &eventlog.Entry{
			EventType: eventlog.TaskCreated,
			AgentID:   &callerID,
			TaskID:    &t.ID,
			Metadata: store.JSONMap{
				"status":         string(t.Status),
				"source":         string(t.Source),
				"inboxMessageId": inboxMessageID,
			},
		}
		if err := s.events.Append(ctx, tx, createdEntry); err != nil {
			return err
		}
		entries = append(entries, createdEntry)

		if t.Status == task.StatusOffered {
			offered := &eventlog.Entry{
				EventType: eventlog.TaskOffered,
				AgentID:   &target.ID,
				TaskID:    &t.ID,
			}
			if err := s.events.Append(ctx, tx, offered); err != nil {
				return err
			}
			entries = append(entries, offered)
		}
		if t.AgentID != nil {
			e, err := s.agents.UpdateStatusFromCapacity(ctx, tx, *t.AgentID)
			if err != nil {
				return err
			}
			if e != nil {
				entries = append(entries, e)
			}
		}

		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, entries...)
	return created, nil
}

// GetSummary aggregates the agent's unread counts, pool state, and recent
// mentions in one transaction.
func (s *Service) GetSummary(ctx context.Context, agentID string) (*Summary, error) {
	summary := &Summary{}

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.agents.Store().GetByID(ctx, tx, agentID); err != nil {
			return err
		}

		var err error
		summary.UnreadMessages, err = s.channels.Store().CountUnread(ctx, tx, agentID)
		if err != nil {
			return err
		}
		summary.UnreadMentions, err = s.channels.Store().CountUnreadMentions(ctx, tx, agentID)
		if err != nil {
			return err
		}

		if err := tx.GetContext(ctx, &summary.OfferedTasks,
			`SELECT COUNT(*) FROM tasks WHERE status = 'offered' AND offered_to = ?`, agentID); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &summary.PoolTasks,
			`SELECT COUNT(*) FROM tasks WHERE status = 'unassigned'`); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &summary.InProgressTasks,
			`SELECT COUNT(*) FROM tasks WHERE status = 'in_progress' AND agent_id = ?`, agentID); err != nil {
			return err
		}

		mentions, err := s.channels.Store().MentionsForAgent(ctx, tx, agentID, "", true, 3)
		if err != nil {
			return err
		}
		for _, m := range mentions {
			ch, err := s.channels.Store().GetChannel(ctx, tx, m.ChannelID)
			if err != nil {
				return err
			}
			content := m.Content
			if len(content) > previewExcerpt {
				content = content[:previewExcerpt]
			}
			summary.RecentMentions = append(summary.RecentMentions, MentionPreview{
				ChannelName: ch.Name,
				AuthorName:  m.AgentName,
				Content:     content,
				CreatedAt:   m.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}
