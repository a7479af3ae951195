package task

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/store"
)

const (
	followUpTaskExcerpt   = 200
	followUpOutputExcerpt = 500
)

// afterTerminal runs the post-commit side effects of a terminal transition:
// the follow-up task for the lead and the external outcome notification.
// Both are best-effort; the state change has already committed.
func (s *Service) afterTerminal(ctx context.Context, t *Task) {
	if err := s.createFollowUp(ctx, t); err != nil {
		s.log.Warn("failed to create follow-up task",
			zap.String("task_id", t.ID),
			zap.Error(err))
	}
	if s.notifier != nil {
		s.notifier.TaskFinished(ctx, t)
	}
}

// createFollowUp creates the system task that tells the lead about a
// worker's terminal outcome. Nothing is created for the lead's own tasks,
// so follow-ups never chain.
func (s *Service) createFollowUp(ctx context.Context, t *Task) error {
	if t.AgentID == nil {
		return nil
	}
	worker, err := s.agents.Get(ctx, *t.AgentID)
	if err != nil {
		return err
	}
	if worker.IsLead {
		return nil
	}
	lead, err := s.agents.GetLead(ctx)
	if err != nil {
		// No lead has joined; nobody to notify.
		return nil
	}

	var verb string
	switch t.Status {
	case StatusCompleted:
		verb = "completed"
	case StatusFailed:
		verb = "failed"
	case StatusCancelled:
		verb = "was cancelled on"
	default:
		return nil
	}

	body := fmt.Sprintf("%s %s a task: %s", worker.Name, verb, truncate(t.Task, followUpTaskExcerpt))
	switch {
	case t.Output != nil && *t.Output != "":
		body += "\n\nOutput: " + truncate(*t.Output, followUpOutputExcerpt)
	case t.FailureReason != nil && *t.FailureReason != "":
		body += "\n\nReason: " + truncate(*t.FailureReason, followUpOutputExcerpt)
	}
	body += fmt.Sprintf("\n\nUse get-task-details with taskId %s for the full record.", t.ID)

	followUp := &Task{
		Task:            body,
		Status:          StatusPending,
		Source:          SourceSystem,
		AgentID:         &lead.ID,
		ExternalContext: t.ExternalContext,
	}

	// Follow-ups bypass the lead's capacity bound so outcomes are never
	// silently dropped.
	var entries []*eventlog.Entry
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.Insert(ctx, tx, followUp); err != nil {
			return err
		}
		created := &eventlog.Entry{
			EventType: eventlog.TaskCreated,
			AgentID:   &lead.ID,
			TaskID:    &followUp.ID,
			Metadata: store.JSONMap{
				"status":     string(followUp.Status),
				"source":     string(followUp.Source),
				"followUpOf": t.ID,
			},
		}
		if err := s.events.Append(ctx, tx, created); err != nil {
			return err
		}
		entries = append(entries, created)

		e, err := s.agents.UpdateStatusFromCapacity(ctx, tx, lead.ID)
		if err != nil {
			return err
		}
		if e != nil {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, entries...)
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
