// Package notify posts task outcomes back to the external chat threads
// they came from.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/task"
)

const outputExcerpt = 1000

// SlackNotifier posts terminal task outcomes into the Slack thread
// recorded in the task's external context. All failures are logged and
// swallowed so the task lifecycle never depends on Slack being up.
type SlackNotifier struct {
	client *slack.Client
	log    *logger.Logger
}

// NewSlackNotifier returns a notifier, or nil when no token is
// configured. A nil notifier is safe to pass to task.Service.SetNotifier
// callers that check for it.
func NewSlackNotifier(token string, log *logger.Logger) *SlackNotifier {
	if token == "" {
		return nil
	}
	return &SlackNotifier{client: slack.New(token), log: log}
}

// TaskFinished implements task.OutcomeNotifier.
func (n *SlackNotifier) TaskFinished(ctx context.Context, t *task.Task) {
	if t.ExternalContext.ChannelID == "" || t.Source != task.SourceSlack {
		return
	}

	text := n.format(t)
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if t.ExternalContext.ThreadRef != "" {
		opts = append(opts, slack.MsgOptionTS(t.ExternalContext.ThreadRef))
	}

	_, _, err := n.client.PostMessageContext(ctx, t.ExternalContext.ChannelID, opts...)
	if err != nil {
		n.log.WithError(err).WithTaskID(t.ID).Warn("failed to post task outcome to slack")
		return
	}
	n.log.WithTaskID(t.ID).Debug("posted task outcome to slack")
}

func (n *SlackNotifier) format(t *task.Task) string {
	switch t.Status {
	case task.StatusCompleted:
		text := fmt.Sprintf("✅ Task completed: %s", t.Task)
		if t.Output != nil && *t.Output != "" {
			out := *t.Output
			if len(out) > outputExcerpt {
				out = out[:outputExcerpt] + "…"
			}
			text += "\n\n" + out
		}
		return text
	case task.StatusFailed:
		text := fmt.Sprintf("❌ Task failed: %s", t.Task)
		if t.FailureReason != nil && *t.FailureReason != "" {
			text += "\n\nReason: " + *t.FailureReason
		}
		return text
	case task.StatusCancelled:
		return fmt.Sprintf("🚫 Task cancelled: %s", t.Task)
	default:
		return fmt.Sprintf("Task %s is now %s", t.ShortID(), t.Status)
	}
}
