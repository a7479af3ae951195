package eventlog

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/events/bus"
)

// Publisher couples the durable log with the event bus. Append runs inside
// the mutating transaction; Emit pushes the committed entries to the bus and
// never fails the caller.
type Publisher struct {
	log    *Log
	bus    bus.EventBus
	logger *logger.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(log *Log, eventBus bus.EventBus, lg *logger.Logger) *Publisher {
	return &Publisher{log: log, bus: eventBus, logger: lg}
}

// Log returns the underlying log for read queries.
func (p *Publisher) Log() *Log {
	return p.log
}

// Append writes one entry inside the caller's transaction.
func (p *Publisher) Append(ctx context.Context, q sqlx.ExtContext, e *Entry) error {
	return p.log.Append(ctx, q, e)
}

// Emit publishes committed entries to the bus. Failures are logged and
// swallowed; the state change has already committed.
func (p *Publisher) Emit(ctx context.Context, entries ...*Entry) {
	if p.bus == nil {
		return
	}
	for _, e := range entries {
		data := map[string]any{}
		if raw, err := json.Marshal(e); err == nil {
			_ = json.Unmarshal(raw, &data)
		}
		subject := bus.SubjectPrefix + "." + e.EventType
		if err := p.bus.Publish(ctx, subject, bus.NewEvent(e.EventType, "swarmd", data)); err != nil {
			p.logger.Warn("failed to publish event",
				zap.String("event_type", e.EventType),
				zap.Error(err))
		}
	}
}
