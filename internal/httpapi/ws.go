package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/swarmhq/swarm/internal/events/bus"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard is served from arbitrary origins in development.
		return true
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// handleWebSocket streams committed lifecycle events to the dashboard. Each
// connection holds its own bus subscription on swarm.events.>; slow clients
// drop events rather than block the bus.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket", zap.Error(err))
		return
	}

	send := make(chan *bus.Event, wsSendBuffer)
	sub, err := s.deps.Bus.Subscribe(bus.SubjectPrefix+".>", func(ctx context.Context, event *bus.Event) error {
		select {
		case send <- event:
		default:
			s.logger.Warn("websocket client too slow, dropping event",
				zap.String("event_type", event.Type))
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to subscribe websocket feed", zap.Error(err))
		_ = conn.Close()
		return
	}

	done := make(chan struct{})

	// Reader: only there to notice the client going away.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.Unsubscribe()
		_ = conn.Close()
	}()

	for {
		select {
		case event := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("websocket write failed, closing", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
