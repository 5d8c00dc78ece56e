package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tpsl-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// healthFeed streams health snapshots and closure outcomes to operational
// dashboards. Slow consumers miss frames rather than backpressuring the bus.
func (s *Server) healthFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	health, unsubHealth := s.bus.Subscribe(events.EventHealthUpdate, 16)
	closed, unsubClosed := s.bus.Subscribe(events.EventOrderClosed, 64)
	defer unsubHealth()
	defer unsubClosed()

	// Send the current state up front so a fresh dashboard is not blank
	// until the next poll.
	if err := conn.WriteJSON(gin.H{"type": "health", "data": s.manager.GetSystemHealth()}); err != nil {
		return
	}

	for {
		select {
		case msg, ok := <-health:
			if !ok {
				return
			}
			if err := conn.WriteJSON(gin.H{"type": "health", "data": msg}); err != nil {
				return
			}
		case msg, ok := <-closed:
			if !ok {
				return
			}
			if err := conn.WriteJSON(gin.H{"type": "order_closed", "data": msg}); err != nil {
				return
			}
		}
	}
}
