package http

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductord/internal/events"
)

// handleEvents streams hub events as Server-Sent Events. Pending
// decisions are replayed first; a comment heartbeat keeps idle proxies
// from closing the stream.
func (s *Server) handleEvents(c echo.Context) error {
	ctx := c.Request().Context()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	conn := s.deps.Hub.Connect()
	defer s.deps.Hub.Disconnect(conn)

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return nil
			}
			if err := events.WriteSSE(c.Response(), ev); err != nil {
				s.log.Debug(ctx, "sse write failed", zap.Error(err))
				return nil
			}
			c.Response().Flush()
		case <-ticker.C:
			if err := events.WriteHeartbeat(c.Response()); err != nil {
				return nil
			}
			c.Response().Flush()
		case <-ctx.Done():
			return nil
		}
	}
}
