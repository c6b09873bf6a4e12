package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"

	"github.com/dotcommander/loopd/internal/publish"
)

// handleEvents streams a task's events via Server-Sent Events.
//
// Each published event becomes one SSE message named after its kind:
//
//	event: phase_changed
//	data: {"id":12,"kind":"phase_changed","task_id":"task_...",...}
//
// The stream stays open until the client disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.svc.GetTask(id); err != nil {
		return err
	}
	if s.nc == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming requires nats_url to be configured")
	}

	msgChan := make(chan *nats.Msg, 64)
	sub, err := s.nc.ChanSubscribe(publish.TaskWildcard(id), msgChan)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()
	// The subscription must be registered before the client is told the stream is open.
	if err := s.nc.Flush(); err != nil {
		return err
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(c.Response(), ": connected\n\n")
	c.Response().Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			_, _ = fmt.Fprintf(c.Response(), "event: %s\n", publish.KindFromSubject(msg.Subject))
			_, _ = fmt.Fprintf(c.Response(), "data: %s\n\n", msg.Data)
			c.Response().Flush()

		case <-ticker.C:
			_, _ = fmt.Fprint(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}
