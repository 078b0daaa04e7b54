package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/gantry/internal/events"
)

// sseHeartbeat keeps proxies from timing out idle streams; gates can wait on
// a human for many minutes.
const sseHeartbeat = 30 * time.Second

// handleRunEvents streams a run's lifecycle events via Server-Sent Events.
//
// The handler subscribes to the run's NATS subjects and forwards each event
// to the client. The stream stays open across gate waits and closes on a
// terminal event (run_completed, run_halted, run_rolled_back) or client
// disconnect.
//
// Example:
//
//	GET /api/v1/runs/{id}/events
//
//	event: phase_started
//	data: {"run_id":"...","type":"phase_started","phase":"canary","at":"..."}
//
//	event: run_completed
//	data: {"run_id":"...","type":"run_completed","at":"..."}
func (s *Server) handleRunEvents(c echo.Context) error {
	if s.nats == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming requires a message bus")
	}

	runID := c.Param("id")
	if _, err := s.engine.Get(c.Request().Context(), runID); err != nil {
		return s.mapError(err)
	}

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	msgChan := make(chan *nats.Msg, 16)
	sub, err := s.nats.ChanSubscribe(events.RunSubjects(runID), msgChan)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			// Subject layout: runs.<run_id>.<type>
			parts := strings.Split(msg.Subject, ".")
			if len(parts) < 3 {
				continue
			}
			eventType := events.Type(parts[2])

			fmt.Fprintf(c.Response(), "event: %s\n", eventType)
			fmt.Fprintf(c.Response(), "data: %s\n\n", string(msg.Data))
			c.Response().Flush()

			if eventType.Terminal() {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}
