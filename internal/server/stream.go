package server

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v3"

	"github.com/droverhq/drover/internal/events"
)

// streamExecutionEvents pushes one execution's bus events to the client via
// Server-Sent Events. The subscription rides the server lifecycle, not the
// request: the writer notices a gone client on the next flush and tears the
// subscription down then.
func (s *Server) streamExecutionEvents(c fiber.Ctx) error {
	executionID := c.Params("id")
	if _, err := s.store.GetExecution(c.Context(), executionID); err != nil {
		return s.problem(c, err)
	}

	ch, cancel, err := s.bus.Subscribe(s.baseCtx, events.Filter{ExecutionID: executionID})
	if err != nil {
		return s.problem(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		fmt.Fprintf(w, ": stream open for %s\n\n", executionID)
		if err := w.Flush(); err != nil {
			return
		}

		for event := range ch {
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			if err := w.Flush(); err != nil {
				// Client went away.
				return
			}
		}
	})
}
