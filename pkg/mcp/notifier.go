package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/pkg/schema"
)

// Notifier forwards bus events to the MCP session that originated the
// execution. Best-effort: executions nobody is watching are skipped, and a
// vanished session just drops its mappings.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	bus       events.Subscriber
	logger    *slog.Logger
}

// NewNotifier creates a notifier over the given event bus.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, bus events.Subscriber, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{mcpServer: mcpServer, sessions: sessions, bus: bus, logger: logger}
}

// Run consumes the bus until ctx is cancelled or the bus closes.
func (n *Notifier) Run(ctx context.Context) error {
	ch, cancel, err := n.bus.Subscribe(ctx, events.Filter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			n.deliver(event)
		}
	}
}

// deliver pushes one event to its watching session, if any.
func (n *Notifier) deliver(event events.Event) {
	sessionID, ok := n.sessions.SessionFor(event.ExecutionID)
	if !ok {
		return
	}

	payload := map[string]any{
		"execution_id": event.ExecutionID,
		"event_type":   event.Type,
		"timestamp":    event.Timestamp.Format(time.RFC3339Nano),
	}
	if event.StepID != "" {
		payload["step_id"] = event.StepID
	}
	if len(event.Payload) > 0 {
		payload["detail"] = event.Payload
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Debug("notification dropped",
			slog.String("execution_id", event.ExecutionID),
			slog.String("error", err.Error()),
		)
	}

	if terminalEvent(event.Type) {
		n.sessions.Release(event.ExecutionID)
	}
}

// terminalEvent reports whether the event ends the execution's lifecycle.
func terminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	}
	return false
}
