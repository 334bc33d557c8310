package database

import (
	"context"
	"fmt"

	"nbflow/engine_go/internal/utils"
	"nbflow/engine_go/pkg/events"
)

// EventListener persists every workflow event it receives. It plugs into
// the engine's listener chain next to the in-memory observer store.
type EventListener struct {
	db     Database
	logger utils.ExtendedLogger
}

// NewEventListener creates a persisting event listener.
func NewEventListener(db Database, logger utils.ExtendedLogger) *EventListener {
	return &EventListener{
		db:     db,
		logger: utils.OrNoop(logger),
	}
}

// Name identifies the listener in logs.
func (l *EventListener) Name() string {
	return "database-event-listener"
}

// HandleEvent stores the event under its session. Events without a
// session ID cannot be attributed to a run and are dropped with a
// warning instead of failing the run.
func (l *EventListener) HandleEvent(ctx context.Context, event *events.WorkflowEvent) error {
	if event.SessionID == "" {
		l.logger.Warnf("dropping event %s with no session ID", event.Type)
		return nil
	}

	if err := l.db.StoreEvent(ctx, event.SessionID, event); err != nil {
		return fmt.Errorf("failed to persist event %s: %w", event.Type, err)
	}
	return nil
}
