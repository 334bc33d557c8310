package events

import (
	"context"

	"nbflow/engine_go/internal/utils"
	"nbflow/engine_go/pkg/events"
)

// EventObserver implements events.EventListener and captures engine events
// into the store under a fixed observer ID.
type EventObserver struct {
	store      *EventStore
	observerID string
	sessionID  string
	logger     utils.ExtendedLogger
}

// NewEventObserver creates a new event observer.
func NewEventObserver(store *EventStore, observerID, sessionID string, logger utils.ExtendedLogger) *EventObserver {
	return &EventObserver{
		store:      store,
		observerID: observerID,
		sessionID:  sessionID,
		logger:     utils.OrNoop(logger),
	}
}

// HandleEvent stores an engine event for later polling.
func (eo *EventObserver) HandleEvent(_ context.Context, event *events.WorkflowEvent) error {
	if event == nil {
		return nil
	}
	if event.SessionID == "" {
		event.SessionID = eo.sessionID
	}
	eo.store.AddEvent(eo.observerID, event)
	eo.logger.Debugf("observer %s captured event %s", eo.observerID, event.Type)
	return nil
}

// Name identifies the listener in diagnostics.
func (eo *EventObserver) Name() string { return "event-observer:" + eo.observerID }
