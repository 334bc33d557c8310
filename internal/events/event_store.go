package events

import (
	"sync"
	"time"

	"nbflow/engine_go/pkg/events"
)

// EventStore buffers engine events per observer so HTTP clients can poll
// them with a since-index cursor.
type EventStore struct {
	events        map[string][]*events.WorkflowEvent // observerID -> events
	eventCounters map[string]int                     // observerID -> running index
	mu            sync.RWMutex
	maxEvents     int
	cleanupTicker *time.Ticker
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewEventStore creates a new event store keeping at most maxEvents per
// observer.
func NewEventStore(maxEvents int) *EventStore {
	store := &EventStore{
		events:        make(map[string][]*events.WorkflowEvent),
		eventCounters: make(map[string]int),
		maxEvents:     maxEvents,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		stopCh:        make(chan struct{}),
	}

	go store.cleanupRoutine()

	return store
}

// InitializeObserver creates an empty event list for an observer.
func (es *EventStore) InitializeObserver(observerID string) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if _, exists := es.events[observerID]; !exists {
		es.events[observerID] = make([]*events.WorkflowEvent, 0)
		es.eventCounters[observerID] = 0
	}
}

// AddEvent appends an event for an observer and assigns its EventIndex.
func (es *EventStore) AddEvent(observerID string, event *events.WorkflowEvent) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if _, exists := es.events[observerID]; !exists {
		es.events[observerID] = make([]*events.WorkflowEvent, 0)
	}

	es.eventCounters[observerID]++
	event.EventIndex = es.eventCounters[observerID]
	es.events[observerID] = append(es.events[observerID], event)

	if len(es.events[observerID]) > es.maxEvents {
		es.events[observerID] = es.events[observerID][len(es.events[observerID])-es.maxEvents:]
	}
}

// GetEvents returns events with EventIndex greater than sinceIndex along
// with the highest index seen. The bool reports whether the observer exists.
func (es *EventStore) GetEvents(observerID string, sinceIndex int) ([]*events.WorkflowEvent, int, bool) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	buffered, exists := es.events[observerID]
	if !exists {
		return nil, 0, false
	}

	lastIndex := es.eventCounters[observerID]

	newEvents := make([]*events.WorkflowEvent, 0)
	for _, ev := range buffered {
		if ev.EventIndex > sinceIndex {
			newEvents = append(newEvents, ev)
		}
	}

	return newEvents, lastIndex, true
}

// ObserverEventCount returns the number of buffered events for an observer.
func (es *EventStore) ObserverEventCount(observerID string) (int, bool) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	buffered, exists := es.events[observerID]
	if !exists {
		return 0, false
	}
	return len(buffered), true
}

// RemoveObserver removes an observer and its events.
func (es *EventStore) RemoveObserver(observerID string) {
	es.mu.Lock()
	defer es.mu.Unlock()

	delete(es.events, observerID)
	delete(es.eventCounters, observerID)
}

// ActiveObservers returns all observer IDs that currently hold a buffer.
func (es *EventStore) ActiveObservers() []string {
	es.mu.RLock()
	defer es.mu.RUnlock()

	observers := make([]string, 0, len(es.events))
	for observerID := range es.events {
		observers = append(observers, observerID)
	}
	return observers
}

func (es *EventStore) cleanupRoutine() {
	for {
		select {
		case <-es.cleanupTicker.C:
			es.cleanupEmptyObservers()
		case <-es.stopCh:
			es.cleanupTicker.Stop()
			return
		}
	}
}

func (es *EventStore) cleanupEmptyObservers() {
	es.mu.Lock()
	defer es.mu.Unlock()

	for observerID, buffered := range es.events {
		if len(buffered) == 0 {
			delete(es.events, observerID)
			delete(es.eventCounters, observerID)
		}
	}
}

// Stop stops the background cleanup routine.
func (es *EventStore) Stop() {
	es.stopOnce.Do(func() {
		close(es.stopCh)
	})
}

// Stats returns counters describing the store.
func (es *EventStore) Stats() map[string]interface{} {
	es.mu.RLock()
	defer es.mu.RUnlock()

	totalEvents := 0
	for _, buffered := range es.events {
		totalEvents += len(buffered)
	}

	return map[string]interface{}{
		"total_observers": len(es.events),
		"total_events":    totalEvents,
		"max_events":      es.maxEvents,
	}
}
