package events

import "context"

// EventListener receives engine events as they happen. Implementations must
// not block for long; the engine emits synchronously from its run goroutine.
type EventListener interface {
	HandleEvent(ctx context.Context, event *WorkflowEvent) error
	Name() string
}

// MultiListener fans one event out to several listeners. Errors are
// collected per listener but never stop the fan-out.
type MultiListener struct {
	listeners []EventListener
}

// NewMultiListener creates a listener that forwards to all given listeners.
func NewMultiListener(listeners ...EventListener) *MultiListener {
	return &MultiListener{listeners: listeners}
}

// Add appends another listener.
func (m *MultiListener) Add(listener EventListener) {
	m.listeners = append(m.listeners, listener)
}

func (m *MultiListener) HandleEvent(ctx context.Context, event *WorkflowEvent) error {
	var firstErr error
	for _, l := range m.listeners {
		if err := l.HandleEvent(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiListener) Name() string { return "multi" }
