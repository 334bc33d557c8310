package events

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Observer tracks one polling client attached to a run session.
type Observer struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Status       string    `json:"status"` // "active", "inactive"
	SessionID    string    `json:"session_id,omitempty"`
}

// ObserverManager manages observer lifecycle and registration.
type ObserverManager struct {
	observers map[string]*Observer
	store     *EventStore
	mu        sync.RWMutex
}

// NewObserverManager creates a new observer manager backed by store.
func NewObserverManager(store *EventStore) *ObserverManager {
	return &ObserverManager{
		observers: make(map[string]*Observer),
		store:     store,
	}
}

// RegisterObserver creates a new observer for a session.
func (om *ObserverManager) RegisterObserver(sessionID string) *Observer {
	om.mu.Lock()
	defer om.mu.Unlock()

	observer := &Observer{
		ID:           generateObserverID(),
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		Status:       "active",
		SessionID:    sessionID,
	}

	om.observers[observer.ID] = observer
	om.store.InitializeObserver(observer.ID)

	return observer
}

// GetObserver retrieves an observer by ID and refreshes its activity time.
func (om *ObserverManager) GetObserver(observerID string) (*Observer, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()

	observer, exists := om.observers[observerID]
	if !exists {
		return nil, false
	}

	observer.LastActivity = time.Now()
	return observer, true
}

// RemoveObserver removes an observer and its buffered events.
func (om *ObserverManager) RemoveObserver(observerID string) bool {
	om.mu.Lock()
	defer om.mu.Unlock()

	if _, exists := om.observers[observerID]; !exists {
		return false
	}

	delete(om.observers, observerID)
	om.store.RemoveObserver(observerID)
	return true
}

// ObserversForSession returns every observer attached to a session.
func (om *ObserverManager) ObserversForSession(sessionID string) []*Observer {
	om.mu.RLock()
	defer om.mu.RUnlock()

	matched := make([]*Observer, 0)
	for _, observer := range om.observers {
		if observer.SessionID == sessionID {
			matched = append(matched, observer)
		}
	}
	return matched
}

// ActiveObservers returns all observers with active status.
func (om *ObserverManager) ActiveObservers() []*Observer {
	om.mu.RLock()
	defer om.mu.RUnlock()

	active := make([]*Observer, 0)
	for _, observer := range om.observers {
		if observer.Status == "active" {
			active = append(active, observer)
		}
	}
	return active
}

func generateObserverID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("obs-%d", time.Now().UnixNano())
	}
	return "obs-" + hex.EncodeToString(b)
}
