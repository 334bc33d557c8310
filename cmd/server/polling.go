package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"nbflow/engine_go/pkg/events"
)

// --- POLLING API TYPES ---

// RegisterObserverRequest represents a request to register a new observer
type RegisterObserverRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// RegisterObserverResponse represents the response for observer registration
type RegisterObserverResponse struct {
	ObserverID string `json:"observer_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// PollEventsResponse represents the response for event polling
type PollEventsResponse struct {
	Events         []*events.WorkflowEvent `json:"events"`
	LastEventIndex int                     `json:"last_event_index"`
	HasMore        bool                    `json:"has_more"`
	ObserverID     string                  `json:"observer_id"`
}

// ObserverStatusResponse represents the response for observer status
type ObserverStatusResponse struct {
	ObserverID   string    `json:"observer_id"`
	Status       string    `json:"status"`
	SessionID    string    `json:"session_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	TotalEvents  int       `json:"total_events"`
}

// --- POLLING API HANDLERS ---

// handleRegisterObserver handles observer registration
func (api *ControlAPI) handleRegisterObserver(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	var req RegisterObserverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	observer := api.observerManager.RegisterObserver(req.SessionID)

	response := RegisterObserverResponse{
		ObserverID: observer.ID,
		Status:     "created",
		Message:    "Observer registered successfully",
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}
}

// handleGetEvents handles incremental event polling for an observer
func (api *ControlAPI) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	vars := mux.Vars(r)
	observerID := vars["observer_id"]

	if observerID == "" {
		http.Error(w, "Observer ID is required", http.StatusBadRequest)
		return
	}

	// Get since parameter (optional)
	sinceStr := r.URL.Query().Get("since")
	sinceIndex := 0
	if sinceStr != "" {
		if since, err := strconv.Atoi(sinceStr); err == nil {
			sinceIndex = since
		}
	}

	// GetObserver refreshes the activity timestamp
	api.observerManager.GetObserver(observerID)

	observerEvents, totalEvents, exists := api.eventStore.GetEvents(observerID, sinceIndex)
	if !exists {
		http.Error(w, "Observer not found", http.StatusNotFound)
		return
	}

	response := PollEventsResponse{
		Events:         observerEvents,
		LastEventIndex: totalEvents,
		HasMore:        len(observerEvents) > 0,
		ObserverID:     observerID,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}
}

// handleGetObserverStatus handles observer status requests
func (api *ControlAPI) handleGetObserverStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	vars := mux.Vars(r)
	observerID := vars["observer_id"]

	if observerID == "" {
		http.Error(w, "Observer ID is required", http.StatusBadRequest)
		return
	}

	observer, exists := api.observerManager.GetObserver(observerID)
	if !exists {
		http.Error(w, "Observer not found", http.StatusNotFound)
		return
	}

	totalEvents, _ := api.eventStore.ObserverEventCount(observerID)

	response := ObserverStatusResponse{
		ObserverID:   observer.ID,
		Status:       observer.Status,
		SessionID:    observer.SessionID,
		CreatedAt:    observer.CreatedAt,
		LastActivity: observer.LastActivity,
		TotalEvents:  totalEvents,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}
}

// handleRemoveObserver unregisters an observer and drops its buffer
func (api *ControlAPI) handleRemoveObserver(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	vars := mux.Vars(r)
	observerID := vars["observer_id"]

	if observerID == "" {
		http.Error(w, "Observer ID is required", http.StatusBadRequest)
		return
	}

	if !api.observerManager.RemoveObserver(observerID) {
		http.Error(w, "Observer not found", http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{
		"observer_id": observerID,
		"status":      "removed",
	})
}
