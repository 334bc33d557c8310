package database

import (
	"encoding/json"
	"time"
)

// Run status constants
const (
	RunStatusActive    = "active"
	RunStatusCompleted = "completed"
	RunStatusError     = "error"
	RunStatusCancelled = "cancelled"
)

// Run represents one workflow run in the database
type Run struct {
	ID          string     `json:"id" db:"id"`
	RunID       string     `json:"run_id" db:"run_id"`
	ProblemName string     `json:"problem_name" db:"problem_name"`
	UserGoal    string     `json:"user_goal" db:"user_goal"`
	Title       string     `json:"title" db:"title"`
	Status      string     `json:"status" db:"status"`
	FinalState  string     `json:"final_state" db:"final_state"`
	StepCount   int        `json:"step_count" db:"step_count"`
	CellCount   int        `json:"cell_count" db:"cell_count"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}

// StoredEvent represents a persisted workflow event
type StoredEvent struct {
	ID         int64           `json:"id" db:"id"`
	RunID      string          `json:"run_id" db:"run_id"`
	EventType  string          `json:"event_type" db:"event_type"`
	Component  string          `json:"component" db:"component"`
	EventIndex int             `json:"event_index" db:"event_index"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
	EventData  json.RawMessage `json:"event_data" db:"event_data"`
}

// StoredSnapshot represents a persisted engine snapshot
type StoredSnapshot struct {
	ID        int64           `json:"id" db:"id"`
	RunID     string          `json:"run_id" db:"run_id"`
	State     string          `json:"state" db:"state"`
	Snapshot  json.RawMessage `json:"snapshot" db:"snapshot"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// RunSummary represents a summary view of a run for listings
type RunSummary struct {
	RunID       string     `json:"run_id" db:"run_id"`
	ProblemName string     `json:"problem_name" db:"problem_name"`
	Title       string     `json:"title" db:"title"`
	Status      string     `json:"status" db:"status"`
	FinalState  string     `json:"final_state" db:"final_state"`
	CellCount   int        `json:"cell_count" db:"cell_count"`
	TotalEvents int        `json:"total_events" db:"total_events"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}

// CreateRunRequest represents a request to record a new run
type CreateRunRequest struct {
	RunID       string `json:"run_id"`
	ProblemName string `json:"problem_name,omitempty"`
	UserGoal    string `json:"user_goal,omitempty"`
	Title       string `json:"title,omitempty"`
}

// UpdateRunRequest represents a request to update a run record
type UpdateRunRequest struct {
	Title       string     `json:"title,omitempty"`
	Status      string     `json:"status,omitempty"`
	FinalState  string     `json:"final_state,omitempty"`
	StepCount   *int       `json:"step_count,omitempty"`
	CellCount   *int       `json:"cell_count,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GetEventsResponse represents a paginated event listing
type GetEventsResponse struct {
	Events []StoredEvent `json:"events"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}
