package database

import (
	"context"
	"encoding/json"

	"nbflow/engine_go/pkg/events"
)

// Database interface for run history storage
type Database interface {
	// Run management
	CreateRun(ctx context.Context, req *CreateRunRequest) (*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRun(ctx context.Context, runID string, req *UpdateRunRequest) (*Run, error)
	DeleteRun(ctx context.Context, runID string) error
	ListRuns(ctx context.Context, limit, offset int, status *string) ([]RunSummary, int, error)

	// Event storage
	StoreEvent(ctx context.Context, runID string, event *events.WorkflowEvent) error
	GetRunEvents(ctx context.Context, runID string, limit, offset int) (*GetEventsResponse, error)
	GetRunEventsSince(ctx context.Context, runID string, sinceIndex int) ([]StoredEvent, error)

	// Snapshot storage
	SaveSnapshot(ctx context.Context, runID, state string, blob json.RawMessage) error
	LatestSnapshot(ctx context.Context, runID string) (*StoredSnapshot, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
