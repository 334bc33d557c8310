package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"nbflow/engine_go/pkg/events"
)

// SQLiteDB implements the Database interface using SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB creates a new SQLite database connection
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations (includes initial schema creation)
	migrationRunner := NewMigrationRunner(db)
	if err := migrationRunner.RunMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// CreateRun records a new workflow run
func (s *SQLiteDB) CreateRun(ctx context.Context, req *CreateRunRequest) (*Run, error) {
	query := `
		INSERT INTO runs (id, run_id, problem_name, user_goal, title, status)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id, run_id, problem_name, user_goal, title, status, final_state, step_count, cell_count, created_at, completed_at
	`

	var run Run
	err := s.db.QueryRowContext(ctx, query,
		uuid.NewString(), req.RunID, req.ProblemName, req.UserGoal, req.Title, RunStatusActive,
	).Scan(
		&run.ID, &run.RunID, &run.ProblemName, &run.UserGoal, &run.Title,
		&run.Status, &run.FinalState, &run.StepCount, &run.CellCount,
		&run.CreatedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return &run, nil
}

// GetRun retrieves a run by its run ID
func (s *SQLiteDB) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT id, run_id, problem_name, user_goal, title, status, final_state, step_count, cell_count, created_at, completed_at
		FROM runs
		WHERE run_id = ?
	`

	var run Run
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID, &run.RunID, &run.ProblemName, &run.UserGoal, &run.Title,
		&run.Status, &run.FinalState, &run.StepCount, &run.CellCount,
		&run.CreatedAt, &run.CompletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run not found")
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// UpdateRun updates a run record
func (s *SQLiteDB) UpdateRun(ctx context.Context, runID string, req *UpdateRunRequest) (*Run, error) {
	query := `
		UPDATE runs
		SET title = COALESCE(NULLIF(?, ''), title),
		    status = COALESCE(NULLIF(?, ''), status),
		    final_state = COALESCE(NULLIF(?, ''), final_state),
		    step_count = COALESCE(?, step_count),
		    cell_count = COALESCE(?, cell_count),
		    completed_at = COALESCE(?, completed_at)
		WHERE run_id = ?
		RETURNING id, run_id, problem_name, user_goal, title, status, final_state, step_count, cell_count, created_at, completed_at
	`

	var run Run
	err := s.db.QueryRowContext(ctx, query,
		req.Title, req.Status, req.FinalState, req.StepCount, req.CellCount, req.CompletedAt, runID,
	).Scan(
		&run.ID, &run.RunID, &run.ProblemName, &run.UserGoal, &run.Title,
		&run.Status, &run.FinalState, &run.StepCount, &run.CellCount,
		&run.CreatedAt, &run.CompletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run not found")
		}
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	return &run, nil
}

// DeleteRun deletes a run and all its events and snapshots
func (s *SQLiteDB) DeleteRun(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run not found")
	}
	return nil
}

// ListRuns lists runs with pagination, optionally filtered by status
func (s *SQLiteDB) ListRuns(ctx context.Context, limit, offset int, status *string) ([]RunSummary, int, error) {
	var whereClause string
	var args []interface{}

	if status != nil && *status != "" {
		whereClause = " WHERE r.status = ?"
		args = append(args, *status)
	}

	countQuery := `SELECT COUNT(*) FROM runs r` + whereClause
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to get total count: %w", err)
	}

	query := `
		SELECT
			r.run_id,
			r.problem_name,
			r.title,
			r.status,
			r.final_state,
			r.cell_count,
			COUNT(e.id) AS total_events,
			r.created_at,
			r.completed_at
		FROM runs r
		LEFT JOIN run_events e ON e.run_id = r.run_id` + whereClause + `
		GROUP BY r.run_id
		ORDER BY r.created_at DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	summaries := make([]RunSummary, 0)
	for rows.Next() {
		var summary RunSummary
		if err := rows.Scan(
			&summary.RunID, &summary.ProblemName, &summary.Title, &summary.Status,
			&summary.FinalState, &summary.CellCount, &summary.TotalEvents,
			&summary.CreatedAt, &summary.CompletedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan run summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, total, rows.Err()
}

// StoreEvent persists one workflow event
func (s *SQLiteDB) StoreEvent(ctx context.Context, runID string, event *events.WorkflowEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	query := `
		INSERT INTO run_events (run_id, event_type, component, event_index, timestamp, event_data)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		runID, string(event.Type), event.Component, event.EventIndex, event.Timestamp, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// GetRunEvents returns a paginated event listing for a run
func (s *SQLiteDB) GetRunEvents(ctx context.Context, runID string, limit, offset int) (*GetEventsResponse, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_events WHERE run_id = ?`, runID).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	query := `
		SELECT id, run_id, event_type, component, event_index, timestamp, event_data
		FROM run_events
		WHERE run_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	stored, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	return &GetEventsResponse{Events: stored, Total: total, Limit: limit, Offset: offset}, nil
}

// GetRunEventsSince returns events with an index above the cursor
func (s *SQLiteDB) GetRunEventsSince(ctx context.Context, runID string, sinceIndex int) ([]StoredEvent, error) {
	query := `
		SELECT id, run_id, event_type, component, event_index, timestamp, event_data
		FROM run_events
		WHERE run_id = ? AND event_index > ?
		ORDER BY event_index ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID, sinceIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	stored := make([]StoredEvent, 0)
	for rows.Next() {
		var event StoredEvent
		var data string
		if err := rows.Scan(
			&event.ID, &event.RunID, &event.EventType, &event.Component,
			&event.EventIndex, &event.Timestamp, &data,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.EventData = json.RawMessage(data)
		stored = append(stored, event)
	}
	return stored, rows.Err()
}

// SaveSnapshot persists one engine snapshot blob
func (s *SQLiteDB) SaveSnapshot(ctx context.Context, runID, state string, blob json.RawMessage) error {
	query := `INSERT INTO run_snapshots (run_id, state, snapshot, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, runID, state, string(blob), time.Now()); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot of a run
func (s *SQLiteDB) LatestSnapshot(ctx context.Context, runID string) (*StoredSnapshot, error) {
	query := `
		SELECT id, run_id, state, snapshot, created_at
		FROM run_snapshots
		WHERE run_id = ?
		ORDER BY id DESC
		LIMIT 1
	`

	var snap StoredSnapshot
	var blob string
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&snap.ID, &snap.RunID, &snap.State, &blob, &snap.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no snapshot for run %s", runID)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	snap.Snapshot = json.RawMessage(blob)
	return &snap, nil
}

// Ping checks database connectivity
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
