package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	internalevents "nbflow/engine_go/internal/events"
	"nbflow/engine_go/pkg/contextstore"
	"nbflow/engine_go/pkg/database"
	"nbflow/engine_go/pkg/engine"
	"nbflow/engine_go/pkg/events"
	"nbflow/engine_go/pkg/executor"
	"nbflow/engine_go/pkg/notebook"
	"nbflow/engine_go/pkg/observation"
	"nbflow/engine_go/pkg/pipeline"
	"nbflow/engine_go/pkg/scripts"
	"nbflow/engine_go/pkg/workflowapi"
)

// --- RUN API TYPES ---

// StartRunRequest represents a request to start a new workflow run
type StartRunRequest struct {
	pipeline.Descriptor

	RunID    string `json:"run_id,omitempty"`
	MaxSteps int    `json:"max_steps,omitempty"`
}

// StartRunResponse represents the response for starting a run
type StartRunResponse struct {
	RunID      string `json:"run_id"`
	ObserverID string `json:"observer_id"`
	Status     string `json:"status"`
}

// SetMaxStepsRequest represents a request to change the action budget
type SetMaxStepsRequest struct {
	MaxSteps int `json:"max_steps"`
}

// StepUpdateRequest represents a proposed stage steps replacement
type StepUpdateRequest struct {
	StageID string          `json:"stage_id"`
	Steps   []pipeline.Step `json:"steps"`
}

// --- RUN API HANDLERS ---

// handleStartRun creates an engine for the descriptor and starts it in a
// background goroutine. The response carries the observer ID the client
// polls for events.
func (api *ControlAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.UserGoal == "" {
		http.Error(w, "user_goal is required", http.StatusBadRequest)
		return
	}

	session, err := api.startRun(&req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to start run: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(StartRunResponse{
		RunID:      session.RunID,
		ObserverID: session.ObserverID,
		Status:     "started",
	})
}

// startRun wires the per-run stores, clients and listeners, records the
// run in the history database and launches the engine goroutine.
func (api *ControlAPI) startRun(req *StartRunRequest) (*runSession, error) {
	cells := notebook.NewCellStore(api.logger)
	contextStore := contextstore.NewContextStore(api.logger)
	pipelineStore := pipeline.NewPipelineStore(req.Descriptor, api.logger)

	timeout := time.Duration(api.config.RequestTimeout) * time.Second
	apiClient := workflowapi.NewClient(api.config.PlannerURL, api.logger,
		workflowapi.WithTimeout(timeout))
	kernelClient := executor.NewClient(api.config.KernelURL, api.config.NotebookID,
		api.logger, executor.WithTimeout(timeout))

	registry := scripts.NewDefaultRegistry(api.logger)
	scriptStore := scripts.NewScriptStore(cells, contextStore, pipelineStore, kernelClient, registry, api.logger)
	builder := observation.NewBuilder(cells, contextStore, pipelineStore, api.logger)

	maxSteps := req.MaxSteps
	if maxSteps == 0 {
		maxSteps = api.config.MaxSteps
	}

	runID := req.RunID
	if runID == "" {
		runID = "run_" + uuid.NewString()[:8]
	}

	observer := api.observerManager.RegisterObserver(runID)
	listener := events.NewMultiListener(
		internalevents.NewEventObserver(api.eventStore, observer.ID, runID, api.logger),
		database.NewEventListener(api.db, api.logger),
	)

	eng := engine.NewEngine(
		engine.Config{RunID: runID, MaxSteps: maxSteps},
		cells, contextStore, pipelineStore, scriptStore, builder, apiClient,
		listener, api.tracer, api.logger,
	)

	if _, err := api.db.CreateRun(context.Background(), &database.CreateRunRequest{
		RunID:       eng.RunID(),
		ProblemName: req.ProblemName,
		UserGoal:    req.UserGoal,
	}); err != nil {
		api.observerManager.RemoveObserver(observer.ID)
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &runSession{
		RunID:      eng.RunID(),
		ObserverID: observer.ID,
		CreatedAt:  time.Now(),
		engine:     eng,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	api.sessionMux.Lock()
	api.sessions[session.RunID] = session
	api.sessionMux.Unlock()

	go func() {
		defer close(session.done)
		defer cancel()

		session.runErr = eng.Run(ctx)
		api.finishRun(session, cells)
	}()

	api.logger.Infof("🚀 run %s started (observer %s)", session.RunID, observer.ID)
	return session, nil
}

// finishRun records the terminal state, final counters and a snapshot
// once the engine goroutine returns.
func (api *ControlAPI) finishRun(session *runSession, cells *notebook.CellStore) {
	eng := session.engine

	status := database.RunStatusCompleted
	switch eng.State() {
	case engine.StateError:
		status = database.RunStatusError
	case engine.StateCancelled:
		status = database.RunStatusCancelled
	}

	now := time.Now()
	stepCount := eng.StepCounter()
	cellCount := cells.Len()
	if _, err := api.db.UpdateRun(context.Background(), session.RunID, &database.UpdateRunRequest{
		Title:       cells.Title(),
		Status:      status,
		FinalState:  string(eng.State()),
		StepCount:   &stepCount,
		CellCount:   &cellCount,
		CompletedAt: &now,
	}); err != nil {
		api.logger.Warnf("failed to finalize run %s: %v", session.RunID, err)
	}

	if blob, err := json.Marshal(eng.Snapshot()); err == nil {
		if err := api.db.SaveSnapshot(context.Background(), session.RunID, string(eng.State()), blob); err != nil {
			api.logger.Warnf("failed to save snapshot for run %s: %v", session.RunID, err)
		}
	}

	api.logger.Infof("🏁 run %s finished in state %s", session.RunID, eng.State())
}

// getSession resolves the run from the URL, writing a 404 when unknown.
func (api *ControlAPI) getSession(w http.ResponseWriter, r *http.Request) (*runSession, bool) {
	runID := mux.Vars(r)["run_id"]
	if runID == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return nil, false
	}

	api.sessionMux.RLock()
	session, exists := api.sessions[runID]
	api.sessionMux.RUnlock()

	if !exists {
		http.Error(w, "Run not found", http.StatusNotFound)
		return nil, false
	}
	return session, true
}

// handleRunStatus reports the engine control-surface status
func (api *ControlAPI) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	status := session.engine.Status()
	response := map[string]interface{}{
		"run_id":      session.RunID,
		"observer_id": session.ObserverID,
		"created_at":  session.CreatedAt,
		"status":      status,
	}
	select {
	case <-session.done:
		response["finished"] = true
		if session.runErr != nil {
			response["error"] = session.runErr.Error()
		}
	default:
		response["finished"] = false
	}

	json.NewEncoder(w).Encode(response)
}

// handleRunSnapshot serializes the full engine state. The engine has to
// be parked first (paused, awaiting confirmation, terminal, or finished)
// so the run goroutine is not mutating the stores mid-serialization.
func (api *ControlAPI) handleRunSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	if !engineParked(session) {
		http.Error(w, "Run is active; pause it before requesting a snapshot", http.StatusConflict)
		return
	}

	json.NewEncoder(w).Encode(session.engine.Snapshot())
}

// engineParked reports whether the run goroutine is guaranteed idle.
func engineParked(session *runSession) bool {
	select {
	case <-session.done:
		return true
	default:
	}
	return session.engine.Parked()
}

// handlePauseRun parks the engine at the next transition boundary
func (api *ControlAPI) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	session.engine.Pause()
	writeControlAck(w, session, "paused")
}

// handleResumeRun releases a paused engine
func (api *ControlAPI) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	session.engine.Resume()
	writeControlAck(w, session, "resumed")
}

// handleCancelRun requests cancellation at the next boundary
func (api *ControlAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	session.engine.Cancel()
	writeControlAck(w, session, "cancel_requested")
}

// handleSetMaxSteps changes the action budget of a running engine
func (api *ControlAPI) handleSetMaxSteps(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	var req SetMaxStepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	session.engine.SetMaxSteps(req.MaxSteps)
	writeControlAck(w, session, "max_steps_updated")
}

// handleResetStepCounter zeroes the action counter
func (api *ControlAPI) handleResetStepCounter(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	session.engine.ResetStepCounter()
	writeControlAck(w, session, "step_counter_reset")
}

// handlePendingWorkflowUpdate returns the template parked for confirmation
func (api *ControlAPI) handlePendingWorkflowUpdate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	template := session.engine.PendingTemplate()
	if template == nil {
		http.Error(w, "No pending workflow update", http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"run_id":   session.RunID,
		"template": template,
	})
}

// handleConfirmWorkflowUpdate applies the parked template
func (api *ControlAPI) handleConfirmWorkflowUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	if err := session.engine.ConfirmWorkflowUpdate(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeControlAck(w, session, "workflow_update_confirmed")
}

// handleRejectWorkflowUpdate discards the parked template
func (api *ControlAPI) handleRejectWorkflowUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	if err := session.engine.RejectWorkflowUpdate(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeControlAck(w, session, "workflow_update_rejected")
}

// handleProposeStepUpdate parks a stage steps replacement for confirmation
func (api *ControlAPI) handleProposeStepUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	var req StepUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Steps) == 0 {
		http.Error(w, "steps is required", http.StatusBadRequest)
		return
	}

	session.engine.ProposeStepUpdate(req.StageID, req.Steps)
	writeControlAck(w, session, "step_update_proposed")
}

// handleConfirmStepUpdate applies the parked stage steps replacement
func (api *ControlAPI) handleConfirmStepUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	if err := session.engine.ConfirmStepUpdate(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeControlAck(w, session, "step_update_confirmed")
}

// handleRejectStepUpdate discards the parked stage steps replacement
func (api *ControlAPI) handleRejectStepUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	session, ok := api.getSession(w, r)
	if !ok {
		return
	}

	if err := session.engine.RejectStepUpdate(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeControlAck(w, session, "step_update_rejected")
}

func writeControlAck(w http.ResponseWriter, session *runSession, action string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run_id": session.RunID,
		"action": action,
		"status": session.engine.Status(),
	})
}
