package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"nbflow/engine_go/pkg/events"
	"nbflow/engine_go/pkg/observation"
	"nbflow/engine_go/pkg/workflowapi"
)

// WorkflowEvents represents a container for all engine event types
type WorkflowEvents struct {
	RunStartEvent  events.RunStartEvent  `json:"run_start"`
	RunEndEvent    events.RunEndEvent    `json:"run_end"`
	RunErrorEvent  events.RunErrorEvent  `json:"run_error"`

	StateTransitionEvent   events.StateTransitionEvent   `json:"state_transition"`
	InvalidTransitionEvent events.InvalidTransitionEvent `json:"invalid_transition"`
	EnginePausedEvent      events.EnginePausedEvent      `json:"engine_paused"`
	EngineResumedEvent     events.EngineResumedEvent     `json:"engine_resumed"`
	StepLimitReachedEvent  events.StepLimitReachedEvent  `json:"step_limit_reached"`

	PlannerCallEvent   events.PlannerCallEvent   `json:"planner_call"`
	GeneratorCallEvent events.GeneratorCallEvent `json:"generator_call"`
	CodeExecutionEvent events.CodeExecutionEvent `json:"code_execution"`
	ActionEvent        events.ActionEvent        `json:"action"`

	CellEvent         events.CellEvent         `json:"cell"`
	TitleUpdatedEvent events.TitleUpdatedEvent `json:"title_updated"`

	WorkflowUpdateEvent       events.WorkflowUpdateEvent       `json:"workflow_update"`
	StageStepsUpdatedEvent    events.StageStepsUpdatedEvent    `json:"stage_steps_updated"`
	ContextUpdateAppliedEvent events.ContextUpdateAppliedEvent `json:"context_update_applied"`
}

// PollingEvent represents the event envelope delivered to polling clients
type PollingEvent struct {
	Type       string      `json:"type"`
	Timestamp  string      `json:"timestamp"`
	SessionID  string      `json:"session_id,omitempty"`
	Component  string      `json:"component,omitempty"`
	EventIndex int         `json:"event_index"`
	Data       interface{} `json:"data"`
}

func writeSchema(filename string, v any) error {
	r := new(jsonschema.Reflector)
	r.ExpandedStruct = true
	r.DoNotReference = false
	r.RequiredFromJSONSchemaTags = true

	schema := r.Reflect(v)

	// Ensure the output directory exists
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", filename, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(schema)
}

func main() {
	fmt.Println("Generating JSON schemas for wire contracts...")

	schemas := []struct {
		filename string
		value    any
	}{
		{"schemas/workflow-events.schema.json", WorkflowEvents{}},
		{"schemas/polling-event.schema.json", PollingEvent{}},
		{"schemas/observation-payload.schema.json", observation.Payload{}},
		{"schemas/planner-response.schema.json", workflowapi.PlannerResponse{}},
		{"schemas/action.schema.json", workflowapi.Action{}},
	}

	for _, s := range schemas {
		if err := writeSchema(s.filename, s.value); err != nil {
			fmt.Printf("Error generating %s: %v\n", s.filename, err)
			os.Exit(1)
		}
	}

	fmt.Println("✅ Successfully generated schemas:")
	for _, s := range schemas {
		fmt.Printf("  - %s\n", s.filename)
	}
}
