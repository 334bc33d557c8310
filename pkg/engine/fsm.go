package engine

import (
	"fmt"
	"sync"
	"time"

	"nbflow/engine_go/internal/utils"
)

// State is one node of the workflow state machine.
type State string

const (
	StateIdle                  State = "IDLE"
	StateStageRunning          State = "STAGE_RUNNING"
	StateStageCompleted        State = "STAGE_COMPLETED"
	StateStepRunning           State = "STEP_RUNNING"
	StateStepCompleted         State = "STEP_COMPLETED"
	StateBehaviorRunning       State = "BEHAVIOR_RUNNING"
	StateBehaviorCompleted     State = "BEHAVIOR_COMPLETED"
	StateActionRunning         State = "ACTION_RUNNING"
	StateActionCompleted       State = "ACTION_COMPLETED"
	StateWorkflowCompleted     State = "WORKFLOW_COMPLETED"
	StateWorkflowUpdatePending State = "WORKFLOW_UPDATE_PENDING"
	StateStepUpdatePending     State = "STEP_UPDATE_PENDING"
	StateError                 State = "ERROR"
	StateCancelled             State = "CANCELLED"

	// StatePaused is derived: the engine parks on its current state with
	// the pause flag set. It never appears in the transition table.
	StatePaused State = "PAUSED"
)

// Terminal reports whether the state accepts no further workflow events
// besides RESET.
func (s State) Terminal() bool {
	return s == StateWorkflowCompleted || s == StateError || s == StateCancelled
}

// Event is one trigger of the workflow state machine.
type Event string

const (
	EventStartWorkflow            Event = "START_WORKFLOW"
	EventStartStage               Event = "START_STAGE"
	EventStartStep                Event = "START_STEP"
	EventStartBehavior            Event = "START_BEHAVIOR"
	EventStartAction              Event = "START_ACTION"
	EventCompleteAction           Event = "COMPLETE_ACTION"
	EventNextAction               Event = "NEXT_ACTION"
	EventCompleteBehavior         Event = "COMPLETE_BEHAVIOR"
	EventNextBehavior             Event = "NEXT_BEHAVIOR"
	EventCompleteStep             Event = "COMPLETE_STEP"
	EventNextStep                 Event = "NEXT_STEP"
	EventCompleteStage            Event = "COMPLETE_STAGE"
	EventNextStage                Event = "NEXT_STAGE"
	EventCompleteWorkflow         Event = "COMPLETE_WORKFLOW"
	EventUpdateWorkflow           Event = "UPDATE_WORKFLOW"
	EventUpdateWorkflowConfirmed  Event = "UPDATE_WORKFLOW_CONFIRMED"
	EventUpdateWorkflowRejected   Event = "UPDATE_WORKFLOW_REJECTED"
	EventUpdateStep               Event = "UPDATE_STEP"
	EventUpdateStepConfirmed      Event = "UPDATE_STEP_CONFIRMED"
	EventUpdateStepRejected       Event = "UPDATE_STEP_REJECTED"
	EventFail                     Event = "FAIL"
	EventCancel                   Event = "CANCEL"
	EventReset                    Event = "RESET"
)

// transitions is the full (state, event) -> state table. FAIL and CANCEL
// are handled as wildcards in lookup instead of one row per state.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventStartWorkflow: StateStageRunning,
	},
	StateStageRunning: {
		EventStartStep:     StateStepRunning,
		EventCompleteStage: StateStageCompleted,
	},
	StateStepRunning: {
		EventStartBehavior: StateBehaviorRunning,
		EventCompleteStep:  StateStepCompleted,
	},
	StateBehaviorRunning: {
		EventStartAction:      StateActionRunning,
		EventCompleteBehavior: StateBehaviorCompleted,
	},
	StateActionRunning: {
		EventCompleteAction: StateActionCompleted,
		EventUpdateWorkflow: StateWorkflowUpdatePending,
		EventUpdateStep:     StateStepUpdatePending,
	},
	StateActionCompleted: {
		EventNextAction:       StateActionRunning,
		EventCompleteBehavior: StateBehaviorCompleted,
	},
	StateBehaviorCompleted: {
		EventNextBehavior: StateBehaviorRunning,
		EventCompleteStep: StateStepCompleted,
	},
	StateStepCompleted: {
		EventNextStep:      StateStepRunning,
		EventCompleteStage: StateStageCompleted,
	},
	StateStageCompleted: {
		EventNextStage:        StateStageRunning,
		EventCompleteWorkflow: StateWorkflowCompleted,
	},
	StateWorkflowUpdatePending: {
		EventUpdateWorkflowConfirmed: StateActionCompleted,
		EventUpdateWorkflowRejected:  StateActionCompleted,
	},
	StateStepUpdatePending: {
		EventUpdateStepConfirmed: StateActionCompleted,
		EventUpdateStepRejected:  StateActionCompleted,
	},
	StateWorkflowCompleted: {
		EventReset: StateIdle,
	},
	StateError: {
		EventReset: StateIdle,
	},
	StateCancelled: {
		EventReset: StateIdle,
	},
}

// TransitionRecord is one applied transition kept in the bounded history.
type TransitionRecord struct {
	From      State     `json:"from"`
	Event     Event     `json:"event"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// defaultHistoryLimit bounds the transition history ring.
const defaultHistoryLimit = 256

// FSM is the workflow state machine. It only validates and records
// transitions; entry effects live on the engine. Fire runs on the engine
// goroutine while the control surface reads state concurrently, so the
// fields are guarded.
type FSM struct {
	mu           sync.Mutex
	state        State
	history      []TransitionRecord
	historyLimit int
	logger       utils.ExtendedLogger
}

// NewFSM creates a machine in IDLE.
func NewFSM(logger utils.ExtendedLogger) *FSM {
	return &FSM{
		state:        StateIdle,
		history:      make([]TransitionRecord, 0, defaultHistoryLimit),
		historyLimit: defaultHistoryLimit,
		logger:       utils.OrNoop(logger),
	}
}

// State returns the current state.
func (m *FSM) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// lookup resolves the target state for an event, applying the FAIL and
// CANCEL wildcards.
func (m *FSM) lookup(event Event) (State, bool) {
	switch event {
	case EventFail:
		return StateError, true
	case EventCancel:
		return StateCancelled, true
	}
	targets, ok := transitions[m.state]
	if !ok {
		return "", false
	}
	to, ok := targets[event]
	return to, ok
}

// Fire applies one event. An event with no defined transition from the
// current state is logged and ignored, and the state does not change.
func (m *FSM) Fire(event Event) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, ok := m.lookup(event)
	if !ok {
		m.logger.Warnf("⚠️ invalid transition: event %s in state %s, ignoring", event, m.state)
		return m.state, false
	}

	record := TransitionRecord{
		From:      m.state,
		Event:     event,
		To:        to,
		Timestamp: time.Now(),
	}
	m.history = append(m.history, record)
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}

	m.state = to
	return to, true
}

// CanFire reports whether the event has a defined transition right now.
func (m *FSM) CanFire(event Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(event)
	return ok
}

// History returns a copy of the recorded transitions, oldest first.
func (m *FSM) History() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// LastTransition renders the most recent transition for observations.
func (m *FSM) LastTransition() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return ""
	}
	last := m.history[len(m.history)-1]
	return fmt.Sprintf("%s --%s--> %s", last.From, last.Event, last.To)
}

// Restore forces the machine into a persisted state.
func (m *FSM) Restore(state State, history []TransitionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.history = append([]TransitionRecord(nil), history...)
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
}
