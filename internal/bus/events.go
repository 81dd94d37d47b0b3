package bus

import "github.com/reviewflow/reviewflow/internal/core"

// Payload types for the lifecycle topics. Frontends type-switch on these.

type CheckScheduled struct {
	CheckID string
}

type CheckStarted struct {
	CheckID   string
	Iteration int
}

type CheckCompleted struct {
	CheckID   string
	Iteration int
	Outcome   core.CheckOutcome
	Result    *core.ReviewSummary
}

type CheckErrored struct {
	CheckID string
	Error   string
}

// RunState is the host-level state machine: Idle -> Running -> Completed/Error.
type RunState string

const (
	StateIdle      RunState = "Idle"
	StateRunning   RunState = "Running"
	StateCompleted RunState = "Completed"
	StateError     RunState = "Error"
)

type StateTransition struct {
	From RunState
	To   RunState
}

type HumanInputRequested struct {
	CheckID  string
	Prompt   string
	Channel  string
	ThreadTS string
}

// HumanInputResolved resumes a suspended human-input gate.
type HumanInputResolved struct {
	CheckID string
	Value   string
}

// RoutingEvent surfaces a goto_event route; the engine does not interpret
// event names, the host decides whether one maps to a follow-up run.
type RoutingEvent struct {
	CheckID string
	Event   string
}

type SnapshotSaved struct {
	Channel  string
	ThreadTS string
	FilePath string
}

type Shutdown struct {
	Error string
}
