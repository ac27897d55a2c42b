package types

import "time"

// ExecutionRequest is an immutable unit of work submitted to the scheduler.
type ExecutionRequest struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Tier        Tier      `json:"tier"`
	PlanID      string    `json:"plan_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SlotState is the lifecycle state of a scheduler slot.
type SlotState string

const (
	SlotQueued    SlotState = "queued"
	SlotRunning   SlotState = "running"
	SlotCompleted SlotState = "completed"
	SlotFailed    SlotState = "failed"
	SlotCancelled SlotState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s SlotState) IsTerminal() bool {
	return s == SlotCompleted || s == SlotFailed || s == SlotCancelled
}

// Outcome is how an execution ended.
type Outcome string

const (
	OutcomeCompletion Outcome = "completion"
	OutcomeFailure    Outcome = "failure"
	OutcomeCancelled  Outcome = "cancelled"
)

// SlotState maps an outcome onto the matching terminal slot state.
func (o Outcome) SlotState() SlotState {
	switch o {
	case OutcomeCompletion:
		return SlotCompleted
	case OutcomeCancelled:
		return SlotCancelled
	default:
		return SlotFailed
	}
}

// PartialResult is one element of a result stream. Exactly one element of
// every stream has Final set, and only that element carries an Outcome.
type PartialResult struct {
	RequestID string    `json:"request_id"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text,omitempty"`
	Final     bool      `json:"final"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Placement Placement `json:"placement,omitempty"`
}
