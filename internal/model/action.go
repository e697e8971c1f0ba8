package model

import "time"

// ActionKind represents the kind of control action to perform on a host
type ActionKind string

const (
	ActionRestart  ActionKind = "restart"
	ActionPowerOff ActionKind = "power_off"
	ActionSSHOpen  ActionKind = "ssh_open"
)

// ActionState represents the current state of an action request
type ActionState string

const (
	ActionStateSubmitted ActionState = "submitted"
	ActionStateInFlight  ActionState = "in_flight"
	ActionStateSucceeded ActionState = "succeeded"
	ActionStateFailed    ActionState = "failed"
	ActionStateTimedOut  ActionState = "timed_out"
)

// Terminal reports whether the state is final
func (s ActionState) Terminal() bool {
	return s == ActionStateSucceeded || s == ActionStateFailed || s == ActionStateTimedOut
}

// ActionRequest represents a user-requested control action on a host.
// ID doubles as the idempotency key.
type ActionRequest struct {
	ID          string     `json:"id"`
	HostID      string     `json:"host_id"`
	Kind        ActionKind `json:"kind"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// ActionOutcome is the terminal result of an action request
type ActionOutcome struct {
	RequestID   string      `json:"request_id"`
	HostID      string      `json:"host_id"`
	Kind        ActionKind  `json:"kind"`
	State       ActionState `json:"state"`
	Detail      string      `json:"detail,omitempty"`
	Attempts    int         `json:"attempts"`
	CompletedAt time.Time   `json:"completed_at"`
}
