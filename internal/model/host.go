package model

import "time"

// HostState represents the lifecycle state of a host
type HostState string

const (
	HostStateOnline      HostState = "online"
	HostStateOffline     HostState = "offline"
	HostStateMaintenance HostState = "maintenance"
	HostStateUnreachable HostState = "unreachable"
)

// StatusSource indicates where a status observation came from
type StatusSource string

const (
	StatusSourcePoll   StatusSource = "poll"
	StatusSourceAction StatusSource = "action"
)

// Host represents a managed machine in the fleet
type Host struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Address      string       `json:"address"`
	Class        string       `json:"class,omitempty"`
	Capabilities []ActionKind `json:"capabilities,omitempty"`
}

// Supports reports whether the host declares support for the given action
func (h Host) Supports(kind ActionKind) bool {
	for _, c := range h.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// HostStatus is a point-in-time observation of a host
type HostStatus struct {
	HostID     string        `json:"host_id"`
	State      HostState     `json:"state"`
	CPU        *float64      `json:"cpu,omitempty"`    // fraction in [0,1]
	Memory     *float64      `json:"memory,omitempty"` // fraction in [0,1]
	Uptime     time.Duration `json:"uptime,omitempty"`
	ObservedAt time.Time     `json:"observed_at"`
	Source     StatusSource  `json:"source"`
}
