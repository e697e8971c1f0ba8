package model

// FleetSnapshot is an immutable, versioned view of the fleet. The version
// increases with every accepted mutation; maps are copies and safe to read
// without coordination.
type FleetSnapshot struct {
	Version  uint64                `json:"version"`
	Hosts    map[string]Host       `json:"hosts"`
	Statuses map[string]HostStatus `json:"statuses"`
}

// Status returns the latest accepted status for a host, if any
func (s FleetSnapshot) Status(hostID string) (HostStatus, bool) {
	status, ok := s.Statuses[hostID]
	return status, ok
}
