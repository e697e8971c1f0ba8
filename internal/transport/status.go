package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetops/fleetd/internal/model"
)

// wireStatus is the JSON status document emitted by host agents. Both the
// HTTP and SSH adapters speak this format.
type wireStatus struct {
	State         string    `json:"state"`
	CPU           *float64  `json:"cpu,omitempty"`
	Memory        *float64  `json:"memory,omitempty"`
	UptimeSeconds int64     `json:"uptime_seconds,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// decodeWireStatus parses a wire status document into a HostStatus. Unknown
// lifecycle states and malformed documents are protocol errors.
func decodeWireStatus(hostID string, data []byte) (model.HostStatus, error) {
	var ws wireStatus
	if err := json.Unmarshal(data, &ws); err != nil {
		return model.HostStatus{}, NewFailure(FailureProtocolError, fmt.Errorf("malformed status document: %w", err))
	}

	state := model.HostState(ws.State)
	switch state {
	case model.HostStateOnline, model.HostStateOffline, model.HostStateMaintenance:
	default:
		return model.HostStatus{}, NewFailure(FailureProtocolError, fmt.Errorf("unknown host state %q", ws.State))
	}

	observedAt := ws.Timestamp
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	return model.HostStatus{
		HostID:     hostID,
		State:      state,
		CPU:        ws.CPU,
		Memory:     ws.Memory,
		Uptime:     time.Duration(ws.UptimeSeconds) * time.Second,
		ObservedAt: observedAt,
		Source:     model.StatusSourcePoll,
	}, nil
}
