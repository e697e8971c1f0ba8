package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetops/fleetd/internal/model"
)

// StaticAdapter serves scripted statuses and action results. It exists for
// demos and tests as an explicit data source; it is never used as a fallback
// for a failing real transport.
type StaticAdapter struct {
	mu       sync.Mutex
	statuses map[string]model.HostStatus
	failures map[string]*Failure
}

// NewStaticAdapter creates an empty static adapter
func NewStaticAdapter() *StaticAdapter {
	return &StaticAdapter{
		statuses: make(map[string]model.HostStatus),
		failures: make(map[string]*Failure),
	}
}

// SetStatus scripts the status returned for a host
func (a *StaticAdapter) SetStatus(hostID string, status model.HostStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	status.HostID = hostID
	delete(a.failures, hostID)
	a.statuses[hostID] = status
}

// SetFailure scripts a failure returned for a host until the next SetStatus
func (a *StaticAdapter) SetFailure(hostID string, kind FailureKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[hostID] = NewFailure(kind, fmt.Errorf("scripted %s failure", kind))
}

// FetchStatus implements Adapter.FetchStatus
func (a *StaticAdapter) FetchStatus(ctx context.Context, host model.Host) (model.HostStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if failure, ok := a.failures[host.ID]; ok {
		return model.HostStatus{}, failure
	}

	status, ok := a.statuses[host.ID]
	if !ok {
		return model.HostStatus{}, NewFailure(FailureProtocolError, fmt.Errorf("no scripted status for host %s", host.ID))
	}

	status.ObservedAt = time.Now()
	status.Source = model.StatusSourcePoll
	return status, nil
}

// InvokeAction implements Adapter.InvokeAction. Actions are acknowledged and
// flip the scripted status the way a well-behaved host would.
func (a *StaticAdapter) InvokeAction(ctx context.Context, host model.Host, kind model.ActionKind) (*ActionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if failure, ok := a.failures[host.ID]; ok {
		return nil, failure
	}

	status, ok := a.statuses[host.ID]
	if !ok {
		return nil, NewFailure(FailureProtocolError, fmt.Errorf("no scripted status for host %s", host.ID))
	}

	switch kind {
	case model.ActionRestart:
		status.State = model.HostStateOnline
		status.Uptime = 0
	case model.ActionPowerOff:
		status.State = model.HostStateOffline
	case model.ActionSSHOpen:
		// No lifecycle effect.
	default:
		return nil, NewFailure(FailureProtocolError, fmt.Errorf("unknown action %s", kind))
	}

	status.ObservedAt = time.Now()
	status.Source = model.StatusSourceAction
	a.statuses[host.ID] = status

	result := status
	return &ActionResult{
		Detail: fmt.Sprintf("scripted action %s acknowledged", kind),
		Status: &result,
	}, nil
}

var _ Adapter = (*StaticAdapter)(nil)
