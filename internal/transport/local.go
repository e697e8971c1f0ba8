package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	psutilhost "github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/model"
)

// LocalAdapter reports the controller's own machine. Useful for running the
// controller as one of its own fleet members; lifecycle actions are refused
// so the controller cannot power itself off.
type LocalAdapter struct {
	logger *zap.Logger
}

// NewLocalAdapter creates a new local machine adapter
func NewLocalAdapter(logger *zap.Logger) *LocalAdapter {
	return &LocalAdapter{logger: logger.Named("local-adapter")}
}

// FetchStatus implements Adapter.FetchStatus
func (a *LocalAdapter) FetchStatus(ctx context.Context, host model.Host) (model.HostStatus, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return model.HostStatus{}, NewFailure(FailureProtocolError, fmt.Errorf("failed to get CPU usage: %w", err))
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.HostStatus{}, NewFailure(FailureProtocolError, fmt.Errorf("failed to get memory usage: %w", err))
	}

	uptime, err := psutilhost.UptimeWithContext(ctx)
	if err != nil {
		return model.HostStatus{}, NewFailure(FailureProtocolError, fmt.Errorf("failed to get uptime: %w", err))
	}

	cpuFraction := 0.0
	if len(cpuPercent) > 0 {
		cpuFraction = cpuPercent[0] / 100
	}
	memFraction := memInfo.UsedPercent / 100

	return model.HostStatus{
		HostID:     host.ID,
		State:      model.HostStateOnline,
		CPU:        &cpuFraction,
		Memory:     &memFraction,
		Uptime:     time.Duration(uptime) * time.Second,
		ObservedAt: time.Now(),
		Source:     model.StatusSourcePoll,
	}, nil
}

// InvokeAction implements Adapter.InvokeAction
func (a *LocalAdapter) InvokeAction(ctx context.Context, host model.Host, kind model.ActionKind) (*ActionResult, error) {
	return nil, NewFailure(FailureProtocolError, fmt.Errorf("action %s not supported on the local machine", kind))
}

var _ Adapter = (*LocalAdapter)(nil)
