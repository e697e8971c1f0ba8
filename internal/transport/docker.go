package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/model"
)

// DockerAdapter manages container-backed hosts through the Docker API. The
// host address names the container: docker://<container>.
type DockerAdapter struct {
	logger *zap.Logger
	docker *client.Client
}

// NewDockerAdapter creates a new Docker transport adapter
func NewDockerAdapter(logger *zap.Logger) (*DockerAdapter, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerAdapter{
		logger: logger.Named("docker-adapter"),
		docker: docker,
	}, nil
}

// FetchStatus implements Adapter.FetchStatus
func (a *DockerAdapter) FetchStatus(ctx context.Context, host model.Host) (model.HostStatus, error) {
	name := containerName(host)

	info, err := a.docker.ContainerInspect(ctx, name)
	if err != nil {
		return model.HostStatus{}, classifyDockerError(err)
	}

	status := model.HostStatus{
		HostID:     host.ID,
		State:      containerState(info.State),
		ObservedAt: time.Now(),
		Source:     model.StatusSourcePoll,
	}

	if info.State != nil && info.State.Running {
		if startedAt, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			status.Uptime = time.Since(startedAt)
		}
		a.collectGauges(ctx, name, &status)
	}

	return status, nil
}

// collectGauges fills CPU and memory fractions from a one-shot stats read.
// Stats are best-effort; a failure leaves the gauges unset.
func (a *DockerAdapter) collectGauges(ctx context.Context, name string, status *model.HostStatus) {
	resp, err := a.docker.ContainerStatsOneShot(ctx, name)
	if err != nil {
		a.logger.Debug("Failed to read container stats", zap.String("container", name), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		a.logger.Debug("Failed to decode container stats", zap.String("container", name), zap.Error(err))
		return
	}

	if stats.CPUStats.SystemUsage > 0 {
		cpu := float64(stats.CPUStats.CPUUsage.TotalUsage) / float64(stats.CPUStats.SystemUsage)
		if cpu > 1 {
			cpu = 1
		}
		status.CPU = &cpu
	}
	if stats.MemoryStats.Limit > 0 {
		mem := float64(stats.MemoryStats.Usage) / float64(stats.MemoryStats.Limit)
		if mem > 1 {
			mem = 1
		}
		status.Memory = &mem
	}
}

// InvokeAction implements Adapter.InvokeAction
func (a *DockerAdapter) InvokeAction(ctx context.Context, host model.Host, kind model.ActionKind) (*ActionResult, error) {
	name := containerName(host)

	a.logger.Debug("Invoking container action",
		zap.String("host_id", host.ID),
		zap.String("container", name),
		zap.String("kind", string(kind)))

	var err error
	switch kind {
	case model.ActionRestart:
		err = a.docker.ContainerRestart(ctx, name, container.StopOptions{})
	case model.ActionPowerOff:
		err = a.docker.ContainerStop(ctx, name, container.StopOptions{})
	default:
		return nil, NewFailure(FailureProtocolError, fmt.Errorf("action %s not supported for containers", kind))
	}
	if err != nil {
		return nil, classifyDockerError(err)
	}

	return &ActionResult{Detail: fmt.Sprintf("container %s %s acknowledged", name, kind)}, nil
}

func containerName(host model.Host) string {
	return strings.TrimPrefix(host.Address, "docker://")
}

// containerState maps a container state onto the host lifecycle
func containerState(state *types.ContainerState) model.HostState {
	if state == nil {
		return model.HostStateOffline
	}
	switch {
	case state.Paused:
		return model.HostStateMaintenance
	case state.Running:
		return model.HostStateOnline
	default:
		return model.HostStateOffline
	}
}

// classifyDockerError maps a Docker API error onto the failure taxonomy
func classifyDockerError(err error) *Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewFailure(FailureTimeout, err)
	case client.IsErrConnectionFailed(err):
		return NewFailure(FailureConnectionRefused, err)
	}
	return NewFailure(FailureProtocolError, err)
}

var _ Adapter = (*DockerAdapter)(nil)
