package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/backoff"
	"github.com/fleetops/fleetd/internal/fleet"
	"github.com/fleetops/fleetd/internal/model"
	"github.com/fleetops/fleetd/internal/transport"
)

// Config defines dispatch behavior
type Config struct {
	// Attempts is the per-request transport attempt budget
	Attempts int

	// RetryBackoff drives the delay between attempts
	RetryBackoff backoff.Strategy

	// InvokeTimeout bounds every transport call
	InvokeTimeout time.Duration

	// OutcomeHook, when set, is called with every terminal outcome
	OutcomeHook func(model.ActionOutcome)
}

// AuditRecorder persists terminal action outcomes
type AuditRecorder interface {
	RecordOutcome(ctx context.Context, request model.ActionRequest, outcome model.ActionOutcome) error
}

// Dispatcher runs the per-request action state machine:
// submitted -> in_flight -> {succeeded, failed, timed_out}. Preconditions
// are checked against the fleet snapshot before any transport call;
// transient transport failures are retried within the attempt budget;
// protocol errors fail immediately.
type Dispatcher struct {
	logger   *zap.Logger
	store    *fleet.Store
	registry *transport.Registry
	config   Config
	audit    AuditRecorder

	mu       sync.Mutex
	pending  map[string]model.ActionRequest // by request id
	inFlight map[string]string              // host id -> request id
	wg       sync.WaitGroup
}

// NewDispatcher creates a new action dispatcher
func NewDispatcher(store *fleet.Store, registry *transport.Registry, config Config, audit AuditRecorder, logger *zap.Logger) *Dispatcher {
	if config.Attempts <= 0 {
		config.Attempts = 3
	}
	if config.RetryBackoff == nil {
		config.RetryBackoff = &backoff.Linear{Delay: 500 * time.Millisecond}
	}
	if config.InvokeTimeout == 0 {
		config.InvokeTimeout = 10 * time.Second
	}

	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		store:    store,
		registry: registry,
		config:   config,
		audit:    audit,
		pending:  make(map[string]model.ActionRequest),
		inFlight: make(map[string]string),
	}
}

// Submit validates and dispatches an action request. Precondition and
// duplicate violations are synchronous errors and cause no transport call;
// otherwise the terminal outcome is delivered on the returned channel.
func (d *Dispatcher) Submit(ctx context.Context, request model.ActionRequest) (<-chan model.ActionOutcome, error) {
	if request.ID == "" {
		request.ID = uuid.New().String()
	}
	if request.SubmittedAt.IsZero() {
		request.SubmittedAt = time.Now()
	}

	host, ok := d.store.Host(request.HostID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", fleet.ErrHostNotFound, request.HostID)
	}
	if !host.Supports(request.Kind) {
		return nil, fmt.Errorf("%w: host %s does not support %s", fleet.ErrActionUnsupported, host.ID, request.Kind)
	}

	// The duplicate check runs before the precondition so a repeat
	// submission is always reported as a duplicate, even after the first
	// request's optimistic update changed the host's state.
	d.mu.Lock()
	if _, ok := d.pending[request.ID]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", fleet.ErrDuplicateRequest, request.ID)
	}
	if inFlightID, ok := d.inFlight[request.HostID]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: request %s already in flight for host %s",
			fleet.ErrInvalidPrecondition, inFlightID, request.HostID)
	}
	if err := d.checkPrecondition(request); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.pending[request.ID] = request
	d.inFlight[request.HostID] = request.ID
	d.mu.Unlock()

	d.applyOptimistic(host, request.Kind)

	outcomeCh := make(chan model.ActionOutcome, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		outcome := d.execute(ctx, host, request)
		d.finish(ctx, request, outcome)
		outcomeCh <- outcome
	}()

	d.logger.Info("Action dispatched",
		zap.String("request_id", request.ID),
		zap.String("host_id", request.HostID),
		zap.String("kind", string(request.Kind)))

	return outcomeCh, nil
}

// Wait blocks until all in-flight actions reach a terminal state
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// checkPrecondition verifies the host's current lifecycle state allows the
// action. All action kinds require a host that is online or in maintenance.
func (d *Dispatcher) checkPrecondition(request model.ActionRequest) error {
	status, ok := d.store.Snapshot().Status(request.HostID)
	if !ok {
		return fmt.Errorf("%w: host %s has no observed status yet", fleet.ErrInvalidPrecondition, request.HostID)
	}

	switch status.State {
	case model.HostStateOnline, model.HostStateMaintenance:
		return nil
	default:
		return fmt.Errorf("%w: cannot %s host %s in state %s",
			fleet.ErrInvalidPrecondition, request.Kind, request.HostID, status.State)
	}
}

// applyOptimistic writes the expected post-dispatch state before the
// transport call so subscribers see the transition immediately. Gauges carry
// over from the current status.
func (d *Dispatcher) applyOptimistic(host model.Host, kind model.ActionKind) {
	var state model.HostState
	switch kind {
	case model.ActionRestart:
		state = model.HostStateMaintenance
	case model.ActionPowerOff:
		state = model.HostStateOffline
	default:
		return
	}

	status := model.HostStatus{
		HostID:     host.ID,
		State:      state,
		ObservedAt: time.Now(),
		Source:     model.StatusSourceAction,
	}
	if current, ok := d.store.Snapshot().Status(host.ID); ok {
		status.CPU = current.CPU
		status.Memory = current.Memory
		status.Uptime = current.Uptime
	}

	d.store.Apply(status)
}

// execute runs the transport attempts for one request and returns the
// terminal outcome
func (d *Dispatcher) execute(ctx context.Context, host model.Host, request model.ActionRequest) model.ActionOutcome {
	adapter, err := d.registry.ForHost(host)
	if err != nil {
		d.revert(host.ID)
		return d.terminal(request, model.ActionStateFailed, err.Error(), 0)
	}

	var lastFailure *transport.Failure
	for attempt := 1; attempt <= d.config.Attempts; attempt++ {
		invokeCtx, cancel := context.WithTimeout(ctx, d.config.InvokeTimeout)
		result, err := adapter.InvokeAction(invokeCtx, host, request.Kind)
		cancel()

		if err == nil {
			if result != nil && result.Status != nil {
				confirmed := *result.Status
				confirmed.Source = model.StatusSourceAction
				// The confirmation is observed now; the agent's own clock
				// must not make it lose to the optimistic write.
				confirmed.ObservedAt = time.Now()
				d.store.Apply(confirmed)
			}

			detail := ""
			if result != nil {
				detail = result.Detail
			}
			return d.terminal(request, model.ActionStateSucceeded, detail, attempt)
		}

		failure, ok := transport.AsFailure(err)
		if !ok || !failure.Transient() {
			d.revert(host.ID)
			return d.terminal(request, model.ActionStateFailed, err.Error(), attempt)
		}
		lastFailure = failure

		d.logger.Warn("Transient action failure",
			zap.String("request_id", request.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < d.config.Attempts {
			select {
			case <-ctx.Done():
				d.revert(host.ID)
				return d.terminal(request, model.ActionStateFailed, ctx.Err().Error(), attempt)
			case <-time.After(d.config.RetryBackoff.Next(attempt)):
			}
		}
	}

	d.revert(host.ID)

	state := model.ActionStateFailed
	if lastFailure != nil && lastFailure.Kind == transport.FailureTimeout {
		state = model.ActionStateTimedOut
	}
	detail := fmt.Sprintf("%s after %d attempts", fleet.ErrRetryExhausted, d.config.Attempts)
	if lastFailure != nil {
		detail = fmt.Sprintf("%s: %s", detail, lastFailure.Error())
	}
	return d.terminal(request, state, detail, d.config.Attempts)
}

// revert rolls an optimistic status back to the last real observation
func (d *Dispatcher) revert(hostID string) {
	d.store.RevertToObserved(hostID)
}

// terminal builds the terminal outcome for a request
func (d *Dispatcher) terminal(request model.ActionRequest, state model.ActionState, detail string, attempts int) model.ActionOutcome {
	return model.ActionOutcome{
		RequestID:   request.ID,
		HostID:      request.HostID,
		Kind:        request.Kind,
		State:       state,
		Detail:      detail,
		Attempts:    attempts,
		CompletedAt: time.Now(),
	}
}

// finish releases the request's idempotency slots and records the outcome
func (d *Dispatcher) finish(ctx context.Context, request model.ActionRequest, outcome model.ActionOutcome) {
	d.mu.Lock()
	delete(d.pending, request.ID)
	if d.inFlight[request.HostID] == request.ID {
		delete(d.inFlight, request.HostID)
	}
	d.mu.Unlock()

	d.logger.Info("Action completed",
		zap.String("request_id", request.ID),
		zap.String("host_id", request.HostID),
		zap.String("state", string(outcome.State)),
		zap.Int("attempts", outcome.Attempts))

	if d.audit != nil {
		if err := d.audit.RecordOutcome(ctx, request, outcome); err != nil {
			d.logger.Error("Failed to record action outcome",
				zap.String("request_id", request.ID),
				zap.Error(err))
		}
	}

	if d.config.OutcomeHook != nil {
		d.config.OutcomeHook(outcome)
	}
}

var _ fleet.ActionSubmitter = (*Dispatcher)(nil)
