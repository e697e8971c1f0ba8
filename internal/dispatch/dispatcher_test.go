package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/backoff"
	"github.com/fleetops/fleetd/internal/fleet"
	"github.com/fleetops/fleetd/internal/model"
	"github.com/fleetops/fleetd/internal/transport"
)

func floatPtr(v float64) *float64 {
	return &v
}

// fakeAdapter fails with the scripted failures in order, then succeeds
type fakeAdapter struct {
	mu          sync.Mutex
	invocations int
	failures    []*transport.Failure
	result      *transport.ActionResult
	block       chan struct{}
}

func (a *fakeAdapter) FetchStatus(ctx context.Context, host model.Host) (model.HostStatus, error) {
	return model.HostStatus{}, transport.NewFailure(transport.FailureProtocolError, nil)
}

func (a *fakeAdapter) InvokeAction(ctx context.Context, host model.Host, kind model.ActionKind) (*transport.ActionResult, error) {
	a.mu.Lock()
	attempt := a.invocations
	a.invocations++
	block := a.block
	a.mu.Unlock()

	if block != nil {
		<-block
	}

	if attempt < len(a.failures) {
		return nil, a.failures[attempt]
	}
	if a.result != nil {
		return a.result, nil
	}
	return &transport.ActionResult{Detail: "acknowledged"}, nil
}

func (a *fakeAdapter) invocationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invocations
}

type fixture struct {
	store      *fleet.Store
	adapter    *fakeAdapter
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, adapter *fakeAdapter, config Config) *fixture {
	t.Helper()
	logger := zap.NewNop()

	registry := transport.NewRegistry()
	registry.Register("test", adapter)

	store := fleet.NewStore(logger)
	host := model.Host{
		ID:           "h1",
		Name:         "web-1",
		Address:      "test://h1",
		Capabilities: []model.ActionKind{model.ActionRestart, model.ActionPowerOff},
	}
	require.NoError(t, store.AddHost(host))

	if config.RetryBackoff == nil {
		config.RetryBackoff = &backoff.Linear{Delay: time.Millisecond}
	}
	if config.InvokeTimeout == 0 {
		config.InvokeTimeout = time.Second
	}

	return &fixture{
		store:      store,
		adapter:    adapter,
		dispatcher: NewDispatcher(store, registry, config, nil, logger),
	}
}

func (f *fixture) online(t *testing.T) {
	t.Helper()
	require.True(t, f.store.Apply(model.HostStatus{
		HostID:     "h1",
		State:      model.HostStateOnline,
		CPU:        floatPtr(0.3),
		ObservedAt: time.Now(),
		Source:     model.StatusSourcePoll,
	}))
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("Invalid Precondition Makes No Transport Call", func(t *testing.T) {
		f := newFixture(t, &fakeAdapter{}, Config{})
		require.True(t, f.store.Apply(model.HostStatus{
			HostID:     "h1",
			State:      model.HostStateOffline,
			ObservedAt: time.Now(),
			Source:     model.StatusSourcePoll,
		}))

		_, err := f.dispatcher.Submit(ctx, model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionRestart})
		assert.ErrorIs(t, err, fleet.ErrInvalidPrecondition)
		assert.Equal(t, 0, f.adapter.invocationCount())
	})

	t.Run("No Observed Status Is Invalid Precondition", func(t *testing.T) {
		f := newFixture(t, &fakeAdapter{}, Config{})

		_, err := f.dispatcher.Submit(ctx, model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionRestart})
		assert.ErrorIs(t, err, fleet.ErrInvalidPrecondition)
	})

	t.Run("Unknown Host", func(t *testing.T) {
		f := newFixture(t, &fakeAdapter{}, Config{})

		_, err := f.dispatcher.Submit(ctx, model.ActionRequest{ID: "r1", HostID: "ghost", Kind: model.ActionRestart})
		assert.ErrorIs(t, err, fleet.ErrHostNotFound)
	})

	t.Run("Unsupported Action", func(t *testing.T) {
		f := newFixture(t, &fakeAdapter{}, Config{})
		f.online(t)

		_, err := f.dispatcher.Submit(ctx, model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionSSHOpen})
		assert.ErrorIs(t, err, fleet.ErrActionUnsupported)
	})

	t.Run("Optimistic Update Then Confirmed Status", func(t *testing.T) {
		restarted := model.HostStatus{
			HostID: "h1",
			State:  model.HostStateOnline,
			CPU:    floatPtr(0.05),
			Uptime: 2 * time.Second,
			Source: model.StatusSourceAction,
		}
		adapter := &fakeAdapter{
			result: &transport.ActionResult{Detail: "restarted", Status: &restarted},
			block:  make(chan struct{}),
		}
		f := newFixture(t, adapter, Config{})
		f.online(t)

		outcomes, err := f.dispatcher.Submit(ctx, model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionRestart})
		require.NoError(t, err)

		// The optimistic transition is visible before the transport call
		// completes.
		status, ok := f.store.Snapshot().Status("h1")
		require.True(t, ok)
		assert.Equal(t, model.HostStateMaintenance, status.State)
		assert.Equal(t, 0.3, *status.CPU)

		close(adapter.block)
		outcome := <-outcomes
		assert.Equal(t, model.ActionStateSucceeded, outcome.State)
		assert.Equal(t, 1, outcome.Attempts)

		// The snapshot now reflects the adapter's post-restart status.
		status, _ = f.store.Snapshot().Status("h1")
		assert.Equal(t, model.HostStateOnline, status.State)
		assert.Equal(t, 0.05, *status.CPU)
	})

	t.Run("Duplicate Request Rejected", func(t *testing.T) {
		adapter := &fakeAdapter{block: make(chan struct{})}
		f := newFixture(t, adapter, Config{})
		f.online(t)

		request := model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionRestart}
		outcomes, err := f.dispatcher.Submit(ctx, request)
		require.NoError(t, err)

		_, err = f.dispatcher.Submit(ctx, request)
		assert.ErrorIs(t, err, fleet.ErrDuplicateRequest)

		close(adapter.block)
		<-outcomes

		// Exactly one transport invocation for the two submissions.
		assert.Equal(t, 1, adapter.invocationCount())
	})

	t.Run("Duplicate Power Off Rejected While In Flight", func(t *testing.T) {
		adapter := &fakeAdapter{block: make(chan struct{})}
		f := newFixture(t, adapter, Config{})
		f.online(t)

		request := model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionPowerOff}
		outcomes, err := f.dispatcher.Submit(ctx, request)
		require.NoError(t, err)

		// The optimistic update already flipped the host to offline; the
		// resubmission must still read as a duplicate, not a precondition
		// violation.
		status, ok := f.store.Snapshot().Status("h1")
		require.True(t, ok)
		require.Equal(t, model.HostStateOffline, status.State)

		_, err = f.dispatcher.Submit(ctx, request)
		assert.ErrorIs(t, err, fleet.ErrDuplicateRequest)

		close(adapter.block)
		<-outcomes

		assert.Equal(t, 1, adapter.invocationCount())
	})

	t.Run("Concurrent Action On Same Host Rejected", func(t *testing.T) {
		adapter := &fakeAdapter{block: make(chan struct{})}
		f := newFixture(t, adapter, Config{})
		f.online(t)

		outcomes, err := f.dispatcher.Submit(ctx, model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionRestart})
		require.NoError(t, err)

		_, err = f.dispatcher.Submit(ctx, model.ActionRequest{ID: "r2", HostID: "h1", Kind: model.ActionPowerOff})
		assert.ErrorIs(t, err, fleet.ErrInvalidPrecondition)

		close(adapter.block)
		<-outcomes
	})

	t.Run("Request Id Reusable After Completion", func(t *testing.T) {
		f := newFixture(t, &fakeAdapter{}, Config{})
		f.online(t)

		request := model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionRestart}
		outcomes, err := f.dispatcher.Submit(ctx, request)
		require.NoError(t, err)
		<-outcomes

		f.online(t)
		outcomes, err = f.dispatcher.Submit(ctx, request)
		require.NoError(t, err)
		<-outcomes
	})

	t.Run("Transient Failure Retried", func(t *testing.T) {
		adapter := &fakeAdapter{
			failures: []*transport.Failure{
				transport.NewFailure(transport.FailureConnectionRefused, nil),
			},
		}
		f := newFixture(t, adapter, Config{Attempts: 3})
		f.online(t)

		outcomes, err := f.dispatcher.Submit(ctx, model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionRestart})
		require.NoError(t, err)

		outcome := <-outcomes
		assert.Equal(t, model.ActionStateSucceeded, outcome.State)
		assert.Equal(t, 2, outcome.Attempts)
	})

	t.Run("Protocol Error Not Retried", func(t *testing.T) {
		adapter := &fakeAdapter{
			failures: []*transport.Failure{
				transport.NewFailure(transport.FailureProtocolError, nil),
			},
		}
		f := newFixture(t, adapter, Config{Attempts: 3})
		f.online(t)

		outcomes, err := f.dispatcher.Submit(ctx, model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionRestart})
		require.NoError(t, err)

		outcome := <-outcomes
		assert.Equal(t, model.ActionStateFailed, outcome.State)
		assert.Equal(t, 1, adapter.invocationCount())

		// The optimistic maintenance status was rolled back to the last
		// real observation.
		status, _ := f.store.Snapshot().Status("h1")
		assert.Equal(t, model.HostStateOnline, status.State)
	})

	t.Run("Retry Budget Exhausted Times Out", func(t *testing.T) {
		adapter := &fakeAdapter{
			failures: []*transport.Failure{
				transport.NewFailure(transport.FailureTimeout, nil),
				transport.NewFailure(transport.FailureTimeout, nil),
				transport.NewFailure(transport.FailureTimeout, nil),
			},
		}
		f := newFixture(t, adapter, Config{Attempts: 3})
		f.online(t)

		outcomes, err := f.dispatcher.Submit(ctx, model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionRestart})
		require.NoError(t, err)

		outcome := <-outcomes
		assert.Equal(t, model.ActionStateTimedOut, outcome.State)
		assert.Equal(t, 3, outcome.Attempts)
		assert.Equal(t, 3, adapter.invocationCount())
		assert.Contains(t, outcome.Detail, "retry budget exhausted")

		status, _ := f.store.Snapshot().Status("h1")
		assert.Equal(t, model.HostStateOnline, status.State)
	})

	t.Run("Outcome Hook Fires", func(t *testing.T) {
		var mu sync.Mutex
		var outcomes []model.ActionOutcome

		adapter := &fakeAdapter{}
		f := newFixture(t, adapter, Config{
			OutcomeHook: func(outcome model.ActionOutcome) {
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
			},
		})
		f.online(t)

		result, err := f.dispatcher.Submit(ctx, model.ActionRequest{ID: "r1", HostID: "h1", Kind: model.ActionRestart})
		require.NoError(t, err)
		<-result

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, outcomes, 1)
		assert.Equal(t, "r1", outcomes[0].RequestID)
	})
}
