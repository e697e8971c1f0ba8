package poller

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
	"github.com/fleetops/fleetd/internal/reconcile"
	"github.com/fleetops/fleetd/internal/transport"
)

// fakeAdapter counts fetches and tracks how many run at once
type fakeAdapter struct {
	mu          sync.Mutex
	fetches     int
	inFlight    int
	maxInFlight int
	fail        bool
	hold        time.Duration
	block       chan struct{}
}

func (a *fakeAdapter) FetchStatus(ctx context.Context, host model.Host) (model.HostStatus, error) {
	a.mu.Lock()
	a.fetches++
	a.inFlight++
	if a.inFlight > a.maxInFlight {
		a.maxInFlight = a.inFlight
	}
	fail := a.fail
	hold := a.hold
	block := a.block
	a.mu.Unlock()

	if block != nil {
		<-block
	}
	if hold > 0 {
		time.Sleep(hold)
	}

	a.mu.Lock()
	a.inFlight--
	a.mu.Unlock()

	if fail {
		return model.HostStatus{}, transport.NewFailure(transport.FailureTimeout, ctx.Err())
	}
	return model.HostStatus{
		HostID:     host.ID,
		State:      model.HostStateOnline,
		ObservedAt: time.Now(),
		Source:     model.StatusSourcePoll,
	}, nil
}

func (a *fakeAdapter) InvokeAction(ctx context.Context, host model.Host, kind model.ActionKind) (*transport.ActionResult, error) {
	return nil, transport.NewFailure(transport.FailureProtocolError, nil)
}

func (a *fakeAdapter) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

func setup(t *testing.T, adapter *fakeAdapter, config Config) (*Poller, *fleet.Store, context.CancelFunc) {
	t.Helper()
	logger := zap.NewNop()

	registry := transport.NewRegistry()
	registry.Register("test", adapter)

	store := fleet.NewStore(logger)
	recon := reconcile.NewReconciler(store, 3, logger)
	p := NewPoller(registry, recon, config, logger)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() {
		cancel()
		p.Stop()
	})
	return p, store, cancel
}

func TestPoller(t *testing.T) {
	t.Run("Polls On Interval", func(t *testing.T) {
		adapter := &fakeAdapter{}
		p, store, _ := setup(t, adapter, Config{
			DefaultInterval: 10 * time.Millisecond,
			FetchTimeout:    50 * time.Millisecond,
		})

		host := model.Host{ID: "h1", Address: "test://h1"}
		require.NoError(t, store.AddHost(host))
		p.Track(host)

		time.Sleep(100 * time.Millisecond)
		assert.GreaterOrEqual(t, adapter.fetchCount(), 3)

		status, ok := store.Snapshot().Status("h1")
		require.True(t, ok)
		assert.Equal(t, model.HostStateOnline, status.State)
	})

	t.Run("No Overlapping Fetches Per Host", func(t *testing.T) {
		adapter := &fakeAdapter{hold: 30 * time.Millisecond}
		p, store, _ := setup(t, adapter, Config{
			DefaultInterval: 5 * time.Millisecond,
			FetchTimeout:    time.Second,
		})

		host := model.Host{ID: "h1", Address: "test://h1"}
		require.NoError(t, store.AddHost(host))
		p.Track(host)

		time.Sleep(150 * time.Millisecond)
		assert.GreaterOrEqual(t, adapter.fetchCount(), 2)

		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		assert.Equal(t, 1, adapter.maxInFlight)
	})

	t.Run("Distinct Hosts Poll Concurrently", func(t *testing.T) {
		adapter := &fakeAdapter{hold: 50 * time.Millisecond}
		p, store, _ := setup(t, adapter, Config{
			DefaultInterval: 5 * time.Millisecond,
			FetchTimeout:    time.Second,
		})

		for _, id := range []string{"h1", "h2", "h3"} {
			host := model.Host{ID: id, Address: "test://" + id}
			require.NoError(t, store.AddHost(host))
			p.Track(host)
		}

		time.Sleep(100 * time.Millisecond)

		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		assert.Greater(t, adapter.maxInFlight, 1)
	})

	t.Run("Failures Drive Host Unreachable", func(t *testing.T) {
		adapter := &fakeAdapter{fail: true}
		p, store, _ := setup(t, adapter, Config{
			DefaultInterval: 5 * time.Millisecond,
			FetchTimeout:    50 * time.Millisecond,
			Backoff: &backoff.Exponential{
				InitialDelay: 5 * time.Millisecond,
				MaxDelay:     20 * time.Millisecond,
				Multiplier:   2,
			},
		})

		host := model.Host{ID: "h2", Address: "test://h2"}
		require.NoError(t, store.AddHost(host))
		p.Track(host)

		require.Eventually(t, func() bool {
			status, ok := store.Snapshot().Status("h2")
			return ok && status.State == model.HostStateUnreachable
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("Untrack Cancels And Discards Late Result", func(t *testing.T) {
		adapter := &fakeAdapter{block: make(chan struct{})}
		p, store, _ := setup(t, adapter, Config{
			DefaultInterval: 5 * time.Millisecond,
			FetchTimeout:    time.Second,
		})

		host := model.Host{ID: "h3", Address: "test://h3"}
		require.NoError(t, store.AddHost(host))
		p.Track(host)

		// Wait until the first fetch is in flight, then remove the host
		// while it blocks.
		require.Eventually(t, func() bool {
			return adapter.fetchCount() == 1
		}, time.Second, time.Millisecond)

		p.Untrack("h3")
		require.NoError(t, store.RemoveHost("h3"))

		close(adapter.block)
		time.Sleep(50 * time.Millisecond)

		// The late result was discarded and the loop exited.
		_, ok := store.Snapshot().Status("h3")
		assert.False(t, ok)
		assert.Equal(t, 1, adapter.fetchCount())
	})
}
