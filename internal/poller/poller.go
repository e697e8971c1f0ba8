package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/backoff"
	"github.com/fleetops/fleetd/internal/model"
	"github.com/fleetops/fleetd/internal/reconcile"
	"github.com/fleetops/fleetd/internal/transport"
)

// Config defines polling behavior
type Config struct {
	// DefaultInterval is the base poll interval for hosts without a class
	// specific interval
	DefaultInterval time.Duration

	// ClassIntervals overrides the base interval per host class
	ClassIntervals map[string]time.Duration

	// FetchTimeout bounds every status fetch
	FetchTimeout time.Duration

	// Backoff drives the interval growth after consecutive failures
	Backoff backoff.Strategy
}

// Poller runs one polling loop per tracked host. Loops are independent: a
// slow or failing host never delays fetches for the others, and a single
// loop per host means fetches for one host never overlap.
type Poller struct {
	logger   *zap.Logger
	registry *transport.Registry
	recon    *reconcile.Reconciler
	config   Config

	mu      sync.Mutex
	started bool
	ctx     context.Context
	hosts   map[string]model.Host
	loops   map[string]*hostLoop
	wg      sync.WaitGroup
}

type hostLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a new poller
func NewPoller(registry *transport.Registry, recon *reconcile.Reconciler, config Config, logger *zap.Logger) *Poller {
	if config.DefaultInterval == 0 {
		config.DefaultInterval = 15 * time.Second
	}
	if config.FetchTimeout == 0 {
		config.FetchTimeout = 5 * time.Second
	}
	if config.Backoff == nil {
		config.Backoff = &backoff.Exponential{
			InitialDelay: config.DefaultInterval,
			MaxDelay:     4 * config.DefaultInterval,
			Multiplier:   2,
		}
	}

	return &Poller{
		logger:   logger.Named("poller"),
		registry: registry,
		recon:    recon,
		config:   config,
		hosts:    make(map[string]model.Host),
		loops:    make(map[string]*hostLoop),
	}
}

// Start starts polling loops for all tracked hosts. Hosts tracked after
// Start get their loop immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.started = true
	p.ctx = ctx
	for _, host := range p.hosts {
		p.startLoopLocked(host)
	}

	p.logger.Info("Poller started", zap.Int("hosts", len(p.hosts)))
	return nil
}

// Stop cancels all polling loops and waits for them to exit
func (p *Poller) Stop() {
	p.mu.Lock()
	for id, loop := range p.loops {
		loop.cancel()
		delete(p.loops, id)
	}
	p.started = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Poller stopped")
}

// Track starts polling a host
func (p *Poller) Track(host model.Host) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.loops[host.ID]; ok {
		return
	}
	p.hosts[host.ID] = host
	if p.started {
		p.startLoopLocked(host)
	}
}

// Untrack cancels a host's polling loop. An in-flight fetch is allowed to
// complete; its result is discarded.
func (p *Poller) Untrack(hostID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.hosts, hostID)
	if loop, ok := p.loops[hostID]; ok {
		loop.cancel()
		delete(p.loops, hostID)
	}
	p.recon.Forget(hostID)
}

func (p *Poller) startLoopLocked(host model.Host) {
	ctx, cancel := context.WithCancel(p.ctx)
	loop := &hostLoop{cancel: cancel, done: make(chan struct{})}
	p.loops[host.ID] = loop

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(loop.done)
		p.run(ctx, host)
	}()
}

// interval returns the base poll interval for a host class
func (p *Poller) interval(class string) time.Duration {
	if interval, ok := p.config.ClassIntervals[class]; ok {
		return interval
	}
	return p.config.DefaultInterval
}

// run is the polling loop for one host. After a failure the interval grows
// along the backoff strategy; one success resets it to the base interval.
func (p *Poller) run(ctx context.Context, host model.Host) {
	base := p.interval(host.Class)
	failures := 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		status, err := p.fetch(ctx, host)
		if ctx.Err() != nil {
			// Untracked mid-fetch; the late result is discarded.
			return
		}

		if err != nil {
			failures++
			p.recon.ObserveFailure(host.ID, err)
			delay := p.config.Backoff.Next(failures)
			if delay < base {
				delay = base
			}
			timer.Reset(delay)
			continue
		}

		failures = 0
		p.recon.ObserveSuccess(status)
		timer.Reset(base)
	}
}

// fetch performs a single bounded status fetch
func (p *Poller) fetch(ctx context.Context, host model.Host) (model.HostStatus, error) {
	adapter, err := p.registry.ForHost(host)
	if err != nil {
		return model.HostStatus{}, transport.NewFailure(transport.FailureProtocolError, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	defer cancel()

	return adapter.FetchStatus(fetchCtx, host)
}
