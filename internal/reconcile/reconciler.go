package reconcile

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/fleet"
	"github.com/fleetops/fleetd/internal/model"
)

// DefaultFailureThreshold is the number of consecutive fetch failures after
// which a host is marked unreachable.
const DefaultFailureThreshold = 3

// Reconciler merges raw per-host fetch results into the fleet store. A
// single consecutive-failure counter per host drives the unreachable
// transition; marking a host unreachable only after several failures keeps a
// single transient network blip from flapping the fleet state.
type Reconciler struct {
	logger    *zap.Logger
	store     *fleet.Store
	threshold int

	mu       sync.Mutex
	failures map[string]int
}

// NewReconciler creates a new reconciler. threshold <= 0 selects the default.
func NewReconciler(store *fleet.Store, threshold int, logger *zap.Logger) *Reconciler {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Reconciler{
		logger:    logger.Named("reconciler"),
		store:     store,
		threshold: threshold,
		failures:  make(map[string]int),
	}
}

// ObserveSuccess feeds a successful fetch result into the store and resets
// the host's failure counter. Stale results are dropped by the store.
func (r *Reconciler) ObserveSuccess(status model.HostStatus) {
	r.mu.Lock()
	r.failures[status.HostID] = 0
	r.mu.Unlock()

	r.store.Apply(status)
}

// ObserveFailure records a fetch failure. Crossing the threshold emits an
// unreachable status that keeps the last-known gauges intact.
func (r *Reconciler) ObserveFailure(hostID string, err error) {
	r.mu.Lock()
	r.failures[hostID]++
	count := r.failures[hostID]
	r.mu.Unlock()

	r.logger.Debug("Fetch failure recorded",
		zap.String("host_id", hostID),
		zap.Int("consecutive", count),
		zap.Error(err))

	if count < r.threshold {
		return
	}

	snapshot := r.store.Snapshot()
	if _, ok := snapshot.Hosts[hostID]; !ok {
		return
	}

	current, hasStatus := snapshot.Status(hostID)
	if hasStatus && current.State == model.HostStateUnreachable {
		return
	}

	unreachable := model.HostStatus{
		HostID:     hostID,
		State:      model.HostStateUnreachable,
		ObservedAt: time.Now(),
		Source:     model.StatusSourcePoll,
	}
	if hasStatus {
		// Last-known gauges survive the transition; only the lifecycle
		// state changes.
		unreachable.CPU = current.CPU
		unreachable.Memory = current.Memory
		unreachable.Uptime = current.Uptime
	}

	if r.store.Apply(unreachable) {
		r.logger.Warn("Host marked unreachable",
			zap.String("host_id", hostID),
			zap.Int("consecutive_failures", count))
	}
}

// Forget drops the failure counter for a removed host
func (r *Reconciler) Forget(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, hostID)
}

// Failures returns the current consecutive-failure count for a host
func (r *Reconciler) Failures(hostID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[hostID]
}
