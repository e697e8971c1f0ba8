package fleet

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/model"
)

// Store holds the authoritative in-memory fleet snapshot. It is the sole
// mutation point for host status records: pollers, the reconciler, and the
// dispatcher all write through it and everything else reads copies. Every
// accepted mutation bumps the snapshot version and fans out to subscribers.
type Store struct {
	logger *zap.Logger

	mu       sync.RWMutex
	hosts    map[string]model.Host
	statuses map[string]model.HostStatus
	// observed keeps the last poll-sourced status per host so optimistic
	// action updates can be reverted to a real observation.
	observed map[string]model.HostStatus
	version  uint64
	subs     map[string]chan model.FleetSnapshot
}

// NewStore creates an empty fleet store
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:   logger.Named("fleet-store"),
		hosts:    make(map[string]model.Host),
		statuses: make(map[string]model.HostStatus),
		observed: make(map[string]model.HostStatus),
		subs:     make(map[string]chan model.FleetSnapshot),
	}
}

// AddHost adds a host to the fleet. Its status stays unknown until the first
// successful poll.
func (s *Store) AddHost(host model.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hosts[host.ID]; ok {
		return ErrDuplicateHost
	}

	s.hosts[host.ID] = host
	s.version++
	s.notifyLocked()

	s.logger.Info("Host added",
		zap.String("host_id", host.ID),
		zap.String("address", host.Address))
	return nil
}

// RemoveHost removes a host and its status records. Late results for the
// host are discarded by Apply's membership check.
func (s *Store) RemoveHost(hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hosts[hostID]; !ok {
		return ErrHostNotFound
	}

	delete(s.hosts, hostID)
	delete(s.statuses, hostID)
	delete(s.observed, hostID)
	s.version++
	s.notifyLocked()

	s.logger.Info("Host removed", zap.String("host_id", hostID))
	return nil
}

// Host returns the host record for an id
func (s *Store) Host(hostID string) (model.Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	host, ok := s.hosts[hostID]
	return host, ok
}

// Apply accepts a status observation into the snapshot. Observations for
// unknown hosts and observations not newer than the stored one are dropped
// silently; acceptance is last-writer-wins by observation time, not arrival
// order. Returns whether the observation was accepted.
func (s *Store) Apply(status model.HostStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hosts[status.HostID]; !ok {
		s.logger.Debug("Dropping status for unknown host", zap.String("host_id", status.HostID))
		return false
	}

	if current, ok := s.statuses[status.HostID]; ok && !status.ObservedAt.After(current.ObservedAt) {
		s.logger.Debug("Dropping stale status",
			zap.String("host_id", status.HostID),
			zap.Time("observed_at", status.ObservedAt),
			zap.Time("stored_at", current.ObservedAt))
		return false
	}

	s.statuses[status.HostID] = status
	if status.Source == model.StatusSourcePoll {
		s.observed[status.HostID] = status
	}
	s.version++
	s.notifyLocked()
	return true
}

// RevertToObserved replaces a host's status with its last real poll
// observation, freshly stamped. A no-op when the stored status already comes
// from a poll (a concurrent poll superseded the optimistic write) or when no
// poll has succeeded yet.
func (s *Store) RevertToObserved(hostID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hosts[hostID]; !ok {
		return false
	}
	if current, ok := s.statuses[hostID]; !ok || current.Source == model.StatusSourcePoll {
		return false
	}
	observed, ok := s.observed[hostID]
	if !ok {
		return false
	}

	observed.ObservedAt = time.Now()
	observed.Source = model.StatusSourceAction
	s.statuses[hostID] = observed
	s.version++
	s.notifyLocked()

	s.logger.Debug("Reverted optimistic status", zap.String("host_id", hostID))
	return true
}

// Snapshot returns a copy of the current fleet state
func (s *Store) Snapshot() model.FleetSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() model.FleetSnapshot {
	snapshot := model.FleetSnapshot{
		Version:  s.version,
		Hosts:    make(map[string]model.Host, len(s.hosts)),
		Statuses: make(map[string]model.HostStatus, len(s.statuses)),
	}
	for id, host := range s.hosts {
		snapshot.Hosts[id] = host
	}
	for id, status := range s.statuses {
		snapshot.Statuses[id] = status
	}
	return snapshot
}

// Subscribe registers a subscriber for snapshot updates. Delivery is
// latest-wins: a slow subscriber skips intermediate versions but always sees
// the most recent one. The channel is closed on Unsubscribe.
func (s *Store) Subscribe() (string, <-chan model.FleetSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan model.FleetSnapshot, 1)
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber
func (s *Store) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// notifyLocked pushes the current snapshot to all subscribers. Called with
// the write lock held; a full subscriber channel has its pending snapshot
// replaced rather than blocking the store.
func (s *Store) notifyLocked() {
	snapshot := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}
