package fleet

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/model"
)

// HostPoller starts and stops polling loops as fleet membership changes
type HostPoller interface {
	// Track starts polling the host
	Track(host model.Host)

	// Untrack stops the host's polling loop
	Untrack(hostID string)
}

// ActionSubmitter dispatches a control action and reports its terminal
// outcome on the returned channel
type ActionSubmitter interface {
	Submit(ctx context.Context, request model.ActionRequest) (<-chan model.ActionOutcome, error)
}

// MembershipStore persists fleet membership configuration. Only membership
// is ever persisted; statuses are re-derived from polling after a restart.
type MembershipStore interface {
	SaveHost(ctx context.Context, host model.Host) error
	DeleteHost(ctx context.Context, hostID string) error
}

// Manager is the boundary consumed by external collaborators (a UI layer or
// an API server). It composes the store, the poller, and the dispatcher, and
// writes membership changes through to persistent configuration.
type Manager struct {
	logger     *zap.Logger
	store      *Store
	poller     HostPoller
	dispatcher ActionSubmitter
	membership MembershipStore
}

// NewManager creates a new fleet manager
func NewManager(store *Store, poller HostPoller, dispatcher ActionSubmitter, membership MembershipStore, logger *zap.Logger) *Manager {
	return &Manager{
		logger:     logger.Named("fleet-manager"),
		store:      store,
		poller:     poller,
		dispatcher: dispatcher,
		membership: membership,
	}
}

// AddHost adds a host to the fleet and starts polling it
func (m *Manager) AddHost(ctx context.Context, host model.Host) error {
	if err := m.store.AddHost(host); err != nil {
		return err
	}

	if m.membership != nil {
		if err := m.membership.SaveHost(ctx, host); err != nil {
			return fmt.Errorf("failed to persist host %s: %w", host.ID, err)
		}
	}

	m.poller.Track(host)
	return nil
}

// RestoreHost re-adds a host loaded from persisted membership at startup.
// Unlike AddHost it does not write the host back to the membership store.
func (m *Manager) RestoreHost(host model.Host) error {
	if err := m.store.AddHost(host); err != nil {
		return err
	}
	m.poller.Track(host)
	return nil
}

// RemoveHost stops polling a host and removes it from the fleet. In-flight
// fetches and actions for the host finish on their own; their results are
// discarded by the store's membership check.
func (m *Manager) RemoveHost(ctx context.Context, hostID string) error {
	m.poller.Untrack(hostID)

	if err := m.store.RemoveHost(hostID); err != nil {
		return err
	}

	if m.membership != nil {
		if err := m.membership.DeleteHost(ctx, hostID); err != nil {
			return fmt.Errorf("failed to remove persisted host %s: %w", hostID, err)
		}
	}
	return nil
}

// SubmitAction submits a control action. Synchronous rejections
// (ErrInvalidPrecondition, ErrDuplicateRequest, ErrActionUnsupported) come
// back as errors; otherwise the terminal outcome is delivered on the channel.
func (m *Manager) SubmitAction(ctx context.Context, request model.ActionRequest) (<-chan model.ActionOutcome, error) {
	return m.dispatcher.Submit(ctx, request)
}

// Snapshot returns the current fleet snapshot without blocking on network
func (m *Manager) Snapshot() model.FleetSnapshot {
	return m.store.Snapshot()
}

// Subscribe registers for snapshot change notifications
func (m *Manager) Subscribe() (string, <-chan model.FleetSnapshot) {
	return m.store.Subscribe()
}

// Unsubscribe removes a subscription
func (m *Manager) Unsubscribe(id string) {
	m.store.Unsubscribe(id)
}
