package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dancesWithCycles/anshar/errors"
)

// Manager is the registry of upstream subscriptions. All per-id operations
// are atomic with respect to each other; cross-subscription sweeps work on a
// consistent snapshot and never hold the registry lock while evaluating.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
}

// NewManager creates an empty subscription registry.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:        logger,
		now:           time.Now,
		subscriptions: make(map[string]*Subscription),
	}
}

// Add registers a subscription in the pending state and returns its id.
// A missing id is assigned.
func (m *Manager) Add(sub Subscription) string {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := m.now()
	sub.State = StatePending
	sub.CreatedAt = now
	sub.LastActivityAt = now

	m.mu.Lock()
	m.subscriptions[sub.ID] = &sub
	m.mu.Unlock()

	m.logger.Info("subscription registered",
		"subscription", sub.ID, "kind", sub.Kind, "dataset", sub.DatasetID)
	return sub.ID
}

// Get returns a copy of the subscription.
func (m *Manager) Get(id string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// Activate transitions PENDING to ACTIVE on a positive subscription-response
// status. A negative status leaves the subscription pending; retrying the
// subscribe request is the caller's concern.
func (m *Manager) Activate(id string, positive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return errors.ErrUnknownSubscription
	}
	if !positive {
		m.logger.Warn("subscription response negative, staying pending", "subscription", id)
		return nil
	}
	if sub.State == StatePending {
		sub.State = StateActive
		sub.LastActivityAt = m.now()
		m.logger.Info("subscription activated", "subscription", id)
	}
	return nil
}

// Touch records activity on the subscription: any heartbeat, checkStatus
// response or other non-data message.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return errors.ErrUnknownSubscription
	}
	sub.LastActivityAt = m.now()
	if sub.State == StatePending {
		// Seeing traffic on a pending subscription means the upstream
		// considers it established.
		sub.State = StateActive
	}
	return nil
}

// TouchWithServiceStart handles a checkStatus response that carries the
// upstream's own process start time. A changed start time means the upstream
// restarted and lost its state: the subscription is invalidated back to
// pending and the caller must re-establish it. The returned bool reports
// whether a restart was detected.
func (m *Manager) TouchWithServiceStart(id string, serviceStartedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return false, errors.ErrUnknownSubscription
	}

	sub.LastActivityAt = m.now()

	if !sub.ServiceStartedAt.IsZero() && !serviceStartedAt.IsZero() &&
		!sub.ServiceStartedAt.Equal(serviceStartedAt) {
		sub.ServiceStartedAt = serviceStartedAt
		sub.State = StatePending
		m.logger.Warn("upstream restart detected, subscription invalidated",
			"subscription", id, "serviceStartedAt", serviceStartedAt)
		return true, errors.ErrUpstreamRestart
	}

	if sub.ServiceStartedAt.IsZero() {
		sub.ServiceStartedAt = serviceStartedAt
	}
	return false, nil
}

// DataReceived records a delivery that contained at least one accepted
// record. Distinguished from Touch for health reporting.
func (m *Manager) DataReceived(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return errors.ErrUnknownSubscription
	}
	sub.LastActivityAt = m.now()
	if sub.State == StatePending {
		sub.State = StateActive
	}
	return nil
}

// IncrementObjectCounter adds to the subscription's monotonic object
// counter. Observability only, no control-flow effect.
func (m *Manager) IncrementObjectCounter(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subscriptions[id]; ok {
		sub.ObjectCount += int64(n)
	}
}

// Terminate removes the subscription entirely and returns its final state.
// Termination destroys the subscription rather than parking it.
func (m *Manager) Terminate(id string) (Subscription, bool) {
	m.mu.Lock()
	sub, existed := m.subscriptions[id]
	delete(m.subscriptions, id)
	m.mu.Unlock()

	if !existed {
		return Subscription{}, false
	}

	final := *sub
	final.State = StateTerminated
	m.logger.Info("subscription terminated", "subscription", id)
	return final, true
}

// IsHealthy reports whether the subscription has seen activity within the
// threshold.
func (m *Manager) IsHealthy(id string, threshold time.Duration) bool {
	m.mu.RLock()
	sub, ok := m.subscriptions[id]
	if !ok {
		m.mu.RUnlock()
		return false
	}
	last := sub.LastActivityAt
	m.mu.RUnlock()

	return m.now().Sub(last) <= threshold
}

// Unhealthy returns ids of all subscriptions without activity within the
// threshold. Works on a snapshot so evaluation never blocks touches.
func (m *Manager) Unhealthy(threshold time.Duration) []string {
	subs := m.snapshot()
	cutoff := m.now().Add(-threshold)

	var unhealthy []string
	for _, sub := range subs {
		if sub.LastActivityAt.Before(cutoff) {
			unhealthy = append(unhealthy, sub.ID)
		}
	}
	return unhealthy
}

// List returns a snapshot copy of all subscriptions.
func (m *Manager) List() []Subscription {
	return m.snapshot()
}

// Count returns the number of registered subscriptions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

func (m *Manager) snapshot() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, *sub)
	}
	return subs
}

// CollectGarbage removes subscriptions whose inactivity exceeds the
// retention window and returns how many were removed.
func (m *Manager) CollectGarbage(retention time.Duration) int {
	cutoff := m.now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, sub := range m.subscriptions {
		if sub.LastActivityAt.Before(cutoff) {
			delete(m.subscriptions, id)
			removed++
			m.logger.Info("inactive subscription garbage collected",
				"subscription", id, "lastActivityAt", sub.LastActivityAt)
		}
	}
	return removed
}

// RunGC sweeps inactive subscriptions on a fixed interval until ctx is
// cancelled.
func (m *Manager) RunGC(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CollectGarbage(retention)
		}
	}
}
