package health

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks component statuses and when each upstream source last
// delivered data. Sources that go quiet degrade the aggregate health.
type Monitor struct {
	now func() time.Time

	mu           sync.RWMutex
	statuses     map[string]Status
	dataReceived map[string]time.Time
	startedAt    time.Time
}

// NewMonitor creates a new health monitor.
func NewMonitor() *Monitor {
	now := time.Now
	return &Monitor{
		now:          now,
		statuses:     make(map[string]Status),
		dataReceived: make(map[string]time.Time),
		startedAt:    now(),
	}
}

// StartedAt returns when this hub instance came up. Exposed to downstream
// consumers so they can detect our restarts.
func (m *Monitor) StartedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startedAt
}

// Update updates the health status for a named component.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = m.now()
	}
	m.statuses[name] = status
}

// UpdateHealthy marks a component healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks a component unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks a component degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the health status for a named component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// GetAll returns a copy of all current health statuses.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		result[name] = status
	}
	return result
}

// Remove removes a component from monitoring.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Count returns the number of components being monitored.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}

// MarkDataReceived records that a source (typically a subscription or
// dataset) delivered data now.
func (m *Monitor) MarkDataReceived(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataReceived[source] = m.now()
}

// LastDataReceived returns when a source last delivered data.
func (m *Monitor) LastDataReceived(source string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ts, ok := m.dataReceived[source]
	return ts, ok
}

// StaleSources returns sources that have not delivered data within the
// threshold.
func (m *Monitor) StaleSources(threshold time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-threshold)
	var stale []string
	for source, ts := range m.dataReceived {
		if ts.Before(cutoff) {
			stale = append(stale, source)
		}
	}
	return stale
}

// AggregateHealth returns the hub-wide health. Quiet sources degrade the
// result without making it unhealthy: the hub still serves what it has.
func (m *Monitor) AggregateHealth(systemName string, staleThreshold time.Duration) Status {
	m.mu.RLock()
	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	m.mu.RUnlock()

	aggregate := Aggregate(systemName, subStatuses)

	if staleThreshold > 0 {
		if stale := m.StaleSources(staleThreshold); len(stale) > 0 && aggregate.IsHealthy() {
			degraded := NewDegraded(systemName,
				fmt.Sprintf("%d sources without recent data", len(stale)))
			degraded.SubStatuses = aggregate.SubStatuses
			aggregate = degraded
		}
	}
	return aggregate
}
