// Package statemanager tracks the units a worker process is currently
// handling. It is in-memory observability only: the database remains the
// source of truth for unit state, this is what a worker reports about
// itself (diagnostics on shutdown, stats logging).
package statemanager

import (
	"sync"
	"time"
)

// Manager tracks unit processing for one worker process. It keeps a bounded
// window of recent units, evicting the oldest when full.
type Manager struct {
	mu       sync.RWMutex
	units    map[string]*UnitState
	maxUnits int
	worker   string
}

// Config for creating a new Manager.
type Config struct {
	Worker   string
	MaxUnits int // keep last N units, default 1000
}

// New creates a new state manager.
func New(cfg Config) *Manager {
	if cfg.MaxUnits == 0 {
		cfg.MaxUnits = 1000
	}
	return &Manager{
		units:    make(map[string]*UnitState),
		maxUnits: cfg.MaxUnits,
		worker:   cfg.Worker,
	}
}

// Start records a unit entering processing.
func (m *Manager) Start(id, messageType, tenantID string) *UnitState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.units) >= m.maxUnits {
		m.evictOldest()
	}

	unit := &UnitState{
		ID:          id,
		Worker:      m.worker,
		MessageType: messageType,
		TenantID:    tenantID,
		Status:      StatusRunning,
		StartedAt:   time.Now(),
	}
	m.units[id] = unit
	return unit
}

// Complete marks a unit as completed or failed.
func (m *Manager) Complete(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	unit, exists := m.units[id]
	if !exists {
		return
	}

	now := time.Now()
	unit.CompletedAt = &now
	unit.Duration = now.Sub(unit.StartedAt).String()
	if err != nil {
		unit.Status = StatusFailed
		unit.Error = err.Error()
	} else {
		unit.Status = StatusCompleted
	}
}

// Get retrieves a tracked unit by id.
func (m *Manager) Get(id string) *UnitState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if unit, exists := m.units[id]; exists {
		unitCopy := *unit
		return &unitCopy
	}
	return nil
}

// InFlight returns the units currently running.
func (m *Manager) InFlight() []*UnitState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var running []*UnitState
	for _, unit := range m.units {
		if unit.Status == StatusRunning {
			unitCopy := *unit
			running = append(running, &unitCopy)
		}
	}
	return running
}

// GetStats returns aggregated statistics over the tracked window.
func (m *Manager) GetStats() *Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		TotalUnits:    len(m.units),
		ByStatus:      make(map[Status]int),
		ByMessageType: make(map[string]int),
	}

	var totalDuration time.Duration
	var completedCount int

	for _, unit := range m.units {
		stats.ByStatus[unit.Status]++
		stats.ByMessageType[unit.MessageType]++

		if unit.Status == StatusRunning {
			stats.InFlight++
		}
		if unit.CompletedAt != nil {
			totalDuration += unit.CompletedAt.Sub(unit.StartedAt)
			completedCount++
		}
	}

	if completedCount > 0 {
		stats.AverageDuration = (totalDuration / time.Duration(completedCount)).String()
	}

	return stats
}

// evictOldest removes the oldest unit. Caller holds the lock.
func (m *Manager) evictOldest() {
	var oldestID string
	var oldestTime time.Time

	for id, unit := range m.units {
		if oldestID == "" || unit.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = unit.StartedAt
		}
	}

	if oldestID != "" {
		delete(m.units, oldestID)
	}
}
