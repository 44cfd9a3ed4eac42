package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"argus/pkg/models"
)

// Manager owns the enabled destinations and their stats. Destinations
// are registered at configure time and closed together on shutdown.
type Manager struct {
	logger *logrus.Logger

	mu           sync.RWMutex
	destinations map[string]Destination
	trackers     map[string]*statsTracker
}

func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		logger:       logger,
		destinations: make(map[string]Destination),
		trackers:     make(map[string]*statsTracker),
	}
}

// Register adds a destination. Registering the same name twice replaces
// the previous backend; its stats reset.
func (m *Manager) Register(dest Destination) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destinations[dest.Name()] = dest
	m.trackers[dest.Name()] = newStatsTracker()
}

// Destination returns a registered backend by name.
func (m *Manager) Destination(name string) (Destination, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.destinations[name]
	return d, ok
}

// Store writes one event to every registered destination. Each failure
// is counted and logged; the first error is returned.
func (m *Manager) Store(ctx context.Context, event *models.Event) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.destinations))
	for name := range m.destinations {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, name := range names {
		if err := m.StoreTo(ctx, name, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StoreTo writes one event to a single named destination, updating its
// stats.
func (m *Manager) StoreTo(ctx context.Context, name string, event *models.Event) error {
	m.mu.RLock()
	dest, ok := m.destinations[name]
	tracker := m.trackers[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown destination %q", name)
	}

	start := time.Now()
	bytes, err := dest.Store(ctx, event)
	if err != nil {
		tracker.recordError(err)
		m.logger.WithFields(logrus.Fields{
			"destination": name,
			"event_id":    event.EventID,
			"error":       err.Error(),
		}).Error("Destination write failed")
		return err
	}
	tracker.recordSuccess(bytes, time.Since(start))
	return nil
}

// RecordBatch folds an externally executed batch write into a
// destination's stats (the ingest worker flushes columnar batches
// directly for efficiency).
func (m *Manager) RecordBatch(name string, events int, bytes int, elapsed time.Duration, err error) {
	m.mu.RLock()
	tracker := m.trackers[name]
	m.mu.RUnlock()
	if tracker == nil {
		return
	}
	if err != nil {
		tracker.recordError(err)
		return
	}
	if events <= 0 {
		return
	}
	per := elapsed / time.Duration(events)
	perBytes := bytes / events
	for i := 0; i < events; i++ {
		tracker.recordSuccess(perBytes, per)
	}
}

// Stats returns a snapshot of every destination's counters.
func (m *Manager) Stats() map[string]StorageStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]StorageStats, len(m.trackers))
	for name, tracker := range m.trackers {
		out[name] = tracker.snapshot()
	}
	return out
}

// PingAll probes every destination and records the resulting status.
func (m *Manager) PingAll(ctx context.Context) map[string]error {
	m.mu.RLock()
	dests := make(map[string]Destination, len(m.destinations))
	for name, d := range m.destinations {
		dests[name] = d
	}
	m.mu.RUnlock()

	results := make(map[string]error, len(dests))
	for name, dest := range dests {
		err := dest.Ping(ctx)
		results[name] = err

		m.mu.RLock()
		tracker := m.trackers[name]
		m.mu.RUnlock()
		if err != nil {
			tracker.setStatus(StatusDisconnected, err.Error())
		} else {
			tracker.setStatus(StatusConnected, "")
		}
	}
	return results
}

// Close shuts down every destination, returning the first error.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, dest := range m.destinations {
		if err := dest.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.destinations, name)
		delete(m.trackers, name)
	}
	return firstErr
}
