// Package streammanager fans session events out to subscribers, such as the
// server-sent event streams of the HTTP front.
package streammanager

import (
	"sync"
	"sync/atomic"

	"livecast/pkg/models"
)

// Manager keeps the subscribers of every handle and the last event seen for each
type Manager struct {
	mu          sync.RWMutex
	subscribers map[uint64][]chan models.Event // handle -> subscriber channels
	last        map[uint64]models.Event

	dropped atomic.Uint64
}

// New creates a new stream manager
func New() *Manager {
	return &Manager{
		subscribers: make(map[uint64][]chan models.Event),
		last:        make(map[uint64]models.Event),
	}
}

// Publish delivers ev to the subscribers of its handle. It never blocks: a
// subscriber whose buffer is full misses the event.
func (m *Manager) Publish(ev models.Event) {
	m.mu.Lock()
	m.last[ev.Handle] = ev
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subscribers[ev.Handle] {
		select {
		case ch <- ev:
		default:
			m.dropped.Add(1)
		}
	}
}

// Subscribe creates a subscription to the events of handle.
// Returns a channel that will receive events and a cleanup function
func (m *Manager) Subscribe(handle uint64, bufferSize int) (<-chan models.Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	ch := make(chan models.Event, bufferSize)

	m.mu.Lock()
	m.subscribers[handle] = append(m.subscribers[handle], ch)
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { m.unsubscribe(handle, ch) })
	}
}

// Last returns the most recent event published for handle
func (m *Manager) Last(handle uint64) (models.Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.last[handle]
	return ev, ok
}

// unsubscribe removes a subscriber channel
func (m *Manager) unsubscribe(handle uint64, ch chan models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subscribers := m.subscribers[handle]
	for i, subCh := range subscribers {
		if subCh == ch {
			m.subscribers[handle] = append(subscribers[:i], subscribers[i+1:]...)
			close(ch)
			break
		}
	}

	// Clean up empty subscriber lists
	if len(m.subscribers[handle]) == 0 {
		delete(m.subscribers, handle)
	}
}

// Forget closes every subscription of handle and drops its last event. Used when
// the handle is closed.
func (m *Manager) Forget(handle uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subscribers[handle] {
		close(ch)
	}
	delete(m.subscribers, handle)
	delete(m.last, handle)
}

// SubscriberCount returns the number of subscriptions across all handles
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, subs := range m.subscribers {
		n += len(subs)
	}
	return n
}

// Dropped counts events not delivered to a slow subscriber
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }
