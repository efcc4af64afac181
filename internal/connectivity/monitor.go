// Package connectivity tracks whether the remote store is reachable and
// notifies subscribers of online/offline transitions.
package connectivity

import (
	"sync"
	"time"

	"github.com/kimhsiao/stockledger/internal/clock"
)

// Event reports a connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Monitor holds the current connectivity state. Repeated identical signals
// are ignored, so subscribers see exactly one event per transition.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	clock  clock.Clock

	// deliverMu serializes transitions so events arrive in order.
	deliverMu sync.Mutex
	subs      map[int]*subscriber
	nextID    int
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool, c clock.Clock) *Monitor {
	if c == nil {
		c = clock.System{}
	}
	return &Monitor{
		online: online,
		clock:  c,
		subs:   make(map[int]*subscriber),
	}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a connectivity signal and reports whether the state changed.
// Subscribers are notified before Set returns; a subscriber that stops
// reading must cancel its subscription.
func (m *Monitor) Set(online bool) bool {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.mu.Unlock()

	ev := Event{Online: online, At: m.clock.Now()}
	for _, sub := range m.subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
	return true
}

// Subscribe returns a channel of transitions and a cancel function.
// Cancel closes the channel and is safe to call more than once.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber{ch: make(chan Event, buffer), done: make(chan struct{})}

	m.deliverMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.deliverMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(sub.done)
			m.deliverMu.Lock()
			delete(m.subs, id)
			m.deliverMu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers returns the number of active subscriptions.
func (m *Monitor) Subscribers() int {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	return len(m.subs)
}
