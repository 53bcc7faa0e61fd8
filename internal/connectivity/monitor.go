// Package connectivity tracks the process-wide online flag.
package connectivity

import (
	"sync"
	"sync/atomic"
)

// Monitor holds the online flag and notifies subscribers on change.
type Monitor struct {
	online atomic.Bool

	mu   sync.Mutex
	next int
	subs map[int]func(online bool)
}

func NewMonitor(initial bool) *Monitor {
	m := &Monitor{subs: make(map[int]func(bool))}
	m.online.Store(initial)
	return m
}

func (m *Monitor) Online() bool { return m.online.Load() }

// Set updates the flag. Subscribers run synchronously, only when the value changes.
func (m *Monitor) Set(online bool) {
	if !m.online.CompareAndSwap(!online, online) {
		return
	}
	m.mu.Lock()
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for changes and returns a function that removes it.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
