package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a virtual clock. Jobs only run inside Advance, on the caller's goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*manualTimer
}

type manualTimer struct {
	id       uint64
	at       time.Time
	interval time.Duration
	job      func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, timers: make(map[uint64]*manualTimer)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Every(interval time.Duration, job func()) Handle {
	if interval <= 0 {
		panic("scheduler: non-positive interval")
	}
	return m.add(interval, interval, job)
}

func (m *Manual) After(delay time.Duration, job func()) Handle {
	if delay < 0 {
		delay = 0
	}
	return m.add(delay, 0, job)
}

// Pending returns the number of scheduled jobs.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward by d, running every job that comes due in time order.
// Jobs scheduled by running jobs are honored if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.at
		if next.interval > 0 {
			next.at = next.at.Add(next.interval)
		} else {
			delete(m.timers, next.id)
		}
		job := next.job
		m.mu.Unlock()

		job()
	}
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	due := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

func (m *Manual) add(delay, interval time.Duration, job func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{id: m.seq, at: m.now.Add(delay), interval: interval, job: job}
	m.timers[t.id] = t
	return &manualHandle{clock: m, id: t.id}
}

type manualHandle struct {
	clock *Manual
	id    uint64
}

func (h *manualHandle) Stop() {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	delete(h.clock.timers, h.id)
}
