// Package location adapts platform location sources. Any failure is treated
// as "no location" by callers; nothing here is fatal.
package location

import (
	"context"
	"errors"
	"sync"

	"vigil/internal/geo"
)

// ErrUnavailable is returned when no fix can be produced.
var ErrUnavailable = errors.New("location unavailable")

// Provider yields one-shot fixes and continuous updates.
type Provider interface {
	Current(ctx context.Context) (geo.Point, error)
	Watch(fn func(geo.Point)) (Subscription, error)
}

// Subscription is a continuous watch. After Close returns, its callback never runs again.
type Subscription interface {
	Close() error
}

// Feed is a push-driven Provider. Fixes arrive through Publish, typically from
// the local API bridge.
type Feed struct {
	mu      sync.Mutex
	last    *geo.Point
	waiters []chan geo.Point
	subs    map[*feedSub]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[*feedSub]struct{})}
}

// Publish records a new fix and delivers it to waiters and watchers.
func (f *Feed) Publish(p geo.Point) error {
	if err := geo.Validate(p); err != nil {
		return err
	}

	f.mu.Lock()
	fix := p
	f.last = &fix
	waiters := f.waiters
	f.waiters = nil
	subs := make([]*feedSub, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, w := range waiters {
		w <- p
	}
	for _, s := range subs {
		s.deliver(p)
	}
	return nil
}

// Current returns the latest fix, or waits for the next one until ctx is done.
func (f *Feed) Current(ctx context.Context) (geo.Point, error) {
	f.mu.Lock()
	if f.last != nil {
		p := *f.last
		f.mu.Unlock()
		return p, nil
	}
	ch := make(chan geo.Point, 1)
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()

	select {
	case p := <-ch:
		return p, nil
	case <-ctx.Done():
		f.dropWaiter(ch)
		return geo.Point{}, ErrUnavailable
	}
}

func (f *Feed) Watch(fn func(geo.Point)) (Subscription, error) {
	s := &feedSub{feed: f, fn: fn}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s, nil
}

// Watchers returns the number of open subscriptions.
func (f *Feed) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed) dropWaiter(ch chan geo.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.waiters {
		if w == ch {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

type feedSub struct {
	feed *Feed
	fn   func(geo.Point)

	mu     sync.Mutex
	closed bool
}

// deliver holds the subscription lock across the callback so Close waits for it.
// Callbacks must not Close their own subscription.
func (s *feedSub) deliver(p geo.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(p)
}

func (s *feedSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.feed.mu.Lock()
	delete(s.feed.subs, s)
	s.feed.mu.Unlock()
	return nil
}

// Static always reports the same fix, or ErrUnavailable when none is set.
type Static struct {
	Point *geo.Point
}

func (s Static) Current(context.Context) (geo.Point, error) {
	if s.Point == nil {
		return geo.Point{}, ErrUnavailable
	}
	return *s.Point, nil
}

// Watch delivers the fixed point once, synchronously.
func (s Static) Watch(fn func(geo.Point)) (Subscription, error) {
	if s.Point != nil {
		fn(*s.Point)
	}
	return nopSubscription{}, nil
}

type nopSubscription struct{}

func (nopSubscription) Close() error { return nil }
