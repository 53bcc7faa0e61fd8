package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vigil/internal/geo"
	"vigil/internal/logger"
)

// DefaultTimeout bounds a one-shot fix request.
const DefaultTimeout = 15 * time.Second

// Tracker keeps the last known fix from a continuous watch and serves
// one-shot requests with a timeout.
type Tracker struct {
	provider Provider
	timeout  time.Duration
	log      *logger.Logger

	mu   sync.RWMutex
	last *geo.Point
	sub  Subscription
}

func NewTracker(provider Provider, timeout time.Duration, log *logger.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Tracker{provider: provider, timeout: timeout, log: log.WithComponent("location")}
}

// Start opens the continuous watch. Calling Start twice is a no-op.
func (t *Tracker) Start() error {
	t.mu.RLock()
	running := t.sub != nil
	t.mu.RUnlock()
	if running {
		return nil
	}

	// Providers may deliver synchronously from Watch, so the lock is not held here.
	sub, err := t.provider.Watch(t.record)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		_ = sub.Close()
		return nil
	}
	t.sub = sub
	return nil
}

// Acquire asks the provider for a fresh fix. It returns nil on failure or timeout.
func (t *Tracker) Acquire(ctx context.Context) *geo.Point {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	p, err := t.provider.Current(ctx)
	if err != nil {
		t.log.Debug("location fix unavailable", slog.String("error", err.Error()))
		return nil
	}
	if err := geo.Validate(p); err != nil {
		t.log.Warn("discarding invalid location fix")
		return nil
	}
	t.record(p)
	return &p
}

// Last returns a copy of the most recent fix, or nil when none is known.
func (t *Tracker) Last() *geo.Point {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.last == nil {
		return nil
	}
	p := *t.last
	if p.Accuracy != nil {
		acc := *p.Accuracy
		p.Accuracy = &acc
	}
	return &p
}

// Close releases the continuous watch. No update is recorded afterwards.
func (t *Tracker) Close() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (t *Tracker) record(p geo.Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fix := p
	t.last = &fix
}
