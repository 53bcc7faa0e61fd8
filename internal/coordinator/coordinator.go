// Package coordinator drives report delivery: a periodic safe-upload check,
// user-initiated syncs, the delayed receipt acknowledgement, and an automatic
// sync whenever the device comes back online.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vigil/internal/app"
	"vigil/internal/connectivity"
	"vigil/internal/geo"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/scheduler"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultAckDelay = 1200 * time.Millisecond
)

// Reports is the part of the report service the coordinator drives.
type Reports interface {
	ReleaseReady(ctx context.Context, current *geo.Point) ([]string, error)
	SubmitQueued(ctx context.Context, current *geo.Point) ([]string, error)
	AcknowledgeSubmitted(ctx context.Context) ([]string, error)
}

// Locator supplies location fixes and owns the continuous watch.
type Locator interface {
	Start() error
	Acquire(ctx context.Context) *geo.Point
	Last() *geo.Point
	Close() error
}

type Options struct {
	Interval time.Duration
	AckDelay time.Duration
	// Scheduler defaults to a cron runner owned, started and stopped by the
	// coordinator.
	Scheduler    scheduler.Scheduler
	Connectivity *connectivity.Monitor
	Locator      Locator
	Metrics      *metrics.Metrics
	Logger       *logger.Logger
}

type Coordinator struct {
	reports  Reports
	sched    scheduler.Scheduler
	owned    *scheduler.Cron
	network  *connectivity.Monitor
	locator  Locator
	metrics  *metrics.Metrics
	log      *logger.Logger
	interval time.Duration
	ackDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	started     bool
	stopped     bool
	tick        scheduler.Handle
	acks        map[uint64]scheduler.Handle
	nextAck     uint64
	unsubscribe func()
	inflight    sync.WaitGroup
}

func New(reports Reports, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.AckDelay <= 0 {
		opts.AckDelay = DefaultAckDelay
	}
	var owned *scheduler.Cron
	if opts.Scheduler == nil {
		owned = scheduler.NewCron()
		opts.Scheduler = owned
	}
	if opts.Connectivity == nil {
		opts.Connectivity = connectivity.NewMonitor(true)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		reports:  reports,
		sched:    opts.Scheduler,
		owned:    owned,
		network:  opts.Connectivity,
		locator:  opts.Locator,
		metrics:  opts.Metrics,
		log:      opts.Logger.WithComponent("sync"),
		interval: opts.Interval,
		ackDelay: opts.AckDelay,
		ctx:      ctx,
		cancel:   cancel,
		acks:     make(map[uint64]scheduler.Handle),
	}
}

// Start opens the location watch, schedules the periodic tick and listens for
// connectivity changes. It is a no-op after the first call or after Stop.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	if c.locator != nil {
		if err := c.locator.Start(); err != nil {
			c.log.Warn("location watch unavailable", slog.String("error", err.Error()))
		}
	}
	c.tick = c.sched.Every(c.interval, func() {
		c.guard(c.Tick)
	})
	c.unsubscribe = c.network.Subscribe(c.onConnectivity)
	if c.owned != nil {
		c.owned.Start()
	}
	c.log.Info("sync coordinator started",
		slog.Duration("interval", c.interval),
		slog.Duration("ack_delay", c.ackDelay))
}

// Stop cancels the tick and every pending acknowledgement, releases the
// location watch and waits for running callbacks. No callback changes report
// state after Stop returns.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.tick != nil {
		c.tick.Stop()
	}
	for id, h := range c.acks {
		h.Stop()
		delete(c.acks, id)
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.mu.Unlock()

	c.cancel()
	c.inflight.Wait()
	if c.owned != nil {
		c.owned.Stop()
	}

	if c.locator != nil {
		if err := c.locator.Close(); err != nil {
			c.log.Warn("closing location watch failed", slog.String("error", err.Error()))
		}
	}
	c.log.Info("sync coordinator stopped")
}

// Tick re-evaluates safe-upload gating with the last known location.
func (c *Coordinator) Tick(ctx context.Context) {
	released, err := c.reports.ReleaseReady(ctx, c.lastFix())
	if err != nil {
		c.metrics.SyncRun("tick", "error")
		c.log.Error("safe upload check failed", slog.String("error", err.Error()))
		return
	}
	c.metrics.SyncRun("tick", "ok")
	if len(released) > 0 {
		c.log.Info("safe upload check released reports", slog.Int("count", len(released)))
	}
}

// ManualSync submits every queued report that is safe to send and schedules
// the receipt acknowledgement. It fails with app.ErrOffline, changing
// nothing, when the device is offline.
func (c *Coordinator) ManualSync(ctx context.Context) error {
	return c.sync(ctx, "manual")
}

func (c *Coordinator) sync(ctx context.Context, trigger string) error {
	if !c.network.Online() {
		c.metrics.SyncRun(trigger, "offline")
		return app.ErrOffline
	}

	current := c.freshFix(ctx)
	submitted, err := c.reports.SubmitQueued(ctx, current)
	if err != nil {
		c.metrics.SyncRun(trigger, "error")
		c.log.Error("sync failed", slog.String("trigger", trigger), slog.String("error", err.Error()))
		return err
	}

	c.scheduleAck()
	c.metrics.SyncRun(trigger, "ok")
	c.log.Info("sync completed",
		slog.String("trigger", trigger),
		slog.Int("submitted", len(submitted)),
		slog.Bool("location_known", current != nil))
	return nil
}

func (c *Coordinator) scheduleAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	id := c.nextAck
	c.nextAck++
	c.acks[id] = c.sched.After(c.ackDelay, func() {
		c.mu.Lock()
		if _, pending := c.acks[id]; !pending || c.stopped {
			c.mu.Unlock()
			return
		}
		delete(c.acks, id)
		c.inflight.Add(1)
		c.mu.Unlock()
		defer c.inflight.Done()

		acked, err := c.reports.AcknowledgeSubmitted(c.ctx)
		if err != nil {
			c.log.Error("acknowledgement failed", slog.String("error", err.Error()))
			return
		}
		if len(acked) > 0 {
			c.log.Info("reports acknowledged", slog.Int("count", len(acked)))
		}
	})
}

// PendingAcks returns the number of scheduled acknowledgements.
func (c *Coordinator) PendingAcks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acks)
}

func (c *Coordinator) onConnectivity(online bool) {
	if !online {
		c.log.Info("device offline")
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		if err := c.sync(c.ctx, "reconnect"); err != nil {
			c.log.Debug("reconnect sync skipped", slog.String("error", err.Error()))
		}
	}()
}

// guard runs fn unless the coordinator is stopped, keeping Stop waiting until it returns.
func (c *Coordinator) guard(fn func(context.Context)) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()
	fn(c.ctx)
}

func (c *Coordinator) lastFix() *geo.Point {
	if c.locator == nil {
		return nil
	}
	return c.locator.Last()
}

func (c *Coordinator) freshFix(ctx context.Context) *geo.Point {
	if c.locator == nil {
		c.metrics.LocationUnavailable()
		return nil
	}
	if p := c.locator.Acquire(ctx); p != nil {
		return p
	}
	c.metrics.LocationUnavailable()
	return c.locator.Last()
}
