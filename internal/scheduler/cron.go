package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron runs periodic jobs on a robfig/cron runner and one-shot jobs on runtime timers.
type Cron struct {
	runner *cron.Cron

	mu      sync.Mutex
	started bool
	pending map[*timerHandle]struct{}
}

func NewCron() *Cron {
	return &Cron{
		runner:  cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		pending: make(map[*timerHandle]struct{}),
	}
}

// Running reports whether periodic jobs are being dispatched.
func (c *Cron) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Start begins dispatching periodic jobs.
func (c *Cron) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.runner.Start()
}

// Stop halts the runner, cancels pending one-shot jobs and waits for running jobs.
func (c *Cron) Stop() {
	c.mu.Lock()
	for h := range c.pending {
		h.timer.Stop()
	}
	c.pending = make(map[*timerHandle]struct{})
	started := c.started
	c.started = false
	c.mu.Unlock()

	if started {
		<-c.runner.Stop().Done()
	}
}

// Every schedules job at a fixed interval. cron.Every rounds the interval down to whole seconds.
func (c *Cron) Every(interval time.Duration, job func()) Handle {
	id := c.runner.Schedule(cron.Every(interval), cron.FuncJob(job))
	return &entryHandle{runner: c.runner, id: id}
}

func (c *Cron) After(delay time.Duration, job func()) Handle {
	h := &timerHandle{owner: c}
	c.mu.Lock()
	h.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		_, live := c.pending[h]
		delete(c.pending, h)
		c.mu.Unlock()
		if live {
			job()
		}
	})
	c.pending[h] = struct{}{}
	c.mu.Unlock()
	return h
}

func (c *Cron) Now() time.Time { return time.Now() }

type entryHandle struct {
	runner *cron.Cron
	id     cron.EntryID
	once   sync.Once
}

func (h *entryHandle) Stop() {
	h.once.Do(func() { h.runner.Remove(h.id) })
}

type timerHandle struct {
	owner *Cron
	timer *time.Timer
}

func (h *timerHandle) Stop() {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	h.timer.Stop()
	delete(h.owner.pending, h)
}
