package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"vigil/internal/logger"
)

// Prober periodically checks reachability of a URL and feeds the Monitor.
type Prober struct {
	client   *http.Client
	url      string
	interval time.Duration
	monitor  *Monitor
	log      *logger.Logger
}

func NewProber(url string, interval time.Duration, monitor *Monitor, log *logger.Logger) *Prober {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Prober{
		client:   &http.Client{Timeout: 5 * time.Second},
		url:      url,
		interval: interval,
		monitor:  monitor,
		log:      log.WithComponent("connectivity"),
	}
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.log.Info("starting connectivity prober",
		slog.String("url", p.url),
		slog.Duration("interval", p.interval))

	p.monitor.Set(p.Check(ctx))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("connectivity prober stopped")
			return
		case <-ticker.C:
			p.monitor.Set(p.Check(ctx))
		}
	}
}

// Check reports whether the probe URL answered with a non-5xx status.
func (p *Prober) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("connectivity probe failed", slog.String("error", err.Error()))
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
