package connectivity

import (
	"context"
	"time"

	"github.com/kimhsiao/stockledger/internal/logging"
)

// CheckFunc reports whether the remote is reachable.
type CheckFunc func(ctx context.Context) error

// Prober periodically runs a health check and feeds the result into a
// Monitor. It never retries a failed check early.
type Prober struct {
	monitor  *Monitor
	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
	logger   *logging.Logger
}

// NewProber creates a Prober. Interval defaults to 15s and the per-check
// timeout to 5s.
func NewProber(monitor *Monitor, check CheckFunc, interval, timeout time.Duration, logger *logging.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &Prober{
		monitor:  monitor,
		check:    check,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("connectivity"),
	}
}

// ProbeOnce runs one check and updates the monitor.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(checkCtx)
	online := err == nil
	if p.monitor.Set(online) {
		if online {
			p.logger.Info("remote reachable")
		} else {
			p.logger.Warn("remote unreachable", map[string]interface{}{"error": err.Error()})
		}
	}
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}
