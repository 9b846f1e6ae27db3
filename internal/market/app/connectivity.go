package app

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ConnectivityPoller probes the message transport and keeps an online flag
// other components (health endpoint, metrics) can read cheaply. While the
// transport is unreachable it probes at the fast interval; once reachable it
// backs off to the slow interval.
type ConnectivityPoller struct {
	transport    pinger
	fastInterval time.Duration
	slowInterval time.Duration
	online       atomic.Bool
	logger       *slog.Logger
}

type pinger interface {
	Ping(ctx context.Context) error
}

func NewConnectivityPoller(transport pinger, fast, slow time.Duration, logger *slog.Logger) *ConnectivityPoller {
	return &ConnectivityPoller{
		transport:    transport,
		fastInterval: fast,
		slowInterval: slow,
		logger:       logger,
	}
}

// Online reports the result of the most recent probe.
func (c *ConnectivityPoller) Online() bool {
	return c.online.Load()
}

// Run probes until the context is cancelled. The wait is armed after each
// probe completes, with the interval chosen from the probe's outcome.
func (c *ConnectivityPoller) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "Connectivity poller started",
		"fast_interval", c.fastInterval.String(), "slow_interval", c.slowInterval.String())
	for {
		c.probe(ctx)
		interval := c.fastInterval
		if c.online.Load() {
			interval = c.slowInterval
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "Connectivity poller stopped")
			return ctx.Err()
		}
	}
}

func (c *ConnectivityPoller) probe(ctx context.Context) {
	err := c.transport.Ping(ctx)
	was := c.online.Load()
	now := err == nil
	c.online.Store(now)
	if now != was {
		if now {
			c.logger.InfoContext(ctx, "Message transport reachable")
		} else {
			c.logger.WarnContext(ctx, "Message transport unreachable", "error", err)
		}
	}
	connectivityGauge.Set(boolToFloat(now))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
