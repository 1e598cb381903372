package client

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Defaults applied by New.
const (
	DefaultResultCount   = 5
	DefaultRecentWindow  = 5000 * time.Millisecond
	DefaultCleanupMaxAge = 10 * time.Second
	DefaultNotifyTimeout = 10 * time.Second
	DefaultCancelRate    = rate.Limit(20)
	DefaultCancelBurst   = 5
)

type clientConfig struct {
	httpClient    *http.Client
	logger        *slog.Logger
	recentWindow  time.Duration
	cleanupMaxAge time.Duration
	notifyTimeout time.Duration
	cancelRate    rate.Limit
	cancelBurst   int
	strategies    []CancelStrategy
	now           func() time.Time
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		recentWindow:  DefaultRecentWindow,
		cleanupMaxAge: DefaultCleanupMaxAge,
		notifyTimeout: DefaultNotifyTimeout,
		cancelRate:    DefaultCancelRate,
		cancelBurst:   DefaultCancelBurst,
		now:           time.Now,
	}
}

// Option configures a Client.
type Option func(*clientConfig)

// WithHTTPClient replaces the traced default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = hc }
}

// WithLogger sets the logger used for best-effort cancellation diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}

// WithRecentWindow sets how close to now a recent request must have started
// for the recent-requests strategy to cancel it.
func WithRecentWindow(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.recentWindow = d
		}
	}
}

// WithCleanupMaxAge sets the age passed to the cleanup strategy.
func WithCleanupMaxAge(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.cleanupMaxAge = d
		}
	}
}

// WithNotifyTimeout bounds the whole out-of-band cancellation cascade.
func WithNotifyTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.notifyTimeout = d
		}
	}
}

// WithCancelRate paces the individual cancel calls of the recent-requests strategy.
func WithCancelRate(limit rate.Limit, burst int) Option {
	return func(c *clientConfig) {
		c.cancelRate = limit
		if burst > 0 {
			c.cancelBurst = burst
		}
	}
}

// WithStrategies replaces the ordered cancellation cascade.
func WithStrategies(s ...CancelStrategy) Option {
	return func(c *clientConfig) { c.strategies = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *clientConfig) {
		if now != nil {
			c.now = now
		}
	}
}
