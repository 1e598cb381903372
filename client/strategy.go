package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// ErrStrategySkipped is returned by a CancelStrategy that has nothing to act on.
// The cascade moves to the next strategy without logging a failure.
var ErrStrategySkipped = errors.New("cancellation strategy not applicable")

// CancelStrategy is one way of telling the service to stop a session's request.
// Strategies run in order until one returns nil.
type CancelStrategy interface {
	Name() string
	Attempt(ctx context.Context, c *Client, s *Session) error
}

// DefaultStrategies is the cascade used when none is configured: the known
// request id, then recently started requests, then a stale-request cleanup.
func DefaultStrategies() []CancelStrategy {
	return []CancelStrategy{
		KnownRequestStrategy{},
		RecentRequestsStrategy{},
		CleanupStrategy{},
	}
}

// KnownRequestStrategy cancels the remote id the session already holds.
type KnownRequestStrategy struct{}

func (KnownRequestStrategy) Name() string { return "known-request" }

func (KnownRequestStrategy) Attempt(ctx context.Context, c *Client, s *Session) error {
	id := s.RemoteID()
	if id == "" {
		return ErrStrategySkipped
	}
	_, err := c.Cancel(ctx, id)
	return err
}

// RecentRequestsStrategy cancels every request the service reports as started
// within Window of now. Zero Window uses the client's configured window.
type RecentRequestsStrategy struct {
	Window time.Duration
}

func (RecentRequestsStrategy) Name() string { return "recent-requests" }

func (r RecentRequestsStrategy) Attempt(ctx context.Context, c *Client, _ *Session) error {
	window := r.Window
	if window <= 0 {
		window = c.recentWindow
	}

	recent, err := c.RecentRequests(ctx)
	if err != nil {
		return err
	}

	now := float64(c.now().UnixMilli())
	limiter := rate.NewLimiter(c.cancelRate, c.cancelBurst)

	var (
		matched   int
		cancelled int
		errs      []error
	)
	for _, req := range recent {
		if req.ID == "" || math.Abs(now-req.Timestamp) > float64(window.Milliseconds()) {
			continue
		}
		matched++
		if err := limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := c.Cancel(ctx, req.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		cancelled++
	}

	switch {
	case matched == 0:
		return fmt.Errorf("%w: no request started within %s", ErrStrategySkipped, window)
	case cancelled == 0:
		return errors.Join(errs...)
	default:
		return nil
	}
}

// CleanupStrategy asks the service to drop every request older than MaxAge.
// Zero MaxAge uses the client's configured age.
type CleanupStrategy struct {
	MaxAge time.Duration
}

func (CleanupStrategy) Name() string { return "cleanup" }

func (cs CleanupStrategy) Attempt(ctx context.Context, c *Client, _ *Session) error {
	maxAge := cs.MaxAge
	if maxAge <= 0 {
		maxAge = c.cleanupMaxAge
	}
	_, err := c.CleanupRequests(ctx, maxAge)
	return err
}

// dispatchNotify runs strategies in the background on a context detached from
// the caller's cancellation and bounded by the notify timeout.
func (c *Client) dispatchNotify(parent context.Context, s *Session, strategies []CancelStrategy) {
	if len(strategies) == 0 {
		return
	}
	if parent == nil {
		parent = context.Background()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("client closed, cancellation not sent", "session", s.id)
		return
	}
	c.notify.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.notify.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.notifyTimeout)
		defer cancel()
		c.runStrategies(ctx, s, strategies)
	}()
}

// runStrategies returns the name of the strategy that succeeded, or "".
// Failures are logged and never returned.
func (c *Client) runStrategies(ctx context.Context, s *Session, strategies []CancelStrategy) string {
	for _, st := range strategies {
		err := st.Attempt(ctx, c, s)
		if err == nil {
			c.logger.Debug("cancellation delivered", "session", s.id, "strategy", st.Name())
			return st.Name()
		}
		if errors.Is(err, ErrStrategySkipped) {
			c.logger.Debug("cancellation strategy skipped", "session", s.id, "strategy", st.Name(), "reason", err)
			continue
		}
		c.logger.Warn("cancellation strategy failed", "session", s.id, "strategy", st.Name(), "err", err)
	}
	c.logger.Warn("server-side cancellation not confirmed", "session", s.id)
	return ""
}
