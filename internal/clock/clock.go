// Package clock keeps an estimate of world time. The local clock is
// corrected by an offset sampled from a time source (NTP by default); the
// offset is refreshed at most every ResyncInterval and reused indefinitely
// when the source is unreachable.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"
)

// ErrNoSource is returned when every configured time server fails.
var ErrNoSource = errors.New("no time source reachable")

// Source returns the current world time.
type Source interface {
	Query(ctx context.Context) (time.Time, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (time.Time, error)

func (f SourceFunc) Query(ctx context.Context) (time.Time, error) { return f(ctx) }

// NTPSource queries a list of NTP servers in order and returns the first
// answer.
type NTPSource struct {
	Servers []string
	Timeout time.Duration
}

// Query asks each server in turn.
func (s NTPSource) Query(ctx context.Context) (time.Time, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	var errs []error
	for _, host := range s.Servers {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: timeout})
		if err == nil {
			err = resp.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		return time.Now().Add(resp.ClockOffset), nil
	}
	return time.Time{}, fmt.Errorf("%w: %v", ErrNoSource, errors.Join(errs...))
}

// LocalSource reports the local clock unchanged.
type LocalSource struct{}

func (LocalSource) Query(context.Context) (time.Time, error) { return time.Now(), nil }

// NewSource picks an NTPSource for the given servers, or LocalSource when
// none are configured.
func NewSource(servers []string, timeout time.Duration) Source {
	if len(servers) == 0 {
		return LocalSource{}
	}
	return NTPSource{Servers: servers, Timeout: timeout}
}

// Clock is the node's world-time estimate.
type Clock struct {
	source            Source
	resyncInterval    time.Duration
	retryAfterFailure time.Duration
	now               func() time.Time
	log               *zap.Logger

	mu            sync.RWMutex
	referenceTime time.Time // world time reported by the last successful query
	sampledAt     time.Time // local time of that query
	ahead         bool      // world clock is ahead of the local clock
	magnitude     time.Duration
	lastAttempt   time.Time
	lastFailed    bool
}

// Option configures a Clock.
type Option func(*Clock)

// WithLocalNow replaces time.Now as the local clock.
func WithLocalNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// New returns a Clock that has not yet sampled its source; until the first
// successful Refresh, Now reports the local clock.
func New(source Source, resyncInterval, retryAfterFailure time.Duration, log *zap.Logger, opts ...Option) *Clock {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Clock{
		source:            source,
		resyncInterval:    resyncInterval,
		retryAfterFailure: retryAfterFailure,
		now:               time.Now,
		log:               log.Named("clock"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Offset returns world time minus local time.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offsetLocked()
}

func (c *Clock) offsetLocked() time.Duration {
	if c.ahead {
		return c.magnitude
	}
	return -c.magnitude
}

// Now returns the local clock corrected by the cached offset. It never
// blocks on the time source.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	off := c.offsetLocked()
	c.mu.RUnlock()
	return c.now().Add(off)
}

// Synced reports whether at least one query has succeeded.
func (c *Clock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.sampledAt.IsZero()
}

// LastSample returns the reference time and local sampling instant of the
// last successful query.
func (c *Clock) LastSample() (reference, sampledAt time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.referenceTime, c.sampledAt
}

// due reports whether a refresh should query the source now.
func (c *Clock) due(local time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastFailed {
		return local.Sub(c.lastAttempt) >= c.retryAfterFailure
	}
	if c.sampledAt.IsZero() {
		return true
	}
	return local.Sub(c.sampledAt) >= c.resyncInterval
}

// Refresh queries the time source when forced or when the cached sample is
// older than the resync interval, then returns Now(). A failed query keeps
// the previous offset and is reported as an error; the next unforced attempt
// waits for the retry interval.
func (c *Clock) Refresh(ctx context.Context, force bool) (time.Time, error) {
	local := c.now()
	if !force && !c.due(local) {
		return c.Now(), nil
	}

	world, err := c.source.Query(ctx)
	after := c.now()

	c.mu.Lock()
	c.lastAttempt = after
	if err != nil {
		if !c.lastFailed {
			c.log.Warn("time source unavailable, keeping cached offset",
				zap.Duration("offset", c.offsetLocked()),
				zap.Error(err))
		}
		c.lastFailed = true
		c.mu.Unlock()
		return c.Now(), err
	}

	// Attribute the query's round trip evenly to both directions.
	mid := local.Add(after.Sub(local) / 2)
	diff := world.Sub(mid)
	c.referenceTime = world
	c.sampledAt = mid
	c.ahead = diff >= 0
	if diff < 0 {
		diff = -diff
	}
	c.magnitude = diff
	recovered := c.lastFailed
	c.lastFailed = false
	off := c.offsetLocked()
	c.mu.Unlock()

	if recovered {
		c.log.Info("time source recovered", zap.Duration("offset", off))
	} else {
		c.log.Debug("clock synced", zap.Duration("offset", off))
	}
	return c.Now(), nil
}
