// Package backoff computes retry delays and throttles requests to the remote
// source.
//
// Retry delays are per unit: base * 2^(retry-1), scaled by the failure kind,
// capped, then jittered by a factor in [0.5, 1.5) and capped again. The
// optional Throttle is shared by the whole pool and bounds the request rate
// against a rate-limited upstream.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// Policy configures retry delays.
type Policy struct {
	// Base is the delay before the first retry.
	// Default: 5s
	Base time.Duration

	// Max caps every delay.
	// Default: 5m
	Max time.Duration

	// Jitter returns a value in [0, 1). Nil uses math/rand/v2.
	Jitter func() float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base: 5 * time.Second,
		Max:  5 * time.Minute,
	}
}

// Delay returns how long to wait before the given retry (1 for the first
// retry). scale stretches or shrinks the base for specific failure kinds;
// values <= 0 are treated as 1.
func (p Policy) Delay(retry int, scale float64) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if scale <= 0 {
		scale = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultPolicy().Base
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultPolicy().Max
	}

	d := float64(base) * scale
	for i := 1; i < retry && d < float64(maxDelay); i++ {
		d *= 2
	}
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}

	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	d *= 0.5 + jitter()
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Throttle bounds the request rate of the whole worker pool. A nil Throttle
// never blocks.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle returns a throttle allowing perSecond requests per second with
// the given burst. It returns nil when perSecond <= 0 (throttling disabled).
func NewThrottle(perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a request may proceed or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}
