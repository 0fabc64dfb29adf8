package artifact

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Chain delivers artifacts through a primary store with a fallback
// behind it. Transient primary failures are retried with exponential
// backoff; a permanent failure flips the chain into fallback-only mode
// so later deliveries stop hammering a tier that cannot recover.
// Delivery failure is reported, never escalated: a completed
// reconciliation must not be invalidated because its report could not
// be shipped.
type Chain struct {
	primary  Store
	fallback Store
	log      *logrus.Entry

	maxAttempts int
	baseBackoff time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	primaryDown atomic.Bool
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithMaxAttempts sets how many times a transient primary failure is
// retried before falling back.
func WithMaxAttempts(n int) ChainOption {
	return func(c *Chain) { c.maxAttempts = n }
}

// WithBaseBackoff sets the first retry delay; it doubles per attempt.
func WithBaseBackoff(d time.Duration) ChainOption {
	return func(c *Chain) { c.baseBackoff = d }
}

// NewChain builds a delivery chain. Either store may be nil, in which
// case that tier is skipped.
func NewChain(primary, fallback Store, log *logrus.Entry, opts ...ChainOption) *Chain {
	c := &Chain{
		primary:     primary,
		fallback:    fallback,
		log:         log,
		maxAttempts: 3,
		baseBackoff: 500 * time.Millisecond,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver ships the artifact through the chain and reports where it
// landed. The returned error is non-nil only when every tier failed;
// even then a Location with KindFailed is returned so the caller can
// persist the degraded outcome.
func (c *Chain) Deliver(ctx context.Context, a Artifact) (Location, error) {
	if c.primary != nil && !c.primaryDown.Load() {
		uri, err := c.putWithRetry(ctx, a)
		if err == nil {
			return Location{Kind: KindPrimary, URI: uri}, nil
		}
		if IsPermanent(err) {
			// All future deliveries go straight to fallback.
			c.primaryDown.Store(true)
			c.log.WithError(err).WithField("artifact", a.Name).
				Warn("primary artifact store marked unavailable")
		} else {
			c.log.WithError(err).WithField("artifact", a.Name).
				Warn("primary artifact delivery failed after retries")
		}
	}

	if c.fallback != nil {
		uri, err := c.fallback.Put(ctx, a)
		if err == nil {
			c.log.WithFields(logrus.Fields{
				"artifact": a.Name,
				"uri":      uri,
			}).Info("artifact delivered to fallback store")
			return Location{Kind: KindFallback, URI: uri}, nil
		}
		c.log.WithError(err).WithField("artifact", a.Name).
			Error("fallback artifact delivery failed")
		return Location{Kind: KindFailed}, fmt.Errorf("all delivery tiers failed: %w", err)
	}

	return Location{Kind: KindFailed}, fmt.Errorf("no delivery tier accepted artifact %q", a.Name)
}

// PrimaryAvailable reports whether the chain still routes to the
// primary tier.
func (c *Chain) PrimaryAvailable() bool {
	return c.primary != nil && !c.primaryDown.Load()
}

func (c *Chain) putWithRetry(ctx context.Context, a Artifact) (string, error) {
	var lastErr error
	backoff := c.baseBackoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		uri, err := c.primary.Put(ctx, a)
		if err == nil {
			return uri, nil
		}
		lastErr = err
		if IsPermanent(err) {
			return "", err
		}
		if attempt < c.maxAttempts {
			if err := c.sleep(ctx, backoff); err != nil {
				return "", err
			}
			backoff *= 2
		}
	}
	return "", lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
