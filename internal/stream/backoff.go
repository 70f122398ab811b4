package stream

import (
	"math"
	"time"
)

// BackoffPolicy bounds automatic reconnection. Attempts start at zero, reset
// to zero on any successful connection, and once they exceed MaxAttempts the
// manager stops retrying until an explicit reconnect command arrives.
type BackoffPolicy struct {
	Base        time.Duration
	Growth      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the policy agreed with the crawl service.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Second,
		Growth:      1.5,
		Cap:         10 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay computes min(Base * Growth^attempt, Cap).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base) * math.Pow(p.Growth, float64(attempt))
	if d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt is beyond the retry budget.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
