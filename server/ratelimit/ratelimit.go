// Package ratelimit limits how often a single sender gets an autoreply.
//
// Every invocation records the sender first and counts afterwards, so a
// sender who is denied still uses up quota. Processes share the store
// without locking; the worst a race can do is miscount by a few entries.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/autorespond/pkg/metrics"
)

// Store persists one entry per message and counts recent entries per sender.
type Store interface {
	// RecordAndCount records sender at now, removes entries older than
	// now-window and returns the number of remaining entries for sender,
	// including the one just recorded. Sender comparison ignores case.
	RecordAndCount(ctx context.Context, sender string, now time.Time, window time.Duration) (int, error)
	// Name identifies the backend in logs and metrics.
	Name() string
}

// Decision is the result of a rate limit check.
type Decision struct {
	Allowed bool
	Count   int
}

// Limiter allows at most Threshold replies per sender within Window.
type Limiter struct {
	Store     Store
	Window    time.Duration
	Threshold int
}

// CheckAndRecord records this message and decides whether a reply may go
// out. A reply is denied once the count exceeds Threshold.
func (l *Limiter) CheckAndRecord(ctx context.Context, sender string, now time.Time) (Decision, error) {
	count, err := l.Store.RecordAndCount(ctx, sender, now, l.Window)
	if err != nil {
		metrics.RateLimitChecks.WithLabelValues(l.Store.Name(), "error").Inc()
		return Decision{}, fmt.Errorf("rate limit check for %s: %w", sender, err)
	}

	d := Decision{Allowed: count <= l.Threshold, Count: count}
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	metrics.RateLimitChecks.WithLabelValues(l.Store.Name(), result).Inc()
	metrics.RateLimitSenderCount.Observe(float64(count))
	return d, nil
}
