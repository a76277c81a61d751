package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Policy holds retry configuration for transport delivery.
type Policy struct {
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // upper bound for the backoff
	Multiplier   float64       // exponential backoff multiplier
	MaxAttempts  int           // 0 means retry forever
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
	}
}

// Backoff produces the delay sequence for one batch's retry loop.
// Delays grow exponentially up to the cap, with up to 25% jitter added so
// that multiple shippers recovering from the same outage do not reconnect
// in lockstep.
type Backoff struct {
	policy Policy
	next   time.Duration
}

// NewBackoff creates a backoff starting at the policy's initial delay.
func NewBackoff(policy Policy) *Backoff {
	return &Backoff{policy: policy, next: policy.InitialDelay}
}

// Next returns the delay to wait before the upcoming attempt and advances
// the schedule.
func (b *Backoff) Next() time.Duration {
	delay := b.next

	grown := time.Duration(float64(b.next) * b.policy.Multiplier)
	if grown > b.policy.MaxDelay {
		grown = b.policy.MaxDelay
	}
	b.next = grown

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// Reset restores the schedule to the initial delay.
func (b *Backoff) Reset() {
	b.next = b.policy.InitialDelay
}

// Wait sleeps for the next backoff delay or returns early when the context
// is cancelled.
func (b *Backoff) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.Next()):
		return nil
	}
}

// transientPatterns are error substrings from the supported destinations
// that indicate a condition worth retrying.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection lost",
	"broken pipe",
	"timeout",
	"network is unreachable",
	"no such host",
	"temporary failure",
	"i/o deadline reached",
	"loading the dataset in memory", // redis: LOADING
	"channel/connection is not open", // amqp
	"code: 999",                      // clickhouse: connection lost
	"code: 241",                      // clickhouse: memory limit exceeded
	"code: 159",                      // clickhouse: timeout exceeded
	"code: 160",                      // clickhouse: unknown packet
	"code: 210",                      // clickhouse: connection pool timeout
}

// IsTransient reports whether a transport error is worth retrying.
// Anything that looks like a network-level failure is transient; payload
// rejections (syntax errors, schema mismatches) are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Cancellation and deadline errors are not payload rejections: the send
	// was interrupted, not refused, so the batch must stay eligible for
	// redelivery.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "code: 62") || strings.Contains(errStr, "syntax error") {
		return false
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
