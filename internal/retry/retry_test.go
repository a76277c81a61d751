package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestBackoff_GrowsToCap(t *testing.T) {
	policy := Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
	b := NewBackoff(policy)

	var prev time.Duration
	for i := 0; i < 10; i++ {
		delay := b.Next()
		// Jitter adds at most 25%, so the base must stay within bounds.
		if delay < prev/2 {
			t.Errorf("attempt %d: delay %v shrank below previous %v", i, delay, prev)
		}
		if delay > policy.MaxDelay+policy.MaxDelay/4 {
			t.Errorf("attempt %d: delay %v exceeds cap with jitter", i, delay)
		}
		prev = delay
	}
}

func TestBackoff_Reset(t *testing.T) {
	policy := Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 4.0}
	b := NewBackoff(policy)

	b.Next()
	b.Next()
	b.Reset()

	delay := b.Next()
	if delay > 13*time.Millisecond {
		t.Errorf("delay after Reset = %v, want ~initial 10ms", delay)
	}
}

func TestBackoff_WaitCancelled(t *testing.T) {
	policy := Policy{InitialDelay: 10 * time.Second, MaxDelay: time.Minute, Multiplier: 2.0}
	b := NewBackoff(policy)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait() did not return promptly on cancellation")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "fake timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: true},
		{name: "cancelled", err: context.Canceled, want: true},
		{name: "wrapped cancellation", err: fmt.Errorf("redis rpush failed: %w", context.Canceled), want: true},
		{name: "net error", err: net.Error(timeoutErr{}), want: true},
		{name: "op error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: true},
		{name: "connection refused text", err: fmt.Errorf("dial: connection refused"), want: true},
		{name: "broken pipe", err: errors.New("write: broken pipe"), want: true},
		{name: "clickhouse connection lost", err: errors.New("code: 999 connection lost"), want: true},
		{name: "clickhouse timeout", err: errors.New("code: 159 Timeout exceeded"), want: true},
		{name: "clickhouse syntax error", err: errors.New("code: 62, Syntax error near INSERT"), want: false},
		{name: "amqp channel closed", err: errors.New("Exception (504) Reason: \"channel/connection is not open\""), want: true},
		{name: "schema mismatch", err: errors.New("unknown column 'foo'"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
