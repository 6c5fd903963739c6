package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("malformed audio"), false},
		{"503", &StatusError{Service: "x", Code: 503}, true},
		{"500_wrapped", fmt.Errorf("call: %w", &StatusError{Code: 500}), true},
		{"429", &StatusError{Code: 429}, true},
		{"400", &StatusError{Code: 400}, false},
		{"404", &StatusError{Code: 404}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net_error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"marked_permanent_5xx", Permanent(&StatusError{Code: 502}), false},
		{"marked_transient", Transient(errors.New("engine busy")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	var retried []int
	err := Do(context.Background(), fastPolicy(4), func(ctx context.Context, attempt int) error {
		calls++
		if attempt <= 3 {
			return &StatusError{Service: "llm", Code: 503}
		}
		return nil
	}, func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) })

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if len(retried) != 3 {
		t.Errorf("retries = %v, want 3", retried)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	perm := &StatusError{Service: "stt", Code: 400, Body: "unsupported codec"}
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		return perm
	}, nil)

	if !errors.Is(err, perm) {
		t.Errorf("err = %v, want the permanent error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) error {
		calls++
		return Transient(errors.New("busy"))
	}, nil)
	if err == nil || !IsTransient(err) {
		t.Errorf("err = %v, want last transient error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_AttemptTimeoutIsTransient(t *testing.T) {
	p := fastPolicy(2)
	p.Timeout = 5 * time.Millisecond
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestDo_ParentCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 10, BaseDelay: time.Hour}, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return Transient(errors.New("busy"))
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
