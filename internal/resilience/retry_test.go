package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"case-monitor/internal/clock"
)

func testPolicy(clk *clock.Fake, attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Clock:       clk,
		Jitter:      func(int64) int64 { return 0 },
	}
}

func TestRetryTerminalErrorStopsImmediately(t *testing.T) {
	clk := clock.NewFake(epoch)
	calls := 0
	out := testPolicy(clk, 5).Execute(context.Background(), func(context.Context) error {
		calls++
		return &ProviderError{Op: "subscribe", StatusCode: http.StatusNotFound}
	})

	if calls != 1 || out.Attempts != 1 {
		t.Fatalf("terminal error should not retry, calls=%d attempts=%d", calls, out.Attempts)
	}
	if out.TotalDelay != 0 {
		t.Fatalf("expected zero delay, got %s", out.TotalDelay)
	}
	if len(clk.Sleeps()) != 0 {
		t.Fatal("no sleep expected")
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	clk := clock.NewFake(epoch)
	const n = 4
	calls := 0
	out := testPolicy(clk, 5).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < n {
			return &ProviderError{Op: "search", StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})

	if out.Err != nil {
		t.Fatalf("expected success, got %v", out.Err)
	}
	if out.Attempts != n {
		t.Fatalf("expected %d attempts, got %d", n, out.Attempts)
	}
	if out.TotalDelay != 700*time.Millisecond {
		t.Fatalf("expected 100+200+400ms delay, got %s", out.TotalDelay)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	clk := clock.NewFake(epoch)
	out := testPolicy(clk, 3).Execute(context.Background(), func(context.Context) error {
		return &ProviderError{Op: "poll", StatusCode: http.StatusTooManyRequests}
	})

	if out.Err == nil {
		t.Fatal("expected failure")
	}
	if out.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", out.Attempts)
	}
	var perr *ProviderError
	if !errors.As(out.Err, &perr) || perr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("last error should be preserved, got %v", out.Err)
	}
}

func TestRetryDelayCappedWithJitter(t *testing.T) {
	p := RetryPolicy{
		BaseDelay: time.Second,
		MaxDelay:  5 * time.Second,
		Jitter:    func(n int64) int64 { return n - 1 },
	}
	cases := map[int]time.Duration{
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		4:  5 * time.Second,
		30: 5 * time.Second,
	}
	for attempt, base := range cases {
		got := p.Delay(attempt)
		if got < base || got >= 2*base {
			t.Fatalf("attempt %d: delay %s outside [%s, %s)", attempt, got, base, 2*base)
		}
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	clk := clock.NewFake(epoch)
	calls := 0
	out := testPolicy(clk, 2).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &ProviderError{StatusCode: http.StatusTooManyRequests, RetryAfter: 700 * time.Millisecond}
		}
		return nil
	})
	if out.Err != nil || out.TotalDelay != 700*time.Millisecond {
		t.Fatalf("expected Retry-After delay, got %s err=%v", out.TotalDelay, out.Err)
	}
}

func TestRetryStopsOnCancellation(t *testing.T) {
	clk := clock.NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	out := testPolicy(clk, 5).Execute(ctx, func(context.Context) error {
		calls++
		cancel()
		return Transient(errors.New("connection reset"))
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt after cancellation, got %d", calls)
	}
	if out.Err == nil {
		t.Fatal("expected error")
	}
}

// cancelOnSleep cancels the context as soon as a backoff starts.
type cancelOnSleep struct {
	*clock.Fake
	cancel context.CancelFunc
}

func (c cancelOnSleep) Sleep(ctx context.Context, _ time.Duration) error {
	c.cancel()
	return ctx.Err()
}

func TestRetryCancelledBackoffKeepsLastError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	policy := testPolicy(clock.NewFake(epoch), 5)
	policy.Clock = cancelOnSleep{Fake: clock.NewFake(epoch), cancel: cancel}

	out := policy.Execute(ctx, func(context.Context) error {
		return &ProviderError{Op: "poll", StatusCode: http.StatusBadGateway}
	})
	if out.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", out.Attempts)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("cancellation must be reported, got %v", out.Err)
	}
	var perr *ProviderError
	if !errors.As(out.Err, &perr) || perr.StatusCode != http.StatusBadGateway {
		t.Fatalf("provider error must survive the cancelled backoff, got %v", out.Err)
	}
	if Classify(out.Err) != ClassCanceled || CountsAsFailure(out.Err) {
		t.Fatalf("cancelled retry classified as %s", Classify(out.Err))
	}
}

func TestRateBudgetIsRetriedButNotABreakerFailure(t *testing.T) {
	clk := clock.NewFake(epoch)
	calls := 0
	out := testPolicy(clk, 3).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: need 1s more", ErrRateBudgetExceeded)
		}
		return nil
	})
	if out.Err != nil || out.Attempts != 3 {
		t.Fatalf("rate budget refusal should be retried, attempts=%d err=%v", out.Attempts, out.Err)
	}
	if CountsAsFailure(ErrRateBudgetExceeded) {
		t.Fatal("a local rate budget refusal never reached the provider")
	}
}

func TestRetryNeverRetriesCircuitOpen(t *testing.T) {
	out := testPolicy(clock.NewFake(epoch), 5).Execute(context.Background(), func(context.Context) error {
		return ErrCircuitOpen
	})
	if out.Attempts != 1 {
		t.Fatalf("circuit open should not be retried, attempts=%d", out.Attempts)
	}
}

func TestClassifyAndErrorCode(t *testing.T) {
	cases := []struct {
		err   error
		class Class
		code  string
	}{
		{&ProviderError{StatusCode: 400}, ClassTerminal, "http_400"},
		{&ProviderError{StatusCode: 429}, ClassTransient, "rate_limited"},
		{&ProviderError{StatusCode: 502}, ClassTransient, "server_error"},
		{context.DeadlineExceeded, ClassTransient, "timeout"},
		{context.Canceled, ClassCanceled, "canceled"},
		{ErrCircuitOpen, ClassCircuitOpen, "circuit_open"},
		{Transient(errors.New("reset")), ClassTransient, "transient"},
		{fmt.Errorf("%w: need 30s", ErrRateBudgetExceeded), ClassTransient, "rate_budget"},
		{errors.New("decode"), ClassTerminal, "error"},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.class {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.class)
		}
		if got := ErrorCode(tc.err); got != tc.code {
			t.Errorf("ErrorCode(%v) = %s, want %s", tc.err, got, tc.code)
		}
	}
}
