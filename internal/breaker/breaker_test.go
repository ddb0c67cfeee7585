package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func newTestRegistry(cfg Config) (*Registry, *fakeClock) {
	registry := NewRegistry(cfg, nil)
	clock := newFakeClock()
	registry.now = clock.Now
	return registry, clock
}

var errRemote = errors.New("remote exploded")

func failingCall(context.Context) error { return errRemote }
func successCall(context.Context) error { return nil }

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	registry, _ := newTestRegistry(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := registry.Do(ctx, "provider", failingCall); !errors.Is(err, errRemote) {
			t.Fatalf("attempt %d: expected remote error, got %v", i, err)
		}
	}

	stats := registry.Stats("provider")
	if stats.State != StateOpen {
		t.Fatalf("expected state open after threshold, got %s", stats.State)
	}
	if stats.ConsecutiveFailures != 3 {
		t.Fatalf("expected 3 consecutive failures, got %d", stats.ConsecutiveFailures)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	registry, _ := newTestRegistry(Config{FailureThreshold: 3})
	ctx := context.Background()

	_ = registry.Do(ctx, "provider", failingCall)
	_ = registry.Do(ctx, "provider", failingCall)
	if err := registry.Do(ctx, "provider", successCall); err != nil {
		t.Fatalf("success call failed: %v", err)
	}

	stats := registry.Stats("provider")
	if stats.State != StateClosed {
		t.Fatalf("expected closed, got %s", stats.State)
	}
	if stats.ConsecutiveFailures != 0 {
		t.Fatalf("expected failure counter reset to 0, got %d", stats.ConsecutiveFailures)
	}
}

func TestBreakerDeniesWhileOpen(t *testing.T) {
	registry, _ := newTestRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	_ = registry.Do(ctx, "provider", failingCall)

	invoked := false
	err := registry.Do(ctx, "provider", func(context.Context) error {
		invoked = true
		return nil
	})

	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if openErr.Dependency != "provider" {
		t.Fatalf("expected dependency name in error, got %q", openErr.Dependency)
	}
	if invoked {
		t.Fatalf("expected wrapped operation to be skipped while open")
	}
}

func TestBreakerRecoveryPermitsTrialAfterTimeout(t *testing.T) {
	registry, clock := newTestRegistry(Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})

	_ = registry.Do(context.Background(), "provider", failingCall)

	if registry.CanRequest("provider") {
		t.Fatalf("expected request denied before recovery timeout")
	}

	clock.Advance(29 * time.Second)
	if registry.CanRequest("provider") {
		t.Fatalf("expected request still denied one second before recovery")
	}

	clock.Advance(time.Second)
	if !registry.CanRequest("provider") {
		t.Fatalf("expected trial request permitted after recovery timeout")
	}
	if got := registry.Stats("provider").State; got != StateHalfOpen {
		t.Fatalf("expected half_open after permitted trial, got %s", got)
	}
}

func TestBreakerHalfOpenFailureReopensImmediately(t *testing.T) {
	registry, clock := newTestRegistry(Config{FailureThreshold: 3, RecoveryTimeout: 10 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = registry.Do(ctx, "provider", failingCall)
	}
	clock.Advance(10 * time.Second)

	if err := registry.Do(ctx, "provider", failingCall); !errors.Is(err, errRemote) {
		t.Fatalf("expected trial call to reach operation, got %v", err)
	}

	if got := registry.Stats("provider").State; got != StateOpen {
		t.Fatalf("expected single half-open failure to reopen, got %s", got)
	}
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	registry, clock := newTestRegistry(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		RecoveryTimeout:  10 * time.Second,
	})
	ctx := context.Background()

	_ = registry.Do(ctx, "provider", failingCall)
	clock.Advance(10 * time.Second)

	if err := registry.Do(ctx, "provider", successCall); err != nil {
		t.Fatalf("first trial failed: %v", err)
	}
	if got := registry.Stats("provider").State; got != StateHalfOpen {
		t.Fatalf("expected half_open after one success, got %s", got)
	}

	if err := registry.Do(ctx, "provider", successCall); err != nil {
		t.Fatalf("second trial failed: %v", err)
	}

	stats := registry.Stats("provider")
	if stats.State != StateClosed {
		t.Fatalf("expected closed after success threshold, got %s", stats.State)
	}
	if stats.ConsecutiveFailures != 0 || stats.ConsecutiveSuccesses != 0 {
		t.Fatalf(
			"expected both counters reset, got failures=%d successes=%d",
			stats.ConsecutiveFailures, stats.ConsecutiveSuccesses,
		)
	}
}

func TestBreakerTimeoutCountsAsFailure(t *testing.T) {
	registry, _ := newTestRegistry(Config{
		FailureThreshold: 1,
		RequestTimeout:   time.Hour,
		TrackTimeouts:    true,
	})

	started := make(chan struct{})
	err := registry.Do(context.Background(), "provider", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(20*time.Millisecond))
	<-started

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	stats := registry.Stats("provider")
	if stats.State != StateOpen {
		t.Fatalf("expected timeout to open breaker at threshold 1, got %s", stats.State)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("expected timeout counted as failure, got %d", stats.TotalFailures)
	}
}

func TestBreakerConcurrentFailuresAllCounted(t *testing.T) {
	registry, _ := newTestRegistry(Config{FailureThreshold: 100})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = registry.Do(ctx, "provider", failingCall)
		}()
	}
	wg.Wait()

	stats := registry.Stats("provider")
	if stats.TotalFailures != 50 {
		t.Fatalf("expected all 50 failures counted, got %d", stats.TotalFailures)
	}
	if stats.ConsecutiveFailures != 50 {
		t.Fatalf("expected 50 consecutive failures, got %d", stats.ConsecutiveFailures)
	}
}

func TestBreakerIsolatesDependencyNames(t *testing.T) {
	registry, _ := newTestRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	_ = registry.Do(ctx, "provider", failingCall)

	if err := registry.Do(ctx, "storage", successCall); err != nil {
		t.Fatalf("expected independent dependency unaffected, got %v", err)
	}
	if got := registry.Stats("storage").State; got != StateClosed {
		t.Fatalf("expected storage circuit closed, got %s", got)
	}
}

func TestBreakerManualOverrides(t *testing.T) {
	registry, _ := newTestRegistry(Config{FailureThreshold: 5})
	ctx := context.Background()

	registry.ForceOpen("provider")
	var openErr *OpenError
	if err := registry.Do(ctx, "provider", successCall); !errors.As(err, &openErr) {
		t.Fatalf("expected forced-open circuit to deny, got %v", err)
	}

	registry.ForceClose("provider")
	if err := registry.Do(ctx, "provider", successCall); err != nil {
		t.Fatalf("expected forced-close to permit, got %v", err)
	}

	_ = registry.Do(ctx, "provider", failingCall)
	registry.Reset("provider")
	stats := registry.Stats("provider")
	if stats.TotalRequests != 0 || stats.ConsecutiveFailures != 0 {
		t.Fatalf("expected reset to discard counters, got %+v", stats)
	}
	if stats.State != StateClosed {
		t.Fatalf("expected reset circuit closed, got %s", stats.State)
	}
}
