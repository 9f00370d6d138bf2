package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(2)

	var active, peak int64
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := limiter.Do(context.Background(), func() error {
				cur := atomic.AddInt64(&active, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&active, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Do returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("observed %d concurrent executions, limit is 2", got)
	}

	m := limiter.GetMetrics()
	if m.TotalAcquired != 10 || m.TotalReleased != 10 {
		t.Errorf("acquired/released = %d/%d, want 10/10", m.TotalAcquired, m.TotalReleased)
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	limiter := NewLimiter(1)

	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer limiter.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestReleaseWithoutAcquireIsSafe(t *testing.T) {
	limiter := NewLimiter(1)
	limiter.Release()

	if got := limiter.CurrentActive(); got != 0 {
		t.Errorf("active = %d, want 0", got)
	}
}

func TestOpenBreakerRejectsAcquire(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	limiter := NewLimiterWithCircuitBreaker(1, cb)

	failing := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = limiter.Do(context.Background(), func() error { return failing })
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("breaker state = %s, want open", cb.GetState())
	}
	if err := limiter.Acquire(context.Background()); err == nil {
		limiter.Release()
		t.Error("expected acquire to fail while breaker is open")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)

	// First probe after the reset timeout transitions to half-open.
	if cb.IsOpen() {
		t.Fatal("expected breaker to allow a probe after reset timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.GetState())
	}

	for i := 0; i < halfOpenSuccesses; i++ {
		cb.RecordSuccess()
	}
	if cb.GetState() != StateClosed {
		t.Errorf("state = %s, want closed after recovery", cb.GetState())
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	_ = cb.IsOpen() // transition to half-open

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Errorf("state = %s, want open after half-open failure", cb.GetState())
	}
}
