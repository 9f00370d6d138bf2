// Package concurrency bounds simultaneous bridge invocations. The automated
// application is effectively single-instance and may corrupt or serialize
// its own state under unchecked concurrent script execution, so the engine
// imposes this limit on itself.
package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks limiter performance counters
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
	mu              sync.RWMutex
}

// Limiter provides semaphore-based concurrency control with observability
type Limiter struct {
	sem            chan struct{}
	active         int64
	metrics        *Metrics
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter with the specified maximum concurrent bridge
// invocations. The built-in circuit breaker opens after a run of consecutive
// bridge failures, shedding load while the application recovers.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		metrics:        &Metrics{},
		circuitBreaker: NewCircuitBreaker(20, 30*time.Second),
	}
}

// NewLimiterWithCircuitBreaker creates a limiter with custom breaker settings
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		metrics:        &Metrics{},
		circuitBreaker: cb,
	}
}

// Acquire attempts to acquire a slot, blocking until one frees up or the
// context is done. Returns an error if the circuit breaker is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker.IsOpen() {
		return fmt.Errorf("circuit breaker is open")
	}

	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		waitTime := time.Since(start)
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, waitTime.Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)

		current := atomic.AddInt64(&l.active, 1)
		l.updatePeak(current)

		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
		// Release without a matching Acquire; ignore
	}
}

// Do executes fn while holding a slot and feeds the outcome to the circuit
// breaker. This is the path every bridge invocation goes through.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	defer l.Release()

	if err := fn(); err != nil {
		l.circuitBreaker.RecordFailure()
		return err
	}

	l.circuitBreaker.RecordSuccess()
	return nil
}

// CurrentActive returns the current number of held slots
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	l.metrics.mu.RLock()
	defer l.metrics.mu.RUnlock()

	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

// CircuitBreakerState returns the current state of the circuit breaker
func (l *Limiter) CircuitBreakerState() string {
	return l.circuitBreaker.GetState().String()
}

// updatePeak updates the peak concurrent count if current is higher
func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			break
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			break
		}
	}
}
