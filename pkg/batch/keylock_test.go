package batch

import (
	"sync"
	"testing"
	"time"
)

func TestAcquireFirstIsLeader(t *testing.T) {
	l := NewKeyLock()

	leader, wait := l.Acquire("k")
	if !leader {
		t.Fatal("first acquirer must be leader")
	}
	if wait != nil {
		t.Error("leader must not receive a wait channel")
	}
	l.Release("k")
}

func TestFollowersWaitForRelease(t *testing.T) {
	l := NewKeyLock()

	if leader, _ := l.Acquire("k"); !leader {
		t.Fatal("expected leadership")
	}

	leader, wait := l.Acquire("k")
	if leader {
		t.Fatal("second acquirer must not be leader")
	}

	select {
	case <-wait:
		t.Fatal("wait channel closed before release")
	case <-time.After(20 * time.Millisecond):
	}

	l.Release("k")

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("wait channel not closed after release")
	}
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	l := NewKeyLock()

	if leader, _ := l.Acquire("a"); !leader {
		t.Fatal("expected leadership for a")
	}
	if leader, _ := l.Acquire("b"); !leader {
		t.Fatal("holding a must not block b")
	}
	l.Release("a")
	l.Release("b")
}

func TestLeadershipTransfersAfterRelease(t *testing.T) {
	l := NewKeyLock()

	leader, _ := l.Acquire("k")
	if !leader {
		t.Fatal("expected leadership")
	}
	l.Release("k")

	leader, _ = l.Acquire("k")
	if !leader {
		t.Fatal("key must be acquirable again after release")
	}
	l.Release("k")
}

func TestConcurrentAcquireExactlyOneLeader(t *testing.T) {
	l := NewKeyLock()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	leaders := 0

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			leader, wait := l.Acquire("k")
			if leader {
				mu.Lock()
				leaders++
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				l.Release("k")
				return
			}
			<-wait
		}()
	}
	wg.Wait()

	if leaders != 1 {
		t.Errorf("got %d leaders, want exactly 1", leaders)
	}
}
