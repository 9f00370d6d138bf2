package batch

import "sync"

// KeyLock serializes in-process executions per idempotency key. The first
// acquirer of a key is its leader; later acquirers wait for the leader to
// release and then re-check the outcome store instead of executing.
type KeyLock struct {
	mu      sync.Mutex
	waiting map[string]chan struct{}
}

// NewKeyLock creates an empty key lock
func NewKeyLock() *KeyLock {
	return &KeyLock{waiting: make(map[string]chan struct{})}
}

// Acquire takes the slot for key. When leader is true the caller owns the
// key and must call Release exactly once; otherwise wait is closed when the
// current leader releases, after which the caller should re-check the store
// and re-acquire if the outcome is still absent.
func (l *KeyLock) Acquire(key string) (leader bool, wait <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, held := l.waiting[key]; held {
		return false, ch
	}
	l.waiting[key] = make(chan struct{})
	return true, nil
}

// Release frees key and wakes every waiter
func (l *KeyLock) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, held := l.waiting[key]; held {
		delete(l.waiting, key)
		close(ch)
	}
}
