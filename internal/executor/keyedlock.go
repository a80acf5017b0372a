package executor

import "sync"

// keyedLock serializes critical sections per string key. The coordinator uses
// it to hold balance-check-through-submit for one (venue, asset) pair, so two
// concurrent trades cannot both size themselves against the same balance.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *keyedLock) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
