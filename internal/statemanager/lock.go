package statemanager

import "sync"

// keyedLock is a set of try-locks keyed by entity id.
type keyedLock struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{held: make(map[int64]struct{})}
}

func (l *keyedLock) TryLock(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *keyedLock) Unlock(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
