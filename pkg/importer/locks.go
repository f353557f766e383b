package importer

import "sync"

// ownerLocks serializes import passes per owner within this process. Imports
// for different owners proceed in parallel; two jobs of the same owner take
// turns so they cannot race on shared datasets.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the owner's mutex and returns the unlock function.
func (l *ownerLocks) acquire(owner string) func() {
	l.mu.Lock()
	m, ok := l.locks[owner]
	if !ok {
		m = &sync.Mutex{}
		l.locks[owner] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
