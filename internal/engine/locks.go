package engine

import "sync"

// recordLocks hands out one lock per record id. The record store has no
// compare-and-swap, so every read-merge-write against a record must run under
// its lock; distinct records proceed in parallel. Entries are reference
// counted and dropped once the last holder releases, so the map does not
// grow with every batch the process has ever touched.
type recordLocks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{locks: make(map[string]*recordLock)}
}

// acquire blocks until the caller holds the record's lock.
func (l *recordLocks) acquire(recordID string) *recordLock {
	l.mu.Lock()
	rl, ok := l.locks[recordID]
	if !ok {
		rl = &recordLock{}
		l.locks[recordID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return rl
}

// release unlocks and removes the map entry once nobody holds or waits on it.
func (l *recordLocks) release(recordID string, rl *recordLock) {
	rl.mu.Unlock()

	l.mu.Lock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.locks, recordID)
	}
	l.mu.Unlock()
}
