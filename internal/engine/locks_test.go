package engine

import (
	"sync"
	"testing"
)

func (l *recordLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func TestRecordLocksDropReleasedEntries(t *testing.T) {
	l := newRecordLocks()

	rl := l.acquire("rec-1")
	if l.size() != 1 {
		t.Fatalf("size = %d, want 1 while held", l.size())
	}
	l.release("rec-1", rl)
	if l.size() != 0 {
		t.Fatalf("size = %d, want 0 after release", l.size())
	}
}

func TestRecordLocksSerializeUnderContention(t *testing.T) {
	l := newRecordLocks()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl := l.acquire("rec-1")
			counter++
			l.release("rec-1", rl)
		}()
	}
	wg.Wait()

	if counter != 64 {
		t.Fatalf("counter = %d, want 64", counter)
	}
	if l.size() != 0 {
		t.Fatalf("size = %d, want 0 once every holder released", l.size())
	}
}
