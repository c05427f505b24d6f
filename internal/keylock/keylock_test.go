package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func held(l *Locker) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func TestSameKeySerializes(t *testing.T) {
	l := New()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(7)
			defer unlock()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxInside.Load())
	}
	if n := held(l); n != 0 {
		t.Fatalf("%d keys tracked after release, want 0", n)
	}
}

func TestDifferentKeysIndependent(t *testing.T) {
	l := New()
	unlockA := l.Lock(1)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock(2)
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key 2 blocked behind key 1")
	}
}

func TestUnlockIdempotent(t *testing.T) {
	l := New()
	unlock := l.Lock(3)
	unlock()
	unlock()

	if n := held(l); n != 0 {
		t.Fatalf("%d keys tracked, want 0", n)
	}
	relock := l.Lock(3)
	relock()
}
