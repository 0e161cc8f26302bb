package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContactLocks_Serializes(t *testing.T) {
	locks := NewContactLocks()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(context.Background(), "c1")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("max holders = %d, want 1", maxInside)
	}
	if n := locks.Len(); n != 0 {
		t.Fatalf("lock table not cleaned up: %d entries", n)
	}
}

func TestContactLocks_IndependentContacts(t *testing.T) {
	locks := NewContactLocks()
	releaseA, err := locks.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := locks.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("different contact blocked: %v", err)
	}
	releaseB()
}

func TestContactLocks_HonorsContext(t *testing.T) {
	locks := NewContactLocks()
	release, err := locks.Acquire(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.Acquire(ctx, "c1"); err == nil {
		t.Fatal("expected context error while lock is held")
	}

	release()
	release() // second call is a no-op
	if n := locks.Len(); n != 0 {
		t.Fatalf("lock table not cleaned up: %d entries", n)
	}
}
