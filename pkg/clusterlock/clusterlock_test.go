package clusterlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalFileLockerExclusion(t *testing.T) {
	l := &LocalFileLocker{Dir: t.TempDir()}

	unlock, err := l.Lock(context.Background(), "mystore")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "mystore"); err == nil {
		t.Fatal("expected second lock attempt to time out while first is held")
	}

	unlock()

	unlock2, err := l.Lock(context.Background(), "mystore")
	if err != nil {
		t.Fatalf("unexpected error after release: %v", err)
	}
	unlock2()
}

func TestLocalFileLockerDifferentNamesDontContend(t *testing.T) {
	l := &LocalFileLocker{Dir: t.TempDir()}

	unlockA, err := l.Lock(context.Background(), "storeA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlockA()

	unlockB, err := l.Lock(context.Background(), "storeB")
	if err != nil {
		t.Fatalf("expected independent lock for storeB, got %v", err)
	}
	unlockB()
}

func TestInProcessLockerExclusion(t *testing.T) {
	l := NewInProcessLocker()

	unlock, err := l.Lock(context.Background(), "shared-store")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "shared-store"); err == nil {
		t.Fatal("expected timeout while first holder still has the lock")
	}

	unlock()
}

func TestWithConfigLockRunsCallbackUnderMutex(t *testing.T) {
	local := &LocalFileLocker{Dir: t.TempDir()}
	cluster := NewInProcessLocker()

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = WithConfigLock(context.Background(), local, cluster, "store1", false, time.Second, func() error {
				cur := atomic.AddInt64(&counter, 1)
				if cur != 1 {
					t.Errorf("expected exclusive access, saw concurrent count %d", cur)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&counter, -1)
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestWithConfigLockTimeoutNeverCallsFn(t *testing.T) {
	local := &LocalFileLocker{Dir: t.TempDir()}
	cluster := NewInProcessLocker()

	unlock, err := local.Lock(context.Background(), "busystore")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	called := false
	err = WithConfigLock(context.Background(), local, cluster, "busystore", false, 50*time.Millisecond, func() error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if called {
		t.Fatal("fn must not run when the lock could not be acquired")
	}
}

func TestWithConfigLockSharedUsesClusterLocker(t *testing.T) {
	local := &LocalFileLocker{Dir: t.TempDir()}
	cluster := NewInProcessLocker()

	unlock, err := cluster.Lock(context.Background(), "clusterstore")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	err = WithConfigLock(context.Background(), local, cluster, "clusterstore", true, 50*time.Millisecond, func() error {
		t.Fatal("fn must not run: cluster lock already held")
		return nil
	})
	if err == nil {
		t.Fatal("expected timeout error since cluster lock is held")
	}
}
