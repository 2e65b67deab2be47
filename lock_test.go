package velox

import (
	"testing"
	"time"
)

func TestLockManagerSharedLocksCompatible(t *testing.T) {
	lm := NewLockManager()
	if !lm.Acquire("k", "tx1", LockShared) {
		t.Fatalf("tx1 should acquire shared lock")
	}
	if !lm.AcquireTimeout("k", "tx2", LockShared, 50*time.Millisecond) {
		t.Fatalf("tx2 should also acquire shared lock concurrently")
	}
}

func TestLockManagerExclusiveBlocksOthers(t *testing.T) {
	lm := NewLockManager()
	if !lm.Acquire("k", "tx1", LockExclusive) {
		t.Fatalf("tx1 should acquire exclusive lock")
	}
	if lm.AcquireTimeout("k", "tx2", LockShared, 50*time.Millisecond) {
		t.Fatalf("tx2 should not acquire shared lock while tx1 holds exclusive")
	}
}

func TestLockManagerReleaseWakesWaiter(t *testing.T) {
	lm := NewLockManager()
	if !lm.Acquire("k", "tx1", LockExclusive) {
		t.Fatalf("tx1 should acquire exclusive lock")
	}

	done := make(chan bool, 1)
	go func() {
		done <- lm.AcquireTimeout("k", "tx2", LockExclusive, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	lm.Release("k", "tx1")

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("tx2 should acquire lock after tx1 releases")
		}
	case <-time.After(time.Second):
		t.Fatalf("tx2 never woke up after release")
	}
}

func TestLockManagerReleaseAll(t *testing.T) {
	lm := NewLockManager()
	lm.Acquire("k1", "tx1", LockExclusive)
	lm.Acquire("k2", "tx1", LockShared)

	lm.ReleaseAll("tx1")

	if lm.Holds("k1", "tx1", LockShared) || lm.Holds("k2", "tx1", LockShared) {
		t.Fatalf("expected all locks released")
	}
	if !lm.Acquire("k1", "tx2", LockExclusive) {
		t.Fatalf("tx2 should be able to acquire k1 after release")
	}
}
