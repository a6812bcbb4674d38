package locking

import (
	"context"
	"testing"
	"time"
)

func TestAcquireExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	tok, ok, err := l.Acquire(ctx, "ride1", time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.Acquire(ctx, "ride1", time.Second); ok {
		t.Fatal("second acquire should have been refused")
	}
	if err := l.Release(ctx, "ride1", tok); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := l.Acquire(ctx, "ride1", time.Second); !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestStaleTokenCannotRelease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	_, ok, _ := l.Acquire(ctx, "ride1", time.Second)
	if !ok {
		t.Fatal("acquire failed")
	}
	// wrong token: lock must remain held
	_ = l.Release(ctx, "ride1", "bogus")
	if _, ok, _ := l.Acquire(ctx, "ride1", time.Second); ok {
		t.Fatal("lock released by stale token")
	}
}

func TestLockExpires(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	_, ok, _ := l.Acquire(ctx, "ride1", time.Second)
	if !ok {
		t.Fatal("acquire failed")
	}
	l.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	if _, ok, _ := l.Acquire(ctx, "ride1", time.Second); !ok {
		t.Fatal("expired lock should be acquirable")
	}
}
