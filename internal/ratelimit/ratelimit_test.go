package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWait_UnderCapIsImmediate(t *testing.T) {
	l := New(3, time.Hour)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			if err := l.Wait(ctx, "acct-1"); err != nil {
				t.Errorf("wait %d: %v", i, err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("admissions under the cap should not block")
	}
}

func TestWait_BlocksAtCapUntilReset(t *testing.T) {
	l := New(2, 80*time.Millisecond)
	ctx := context.Background()

	if err := l.Wait(ctx, "acct-1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Wait(ctx, "acct-1"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "acct-1"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("third admission returned after %v, want a wait until window reset", elapsed)
	}
}

func TestWait_WindowResetClearsCounter(t *testing.T) {
	l := New(2, time.Hour)
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }

	ctx := context.Background()
	_ = l.Wait(ctx, "acct-1")
	_ = l.Wait(ctx, "acct-1")

	// Move past the window boundary: the counter resets, it is not decremented.
	base = base.Add(time.Hour + time.Second)
	done := make(chan error, 1)
	go func() { done <- l.Wait(ctx, "acct-1") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("admission after window reset should be immediate")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if got := l.windows["acct-1"].count; got != 1 {
		t.Fatalf("count after reset = %d, want 1", got)
	}
}

func TestWait_KeysAreIndependent(t *testing.T) {
	l := New(1, time.Hour)
	ctx := context.Background()

	if err := l.Wait(ctx, "acct-1"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Wait(ctx, "acct-2") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("a saturated key must not block other keys")
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	l := New(1, time.Hour)
	_ = l.Wait(context.Background(), "acct-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Wait(ctx, "acct-1") }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
}
