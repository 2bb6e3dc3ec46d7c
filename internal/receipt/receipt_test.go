package receipt

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSingleShotRoundTrip(t *testing.T) {
	m := New(zap.NewNop())
	n, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	m.WatchSingleShot(n)

	if !m.ReturnReceipt(n, []byte("ok")) {
		t.Fatal("ReturnReceipt reported no waiter")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := m.Wait(ctx, n)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(data) != "ok" {
		t.Fatalf("data = %q, want ok", data)
	}
}

func TestMultiShotDeliversInOrder(t *testing.T) {
	m := New(zap.NewNop())
	n, _ := NewNonce()
	m.WatchMultiShot(n, 2)

	m.ReturnReceipt(n, []byte("first"))
	m.ReturnReceipt(n, []byte("second"))

	ctx := context.Background()
	first, err := m.Wait(ctx, n)
	if err != nil {
		t.Fatalf("Wait 1: %v", err)
	}
	if string(first) != "first" {
		t.Fatalf("first = %q", first)
	}
	second, err := m.Wait(ctx, n)
	if err != nil {
		t.Fatalf("Wait 2: %v", err)
	}
	if string(second) != "second" {
		t.Fatalf("second = %q", second)
	}
}

func TestReturnReceiptUnknownNonce(t *testing.T) {
	m := New(zap.NewNop())
	n, _ := NewNonce()
	if m.ReturnReceipt(n, nil) {
		t.Fatal("expected no waiter for unregistered nonce")
	}
}

func TestWaitTimesOutOnContextCancel(t *testing.T) {
	m := New(zap.NewNop())
	n, _ := NewNonce()
	m.WatchSingleShot(n)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Wait(ctx, n)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestCancelRemovesWaiter(t *testing.T) {
	m := New(zap.NewNop())
	n, _ := NewNonce()
	m.WatchSingleShot(n)
	m.Cancel(n)
	if m.ReturnReceipt(n, nil) {
		t.Fatal("canceled waiter should not accept a receipt")
	}
}

func TestSweepDropsStaleWaiters(t *testing.T) {
	m := New(zap.NewNop())
	n, _ := NewNonce()
	m.WatchSingleShot(n)
	m.mu.Lock()
	m.waiters[n].createdAt = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.Sweep(time.Minute)
	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after sweep", m.Len())
	}
}
