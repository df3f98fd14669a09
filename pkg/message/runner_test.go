package message

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunDistributesAcrossWorkers(t *testing.T) {
	iface := newMemInterface()
	m := &Model{Interface: iface}
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		if _, err := m.Send(ctx, &orderCreated{OrderID: "o"}, 0); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	var handled int64
	err := m.Run(ctx, &orderCreated{}, 1, total, 4, func(ctx context.Context, k Kind) error {
		atomic.AddInt64(&handled, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt64(&handled); got != total {
		t.Fatalf("got %d handled, want %d", got, total)
	}
	n, _ := m.Count(ctx, &orderCreated{})
	if n != 0 {
		t.Fatalf("got %d remaining, want 0", n)
	}
}

func TestRunPropagatesFirstWorkerError(t *testing.T) {
	iface := newMemInterface()
	m := &Model{Interface: iface}
	ctx := context.Background()
	boom := errors.New("boom")

	if _, err := m.Send(ctx, &orderCreated{OrderID: "o1"}, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	err := m.Run(ctx, &orderCreated{}, 1, 1, 2, func(ctx context.Context, k Kind) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
}

func TestCountShareUnboundedAlwaysGrants(t *testing.T) {
	share := newCountShare(0)
	for i := 0; i < 1000; i++ {
		if !share.available() {
			t.Fatalf("unbounded share refused available() at iteration %d", i)
		}
	}
}

func TestCountShareExhausts(t *testing.T) {
	share := newCountShare(3)
	granted := 0
	for share.available() {
		granted++
		share.consume()
	}
	if granted != 3 {
		t.Fatalf("got %d grants, want 3", granted)
	}
}

// TestRunNoMessageTimeoutsDoNotConsumeBudget guards against a regression
// where a worker's empty recv (no message within timeoutSeconds) ate into
// the shared count budget: with fewer ready messages than count, Run
// should keep waiting for more rather than exiting early once attempts
// happen to equal count.
func TestRunNoMessageTimeoutsDoNotConsumeBudget(t *testing.T) {
	iface := newMemInterface()
	m := &Model{Interface: iface}

	const available = 2
	for i := 0; i < available; i++ {
		if _, err := m.Send(context.Background(), &orderCreated{OrderID: "o"}, 0); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var handled int64
	err := m.Run(ctx, &orderCreated{}, 0, 5, 1, func(ctx context.Context, k Kind) error {
		atomic.AddInt64(&handled, 1)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
	if got := atomic.LoadInt64(&handled); got != available {
		t.Fatalf("got %d handled, want %d (budget must not be consumed by no-message timeouts)", got, available)
	}
}
