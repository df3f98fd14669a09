package dropfile

import (
	"context"
	"testing"
	"time"

	"github.com/jaymon-go/morp/pkg/connection"
	"github.com/jaymon-go/morp/pkg/queue"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg, err := connection.Parse("dropfile:///" + dir + "?serializer=json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	e := New(dir, cfg)
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return e
}

func TestSendRecvAckRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Send(ctx, "Q", queue.Fields{"foo": float64(1), "bar": float64(2)}, 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty id")
	}

	n, err := e.Count(ctx, "Q")
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v; want 1, nil", n, err)
	}

	got, err := e.Recv(ctx, "Q", 1)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a message")
	}
	if got.ID() != id {
		t.Fatalf("got id %q, want %q", got.ID(), id)
	}
	if got.Count() != 1 {
		t.Fatalf("got count %d, want 1", got.Count())
	}
	if got["foo"] != float64(1) {
		t.Fatalf("got foo=%v", got["foo"])
	}

	if err := e.Ack(ctx, "Q", got); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	n, err = e.Count(ctx, "Q")
	if err != nil || n != 0 {
		t.Fatalf("Count after ack = %d, %v; want 0, nil", n, err)
	}
}

func TestRecvTimeoutOnEmptyQueue(t *testing.T) {
	e := newTestEngine(t)
	start := time.Now()
	got, err := e.Recv(context.Background(), "EmptyQ", 1)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil on timeout")
	}
	if elapsed < time.Second {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestReleaseRequeuesWithIncrementedCount(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Send(ctx, "Q", queue.Fields{"x": float64(1)}, 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	first, err := e.Recv(ctx, "Q", 1)
	if err != nil || first == nil {
		t.Fatalf("Recv first: %v", err)
	}
	if first.Count() != 1 {
		t.Fatalf("got count %d, want 1", first.Count())
	}

	if err := e.Release(ctx, "Q", first, 0); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Release(0) at count 1 computes a backoff of 1*5*1 = 5s under the
	// default options, so the second Recv must wait past that.
	second, err := e.Recv(ctx, "Q", 6)
	if err != nil || second == nil {
		t.Fatalf("Recv second: %v", err)
	}
	if second.ID() != id {
		t.Fatalf("got id %q, want %q", second.ID(), id)
	}
	if second.Count() <= first.Count() {
		t.Fatalf("got count %d, want > %d", second.Count(), first.Count())
	}
}

func TestDelayedReleaseHidesMessageUntilDue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Send(ctx, "Q", queue.Fields{"x": float64(1)}, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	claimed, err := e.Recv(ctx, "Q", 1)
	if err != nil || claimed == nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := e.Release(ctx, "Q", claimed, 2); err != nil {
		t.Fatalf("Release: %v", err)
	}

	none, err := e.Recv(ctx, "Q", 1)
	if err != nil {
		t.Fatalf("Recv during delay: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil while release delay has not elapsed")
	}
}

func TestUnsafeDeleteOnMissingQueueIsNoop(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if err := e.UnsafeDelete(ctx, "NeverExisted"); err != nil {
		t.Fatalf("UnsafeDelete: %v", err)
	}
	n, err := e.Count(ctx, "NeverExisted")
	if err != nil || n != 0 {
		t.Fatalf("Count = %d, %v; want 0, nil", n, err)
	}
}

func TestDropfileNameRoundTrip(t *testing.T) {
	n := dropfileName{timestampNS: 1234567890, id: "abc-def", count: 3}
	parsed, ok := parseDropfileName(n.String())
	if !ok {
		t.Fatalf("failed to parse %q", n.String())
	}
	if parsed != n {
		t.Fatalf("got %#v, want %#v", parsed, n)
	}
}

func TestConcurrentClaimsAreMutuallyExclusive(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Send(ctx, "Q", queue.Fields{"x": float64(1)}, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	results := make(chan queue.Fields, 2)
	for i := 0; i < 2; i++ {
		go func() {
			got, _ := e.Recv(ctx, "Q", 1)
			results <- got
		}()
	}

	var nonNil int
	for i := 0; i < 2; i++ {
		if r := <-results; r != nil {
			nonNil++
		}
	}
	if nonNil != 1 {
		t.Fatalf("got %d non-nil claims, want exactly 1", nonNil)
	}
}
