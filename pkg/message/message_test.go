package message

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jaymon-go/morp/pkg/morperr"
	"github.com/jaymon-go/morp/pkg/queue"
)

// memInterface is an in-memory queue.Interface good enough to exercise
// Model's send/recv/ack/release dispatch logic without a real backend.
type memInterface struct {
	mu       sync.Mutex
	queues   map[string][]queue.Fields
	inflight map[string]bool
	nextID   int
}

func newMemInterface() *memInterface {
	return &memInterface{queues: map[string][]queue.Fields{}, inflight: map[string]bool{}}
}

func (m *memInterface) Connect(ctx context.Context) error { return nil }
func (m *memInterface) Close(ctx context.Context) error   { return nil }

func (m *memInterface) Send(ctx context.Context, name string, fields queue.Fields, delay int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := string(rune('a' + m.nextID))
	f := fields.Clone()
	f[queue.MetaID] = id
	f[queue.MetaCount] = 0
	m.queues[name] = append(m.queues[name], f)
	return id, nil
}

func (m *memInterface) Recv(ctx context.Context, name string, timeout int) (queue.Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.queues[name] {
		if m.inflight[msg.ID()] {
			continue
		}
		f := msg.Clone()
		f[queue.MetaCount] = f.Count() + 1
		m.queues[name][i] = f
		m.inflight[f.ID()] = true
		return f, nil
	}
	return nil, nil
}

func (m *memInterface) Ack(ctx context.Context, name string, fields queue.Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, fields.ID())
	msgs := m.queues[name]
	for i, f := range msgs {
		if f.ID() == fields.ID() {
			m.queues[name] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memInterface) Release(ctx context.Context, name string, fields queue.Fields, delay int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, fields.ID())
	return nil
}

func (m *memInterface) Count(ctx context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[name]), nil
}

func (m *memInterface) UnsafeClear(ctx context.Context, name string) error {
	m.queues[name] = nil
	return nil
}

func (m *memInterface) UnsafeDelete(ctx context.Context, name string) error {
	delete(m.queues, name)
	return nil
}

// orderCreated and orderShipped are two message kinds routed to the same
// queue, to exercise polymorphic dispatch by classpath.
type orderCreated struct{ OrderID string }

func (o *orderCreated) QueueName() string  { return "orders" }
func (o *orderCreated) Classpath() string  { return "orders.Created" }
func (o *orderCreated) ToFields() queue.Fields {
	return queue.Fields{"order_id": o.OrderID}
}
func (o *orderCreated) FromFields(f queue.Fields) error {
	o.OrderID, _ = f["order_id"].(string)
	return nil
}

type orderShipped struct{ OrderID string }

func (o *orderShipped) QueueName() string { return "orders" }
func (o *orderShipped) Classpath() string { return "orders.Shipped" }
func (o *orderShipped) ToFields() queue.Fields {
	return queue.Fields{"order_id": o.OrderID}
}
func (o *orderShipped) FromFields(f queue.Fields) error {
	o.OrderID, _ = f["order_id"].(string)
	return nil
}

func init() {
	Register("orders.Created", func() Kind { return &orderCreated{} })
	Register("orders.Shipped", func() Kind { return &orderShipped{} })
}

func TestPolymorphicDispatch(t *testing.T) {
	iface := newMemInterface()
	m := &Model{Interface: iface}
	ctx := context.Background()

	if _, err := m.Send(ctx, &orderCreated{OrderID: "o1"}, 0); err != nil {
		t.Fatalf("Send Created: %v", err)
	}
	if _, err := m.Send(ctx, &orderShipped{OrderID: "o1"}, 0); err != nil {
		t.Fatalf("Send Shipped: %v", err)
	}

	first, _, err := m.Recv(ctx, &orderCreated{}, 1)
	if err != nil {
		t.Fatalf("Recv first: %v", err)
	}
	if _, ok := first.(*orderCreated); !ok {
		t.Fatalf("got %T, want *orderCreated", first)
	}

	second, _, err := m.Recv(ctx, &orderCreated{}, 1)
	if err != nil {
		t.Fatalf("Recv second: %v", err)
	}
	if _, ok := second.(*orderShipped); !ok {
		t.Fatalf("got %T, want *orderShipped", second)
	}
}

func TestProcessAcksOnNilHandlerError(t *testing.T) {
	iface := newMemInterface()
	m := &Model{Interface: iface}
	ctx := context.Background()

	if _, err := m.Send(ctx, &orderCreated{OrderID: "o1"}, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	handled := 0
	err := m.Process(ctx, &orderCreated{}, 1, 1, func(ctx context.Context, k Kind) error {
		handled++
		return nil
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if handled != 1 {
		t.Fatalf("got %d handler calls, want 1", handled)
	}
	n, _ := m.Count(ctx, &orderCreated{})
	if n != 0 {
		t.Fatalf("got %d remaining, want 0 (acked)", n)
	}
}

func TestProcessReleaseMessageSentinel(t *testing.T) {
	iface := newMemInterface()
	m := &Model{Interface: iface}
	ctx := context.Background()

	if _, err := m.Send(ctx, &orderCreated{OrderID: "o1"}, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	err := m.Process(ctx, &orderCreated{}, 1, 1, func(ctx context.Context, k Kind) error {
		return &morperr.ReleaseMessage{Delay: 30}
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	n, _ := m.Count(ctx, &orderCreated{})
	if n != 1 {
		t.Fatalf("got %d remaining, want 1 (released, not acked)", n)
	}
}

func TestProcessOtherErrorReleasesAndPropagates(t *testing.T) {
	iface := newMemInterface()
	m := &Model{Interface: iface}
	ctx := context.Background()
	boom := errors.New("boom")

	if _, err := m.Send(ctx, &orderCreated{OrderID: "o1"}, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	err := m.Process(ctx, &orderCreated{}, 1, 1, func(ctx context.Context, k Kind) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom to propagate", err)
	}
	n, _ := m.Count(ctx, &orderCreated{})
	if n != 1 {
		t.Fatalf("got %d remaining, want 1 (released on error)", n)
	}
}

func TestSendDisabledIsNoop(t *testing.T) {
	iface := newMemInterface()
	m := &Model{Interface: iface, Disabled: true}
	ctx := context.Background()

	id, err := m.Send(ctx, &orderCreated{OrderID: "o1"}, 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "" {
		t.Fatalf("got id %q, want empty in disabled mode", id)
	}
	n, _ := m.Count(ctx, &orderCreated{})
	if n != 0 {
		t.Fatalf("got %d messages, want 0 (disabled send should not enqueue)", n)
	}
}
