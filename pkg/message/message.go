// Package message provides the typed Message model: a schema of user
// fields plus reserved metadata, classpath-tagged polymorphic dispatch on
// receive, and the send/process lifecycle that decides ack/release from a
// handler's outcome.
package message

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jaymon-go/morp/pkg/morperr"
	"github.com/jaymon-go/morp/pkg/queue"
	"github.com/jaymon-go/morp/pkg/telemetry"
)

// Factory builds a zero-value instance of a registered message kind, used
// to hydrate an incoming delivery once its classpath tag is known. This
// replaces the reflective classpath-to-class resolution a dynamically
// typed runtime would do with a static, explicit table populated at
// package init time.
type Factory func() Kind

// Kind is the schema contract a concrete message type implements: how to
// turn itself into a field bag for sending, and how to load itself back
// from one after a receive.
type Kind interface {
	// QueueName returns the queue this kind's instances are sent to and
	// received from, before any registry prefix is applied.
	QueueName() string

	// Classpath returns the tag this kind was registered under. Implementers
	// normally just return the constant passed to Register.
	Classpath() string

	// ToFields flattens the instance's declared fields into the bag that
	// gets encoded onto the wire (metadata keys are added separately by
	// Send/Recv and must not be set here).
	ToFields() queue.Fields

	// FromFields populates the instance from a bag a backend returned.
	// Reserved metadata keys are present in fields but this method only
	// needs to read the user-declared ones.
	FromFields(fields queue.Fields) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register associates a classpath tag with a Factory. Call from an init()
// function in the package declaring the concrete Kind, mirroring how a
// reflective classpath lookup would have found the same class by its
// dotted import path, but resolved at compile time instead of at runtime.
func Register(classpath string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[classpath] = factory
}

func lookup(classpath string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[classpath]
	return f, ok
}

// Handler processes one received message. Its return value selects the
// outcome:
//   - nil: ack
//   - morperr.AckMessage: ack
//   - *morperr.ReleaseMessage: release with the given delay
//   - any other non-nil error: release with computed backoff (unless
//     AckOnError is set, in which case ack), then the error propagates to
//     the caller of Process
type Handler func(ctx context.Context, k Kind) error

// Model binds a Kind's queue operations to a live queue.Interface and
// optional env-prefix, and runs the send/process lifecycle: hydrate on
// receive, dispatch to a handler, then ack or release based on the
// outcome.
type Model struct {
	Interface  queue.Interface
	Prefix     string
	Logger     telemetry.Logger
	Disabled   bool
	AckOnError bool
}

func (m *Model) logger() telemetry.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return telemetry.Nop()
}

func (m *Model) queueName(k Kind) string {
	if m.Prefix == "" {
		return k.QueueName()
	}
	return m.Prefix + "-" + k.QueueName()
}

// Send builds fields from k, injects _classpath, and sends via the bound
// Interface. Returns the backend-assigned id. In disabled mode (MORP_DISABLED
// discovered by the registry), Send logs and returns an empty id without
// doing any backend I/O.
func (m *Model) Send(ctx context.Context, k Kind, delaySeconds int) (string, error) {
	if m.Disabled {
		m.logger().Info("message: send suppressed (disabled mode)", map[string]any{
			"queue": m.queueName(k), "classpath": k.Classpath(),
		})
		return "", nil
	}

	fields := k.ToFields()
	if fields == nil {
		fields = queue.Fields{}
	}
	fields[queue.MetaClasspath] = k.Classpath()

	id, err := m.Interface.Send(ctx, m.queueName(k), fields, delaySeconds)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Recv receives one message for the queue k routes to, and hydrates it
// into a fresh instance of whatever concrete Kind its _classpath names.
// When _classpath is unset or unregistered, k itself is populated from the
// fields and returned (degrading to k's own type).
func (m *Model) Recv(ctx context.Context, k Kind, timeoutSeconds int) (Kind, queue.Fields, error) {
	queueName := m.queueName(k)
	fields, err := m.Interface.Recv(ctx, queueName, timeoutSeconds)
	if err != nil {
		return nil, nil, err
	}
	if fields == nil {
		return nil, nil, nil
	}

	hydrated, err := hydrate(k, fields)
	if err != nil {
		return nil, nil, err
	}
	return hydrated, fields, nil
}

func hydrate(fallback Kind, fields queue.Fields) (Kind, error) {
	classpath := fields.Classpath()
	if classpath == "" {
		if err := fallback.FromFields(fields); err != nil {
			return nil, morperr.Wrap(morperr.KindDecode, "message.hydrate", err)
		}
		return fallback, nil
	}

	factory, ok := lookup(classpath)
	if !ok {
		if err := fallback.FromFields(fields); err != nil {
			return nil, morperr.Wrap(morperr.KindDecode, "message.hydrate", err)
		}
		return fallback, nil
	}

	instance := factory()
	if err := instance.FromFields(fields); err != nil {
		return nil, morperr.Wrap(morperr.KindDecode, "message.hydrate", err)
	}
	return instance, nil
}

// Outcome is what Process decided to do with one received delivery.
type Outcome string

const (
	OutcomeAcked     Outcome = "acked"
	OutcomeReleased  Outcome = "released"
	OutcomeNoMessage Outcome = "no_message"
)

// processOne receives, hydrates, runs handler, and applies the ack/release
// policy. It never returns a nil error for a handler error: the error
// propagates to the caller after the release/ack side effect has already
// happened, matching the "never silently lose a message" requirement.
func (m *Model) processOne(ctx context.Context, k Kind, timeoutSeconds int, handler Handler) (Outcome, error) {
	hydrated, fields, err := m.Recv(ctx, k, timeoutSeconds)
	if err != nil {
		return "", err
	}
	if hydrated == nil {
		return OutcomeNoMessage, nil
	}

	queueName := m.queueName(k)
	handlerErr := handler(ctx, hydrated)

	switch {
	case handlerErr == nil:
		if err := m.Interface.Ack(ctx, queueName, fields); err != nil {
			return "", err
		}
		return OutcomeAcked, nil

	case errors.Is(handlerErr, morperr.AckMessage):
		if err := m.Interface.Ack(ctx, queueName, fields); err != nil {
			return "", err
		}
		return OutcomeAcked, nil

	default:
		var release *morperr.ReleaseMessage
		if errors.As(handlerErr, &release) {
			if err := m.Interface.Release(ctx, queueName, fields, release.Delay); err != nil {
				return "", err
			}
			return OutcomeReleased, nil
		}

		if m.AckOnError {
			if err := m.Interface.Ack(ctx, queueName, fields); err != nil {
				return "", err
			}
			return OutcomeAcked, handlerErr
		}
		if err := m.Interface.Release(ctx, queueName, fields, 0); err != nil {
			return "", err
		}
		return OutcomeReleased, handlerErr
	}
}

// Process receives and dispatches up to count messages (count <= 0 means
// unbounded; the caller's context cancellation is the only way to stop
// it). It returns the first handler error encountered, after that
// message's release/ack side effect has already run; processing continues
// through count regardless, since a single handler's error is not a
// reason to stop delivering the rest of the queue.
func (m *Model) Process(ctx context.Context, k Kind, timeoutSeconds, count int, handler Handler) error {
	var firstErr error
	processed := 0
	for count <= 0 || processed < count {
		outcome, err := m.processOne(ctx, k, timeoutSeconds, handler)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
		if outcome == OutcomeNoMessage {
			if count <= 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					continue
				}
			}
			continue
		}
		processed++
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return firstErr
}

// Count returns the approximate message count for k's queue.
func (m *Model) Count(ctx context.Context, k Kind) (int, error) {
	return m.Interface.Count(ctx, m.queueName(k))
}

// Clear removes every message from k's queue without deleting the queue.
func (m *Model) Clear(ctx context.Context, k Kind) error {
	return m.Interface.UnsafeClear(ctx, m.queueName(k))
}

// errNotRegistered is returned by Hydrate (the exported wrapper used by
// tests and callers outside this package) when a classpath has no
// registered factory.
var errNotRegistered = fmt.Errorf("message: classpath not registered")

// Hydrate is the exported form of hydrate, for callers (e.g. the CLI) that
// need to dispatch on classpath without a Model in hand.
func Hydrate(classpath string, fields queue.Fields) (Kind, error) {
	factory, ok := lookup(classpath)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errNotRegistered, classpath)
	}
	instance := factory()
	if err := instance.FromFields(fields); err != nil {
		return nil, morperr.Wrap(morperr.KindDecode, "message.hydrate", err)
	}
	return instance, nil
}
