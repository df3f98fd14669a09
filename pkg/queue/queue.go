// Package queue defines the backend-neutral interface every morp engine
// implements: connect, close, send, recv, ack, release, count, and the two
// unsafe bulk operations, plus the shared backoff computation the release
// path uses when a caller does not supply an explicit delay.
package queue

import (
	"context"
	"fmt"

	"github.com/jaymon-go/morp/pkg/connection"
)

// Fields is the user-visible field bag of a message: ordinary data plus
// reserved underscore-prefixed metadata. _id, _count, and _classpath are
// always present after Recv; _raw is backend-private and never serialized
// onto the wire (see pkg/codec, which only ever sees the non-underscore
// fields plus _classpath).
type Fields map[string]any

const (
	MetaID        = "_id"
	MetaCount     = "_count"
	MetaClasspath = "_classpath"
	MetaRaw       = "_raw"
)

// ID returns the backend-assigned identifier, or "" if unset.
func (f Fields) ID() string {
	s, _ := f[MetaID].(string)
	return s
}

// Count returns the delivery attempt count, or 0 if unset.
func (f Fields) Count() int {
	switch v := f[MetaCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Classpath returns the registered tag identifying the concrete message
// subtype, or "" if unset.
func (f Fields) Classpath() string {
	s, _ := f[MetaClasspath].(string)
	return s
}

// Clone returns a shallow copy, so callers can mutate metadata without
// aliasing a caller's map.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Interface is the operation set every backend engine implements. All
// methods are safe for concurrent use by multiple goroutines and multiple
// processes against the same queue name.
type Interface interface {
	// Connect establishes the engine's connection pool or session. It is
	// idempotent: calling it again on an already-connected Interface is a
	// no-op.
	Connect(ctx context.Context) error

	// Close tears down the engine's connection pool or session. It is
	// idempotent.
	Close(ctx context.Context) error

	// Send enqueues a new message. If delaySeconds > 0 the message is not
	// claimable until that many seconds from now. Returns the
	// backend-assigned id.
	Send(ctx context.Context, queueName string, fields Fields, delaySeconds int) (id string, err error)

	// Recv atomically claims one ready message and returns it, or returns
	// (nil, nil) if none became available within timeoutSeconds. The
	// returned Fields has _id, _count (the stored delivery count, last
	// bumped by whichever Release preceded this delivery), and _classpath
	// set.
	Recv(ctx context.Context, queueName string, timeoutSeconds int) (Fields, error)

	// Ack permanently removes a claimed message. fields must be (or
	// derive from) a value previously returned by Recv.
	Ack(ctx context.Context, queueName string, fields Fields) error

	// Release returns a claimed message to the ready state. If
	// delaySeconds is 0, the engine computes a backoff delay from the
	// message's current count (see Backoff).
	Release(ctx context.Context, queueName string, fields Fields, delaySeconds int) error

	// Count returns an approximate count of messages in any state. Eventual
	// consistency with recent Send/Ack calls is acceptable.
	Count(ctx context.Context, queueName string) (int, error)

	// UnsafeClear removes every message from the queue without removing
	// the queue itself. Idempotent when the queue does not exist.
	UnsafeClear(ctx context.Context, queueName string) error

	// UnsafeDelete removes the queue (and its messages) entirely.
	// Idempotent when the queue does not exist.
	UnsafeDelete(ctx context.Context, queueName string) error
}

// Backoff computes the release delay for a message currently at the given
// delivery count, per the configured connection options: min(max_timeout,
// count * backoff_multiplier * amplifier), where amplifier defaults to
// count itself (quadratic growth, capped).
func Backoff(cfg *connection.Config, count int) int {
	if count < 1 {
		count = 1
	}
	amplifier := cfg.Amplifier(count)
	delay := count * cfg.BackoffMultiplier * amplifier
	if delay > cfg.MaxTimeout {
		delay = cfg.MaxTimeout
	}
	return delay
}

// ErrUnknownQueue can be returned by Count/UnsafeClear/UnsafeDelete
// implementations that distinguish "queue never existed" from a zero
// count; callers of this package should generally treat it the same as a
// successful no-op, per the idempotence requirement above.
var ErrUnknownQueue = fmt.Errorf("queue: unknown queue")
