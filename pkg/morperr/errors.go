// Package morperr classifies the errors morp's engines can return.
//
// Every backend wraps its failures in a single Error type carrying a Kind,
// rather than a bag of HTTP-status-shaped metadata: the two facts a caller
// actually needs are which of the four error kinds an error is, and whether
// it is worth retrying.
package morperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of four buckets.
type Kind string

const (
	// KindConfiguration covers bad DSNs, missing credentials, unknown
	// serializers -- raised at config time, always fatal.
	KindConfiguration Kind = "configuration"

	// KindTransient covers network errors, lock contention, and
	// missing-table-during-send -- the engine may retry internally.
	KindTransient Kind = "transient"

	// KindPermanent covers authentication failures, bad regions, and
	// anything else that will not resolve itself on retry.
	KindPermanent Kind = "permanent"

	// KindDecode covers decryption/deserialization failure of a received
	// body. The message is never delivered to the handler.
	KindDecode Kind = "decode"
)

// Retryable reports whether an error of this kind is worth retrying
// automatically.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Error is the error type every engine wraps backend failures in before
// returning them to a caller.
type Error struct {
	Kind Kind
	Op   string // e.g. "postgres.recv", "dropfile.send"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("morp: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("morp: %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error of the given kind, or returns nil if err is nil.
// If err already carries a Kind, the original kind is preserved so nested
// engine calls do not get reclassified by an outer wrapper.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Kind: existing.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or something it wraps) is a morp *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

// Sentinel errors used directly by the interface contract (queue package),
// independent of the Kind classification above.
var (
	// ErrNoMessage names the "recv timed out without a message" case. The
	// engines in this module do not return it: their Recv reports that
	// case as (nil, nil).
	ErrNoMessage = errors.New("morp: no message available")

	// ErrQueueNotFound names the "queue does not exist" case. The engines
	// in this module do not return it: the postgres engine detects a
	// missing table from the driver error itself (provision-and-retry on
	// send, a null recv on recv).
	ErrQueueNotFound = errors.New("morp: queue not found")
)

// ReleaseMessage is a handler control-flow sentinel: a handler returns this
// error from Message.Process's handler to force a release with an explicit
// delay instead of the computed backoff.
type ReleaseMessage struct {
	Delay int
}

func (r *ReleaseMessage) Error() string {
	return fmt.Sprintf("morp: release requested (delay=%ds)", r.Delay)
}

// AckMessage is the handler control-flow sentinel a handler returns to force
// an ack despite returning an error (the inverse of ReleaseMessage).
var AckMessage = errors.New("morp: ack requested")
