// Package ierrors implements the error taxonomy of spec §7: every error
// that crosses a subsystem boundary is classified so callers can decide,
// without string matching, whether to retry, surface a protocol error to
// the client, or mark an image not-working.
package ierrors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind classifies an error per §7's taxonomy.
type Kind int

const (
	// KindTransientUpstream: socket error, short read, timeout. Recovered
	// locally by the uplink; never surfaced to a client while an alt-server
	// remains.
	KindTransientUpstream Kind = iota

	// KindDataIntegrity: CRC mismatch on read-back or integrity check.
	KindDataIntegrity

	// KindExhaustion: all alt-servers unreachable, queue full, disk full.
	KindExhaustion

	// KindPermanentImage: size changed at runtime, backing file unreadable.
	KindPermanentImage

	// KindProtocolMismatch: rid mismatch on handshake, unsupported protocol
	// version.
	KindProtocolMismatch

	// KindFatal: out-of-memory allocating core structures, lock
	// initialization failure. Must not occur in steady state.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransientUpstream:
		return "transient-upstream"
	case KindDataIntegrity:
		return "data-integrity"
	case KindExhaustion:
		return "exhaustion"
	case KindPermanentImage:
		return "permanent-image"
	case KindProtocolMismatch:
		return "protocol-mismatch"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified, wrapped error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err under kind, recording the operation that observed it.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) is classified as kind.
func Is(err error, kind Kind) bool {
	var ie *Error

	if xerrors.As(err, &ie) {
		return ie.Kind == kind
	}

	return false
}

// Fatal wraps err with a stack trace for conditions the design declares
// must never occur in steady state (§7 "Fatal"): callers are expected to
// log-and-abort rather than recover.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: KindFatal, Op: op, Err: goerrors.Wrap(err, 1)}
}
