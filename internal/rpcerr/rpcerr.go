// Copyright (c) 2026 The rpcproxy Authors.

// Package rpcerr defines the error taxonomy that every engine component
// reports through: a closed set of sentinel Kinds, each carrying the local
// action and wire consequence the design calls for.
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories the engine distinguishes when
// deciding whether to tear down a link, a service, or just answer the
// caller.
type Kind int

const (
	_ Kind = iota

	// TransportFailure: send/receive on the transport module returned an
	// error. The link is dropped and every dependent released.
	TransportFailure

	// FormatError: the receiver saw an unexpected CBOR item, an unknown
	// semantic tag, or a truncated header. The link is dropped. (An
	// invalid FILESTREAM_MESSAGE flag combination is not a FormatError: it
	// drops only that stream, with a FORCE_CLOSE to the peer.)
	FormatError

	// ResourceExhausted: a bounded table (service bindings, in-flight
	// messages, file streams, context records) was full. The link stays
	// up; the caller gets a no-memory response.
	ResourceExhausted

	// ProtocolMismatch: a CONNECT_SERVICE_REQUEST named a protocol-id that
	// does not match the locally configured one. The link stays up.
	ProtocolMismatch

	// ServiceUnavailable: a local client requested a service that has no
	// bound wire endpoint. Dropped at the sender.
	ServiceUnavailable

	// ClientTimeout: a pending request's expiry timer fired before a
	// response arrived.
	ClientTimeout

	// StreamError: file-stream I/O failed locally.
	StreamError
)

func (k Kind) String() string {
	switch k {
	case TransportFailure:
		return "transport failure"
	case FormatError:
		return "format error"
	case ResourceExhausted:
		return "resource exhausted"
	case ProtocolMismatch:
		return "protocol mismatch"
	case ServiceUnavailable:
		return "service unavailable"
	case ClientTimeout:
		return "client timeout"
	case StreamError:
		return "stream error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error wraps an underlying cause with the Kind the design's error
// taxonomy (spec §7) assigns to it.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind wrapping cause. cause may be nil.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf builds an *Error of the given kind with a formatted cause.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
