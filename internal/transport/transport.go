// Copyright (c) 2026 The rpcproxy Authors.

// Package transport defines the external transport-module contract (spec
// §6): a narrow, four-operation interface the proxy drives from its
// single-threaded event loop. The proxy never blocks on it; Receive
// returns without waiting for data to arrive (TCP bounds its wait with a
// one-millisecond read deadline), reporting however many bytes (possibly
// zero) are currently available.
package transport

import "errors"

// Handle identifies one transport-level connection to a peer, opaque to
// everything above this package.
type Handle uint32

// PollToken is whatever the concrete transport considers monitorable by
// the runtime's file-descriptor/event monitor; it is never interpreted
// by the proxy itself, only handed to the monitor integration.
type PollToken interface{}

// ErrWouldBlock is returned by Receive when no bytes are currently
// available; it is not a failure, just "nothing to read yet."
var ErrWouldBlock = errors.New("transport: would block")

// Module is the transport contract of spec §6: create(args),
// send(handle, bytes) -> ok|error, receive(handle, buf, &len) -> ok|error
// with possible short reads, and poll-id(handle) -> monitorable token.
type Module interface {
	// Create establishes a connection described by args (an
	// implementation-defined argument vector, e.g. host:port for a TCP
	// transport) and returns a handle to it.
	Create(args []string) (Handle, error)

	// Send writes data in full or returns an error; partial transport
	// writes are the transport's own problem to retry internally; the
	// proxy never issues a second Send call for the tail of an
	// unfinished one.
	Send(h Handle, data []byte) error

	// Receive copies as many bytes as are currently available (up to
	// len(buf)) into buf and returns the count. It returns
	// (0, ErrWouldBlock) rather than blocking when nothing is ready.
	Receive(h Handle, buf []byte) (n int, err error)

	// PollID returns the token the event loop's monitor integration uses
	// to learn when h becomes readable, hangs up, or errors.
	PollID(h Handle) PollToken

	// Close tears the connection down at the transport level.
	Close(h Handle) error
}

// ReadinessEvent is what the runtime's file-descriptor monitor abstraction
// reports for a polled handle (spec §6: "POLLIN, POLLHUP, POLLERR").
type ReadinessEvent int

const (
	Readable ReadinessEvent = iota
	HangUp
	Errored
)
