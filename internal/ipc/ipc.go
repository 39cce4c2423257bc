// Copyright (c) 2026 The rpcproxy Authors.

// Package ipc defines the local IPC fabric contract (spec §6): the
// narrow set of operations the proxy uses to create sessions and
// services, advertise and withdraw bindings, build and send local
// messages, and register completion and close callbacks. The real
// embedding application's IPC runtime implements Fabric; tests and
// cmd/rpcproxyd's development mode use the in-memory Fake below.
package ipc

import "context"

// SessionID names a local client session opened against a required
// service.
type SessionID uint64

// MessageHandle is an opaque local message, created via Fabric.NewMessage
// and completed via Send or, on the server side, via the completion
// callback passed to RequestResponse.
type MessageHandle interface {
	// Payload returns the message's mutable payload buffer.
	Payload() []byte
	// SetPayload overwrites the message's payload. A fabric may truncate
	// data longer than the binding's configured max message size; Fake
	// stores it whole.
	SetPayload(data []byte)
	// Fd returns the embedded file descriptor, if any was set via SetFd.
	Fd() (fdNum int, ok bool)
	// SetFd embeds a file descriptor in the message for transfer to the
	// other end of the IPC session.
	SetFd(fdNum int)
}

// CompletionFunc is invoked by the local server binding when it finishes
// handling a request; resp is the message to send back, and ctx is the
// opaque context the proxy supplied to RequestResponse (the request's
// uint32 proxy-message-id) so the proxy can address the SERVER_RESPONSE
// it sends back.
type CompletionFunc func(resp MessageHandle, ctx interface{})

// CloseFunc is invoked when a local session this proxy opened (or was
// handed) closes, so request tracking and file streams scoped to it can
// be released.
type CloseFunc func(sessionID SessionID)

// Fabric is the local IPC contract the proxy is built against.
type Fabric interface {
	// SessionCreate opens a new local session against a required-client
	// binding, handle identifying which local binding to target.
	SessionCreate(ctx context.Context, handle string) (SessionID, error)

	// ServiceCreate registers a local server binding so remote
	// CONNECT_SERVICE_REQUESTs for it can be satisfied; handle identifies
	// which exported-server binding.
	ServiceCreate(handle string) error

	// ServiceAdvertise makes a bound service visible to local clients.
	ServiceAdvertise(handle string) error

	// ServiceDelete withdraws a previously advertised service.
	ServiceDelete(handle string) error

	// NewMessage allocates a fresh local message handle scoped to
	// sessionID, up to maxSize bytes of payload.
	NewMessage(sessionID SessionID, maxSize int) (MessageHandle, error)

	// Send delivers msg on sessionID without awaiting a response (used
	// for one-way traffic, such as returning a SERVER_RESPONSE payload
	// locally to the waiting client session).
	Send(sessionID SessionID, msg MessageHandle) error

	// RequestResponse delivers msg on sessionID and arranges for done to
	// be invoked with the local server's reply. opaque is carried through
	// unchanged to done's ctx argument.
	RequestResponse(sessionID SessionID, msg MessageHandle, opaque interface{}, done CompletionFunc) error

	// CloseSession closes a local session this proxy owns.
	CloseSession(sessionID SessionID) error

	// OnClose registers fn to be invoked when sessionID closes for any
	// other reason (the remote peer/local process going away).
	OnClose(sessionID SessionID, fn CloseFunc)
}
