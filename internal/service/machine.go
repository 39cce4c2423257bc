// Copyright (c) 2026 The rpcproxy Authors.

// Package service implements the per-(system, service, protocol) binding
// lifecycle (spec §4.E): the IDLE/CONNECT_PENDING/BOUND/DISCONNECTING
// state machine that drives a CONNECT_SERVICE_REQUEST/RESPONSE exchange
// and its retry timer on the exporting side, and the passive bind on the
// requiring side.
package service

import (
	"context"
	"fmt"
	"time"
)

// Role distinguishes which end of a binding this machine tracks.
type Role int

const (
	// RoleExporter is held by the node that hosts the server and
	// actively connects out, retrying until a peer accepts.
	RoleExporter Role = iota
	// RoleRequirer is held by the node that requires the service as a
	// client and reacts to an incoming CONNECT_SERVICE_REQUEST.
	RoleRequirer
)

func (r Role) String() string {
	if r == RoleExporter {
		return "exporter"
	}
	return "requirer"
}

// State is one of the four lifecycle states spec §4.E's diagram names.
type State int

const (
	Idle State = iota
	ConnectPending
	Bound
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case ConnectPending:
		return "CONNECT_PENDING"
	case Bound:
		return "BOUND"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Machine is one binding's lifecycle state. It holds no I/O handles and
// performs no network or IPC calls itself; callers drive it with the
// events below and act on the returned intents (send this message, start
// this timer, advertise this binding), matching the single-threaded
// event-loop model of §5: the machine is plain data manipulated
// synchronously by the loop, never touched from another goroutine.
type Machine struct {
	System   string
	Service  string
	Protocol string
	Role     Role

	State     State
	ServiceID uint32

	// awaitingResponse tracks whether a CONNECT_SERVICE_REQUEST is still
	// outstanding with no OK response yet, independent of the retry
	// timer's own elapsed time (original_source addendum: once an OK
	// response has arrived the retry timer must not resend). An error
	// response leaves it set so the retry timer keeps driving attempts.
	awaitingResponse bool

	// quiescing is set by Quiesce and reported by Quiescing; the request
	// tracker does not read it (Quiesce's caller passes in the pending
	// count to drain on).
	quiescing bool
}

// NewMachine returns a fresh IDLE machine for the given binding.
func NewMachine(role Role, system, service, protocol string) *Machine {
	return &Machine{Role: role, System: system, Service: service, Protocol: protocol, State: Idle}
}

// LinkUp is delivered when the peer link carrying this binding comes UP.
// It reports whether the caller should now send a CONNECT_SERVICE_REQUEST
// and arm the retry timer; only the exporting role ever does so.
func (m *Machine) LinkUp() (sendRequest bool) {
	if m.Role != RoleExporter || m.State != Idle {
		return false
	}
	m.State = ConnectPending
	m.awaitingResponse = true
	return true
}

// RetryTimerFired is delivered when the exporter's retry timer elapses.
// It reports whether to resend the request and rearm the timer: it
// declines once an OK response has already arrived (the addendum's
// dedup rule) or the binding has moved out of CONNECT_PENDING.
func (m *Machine) RetryTimerFired() (resend bool) {
	if m.Role != RoleExporter || m.State != ConnectPending || !m.awaitingResponse {
		return false
	}
	return true
}

// ConnectResponse is delivered to the exporter on a matching
// CONNECT_SERVICE_RESPONSE. ok reflects an OK service-code; on success
// the binding moves to BOUND and the caller must advertise the service
// to the local IPC fabric and stop the retry timer. On failure the
// binding stays CONNECT_PENDING for the retry timer to drive another
// attempt.
func (m *Machine) ConnectResponse(ok bool, serviceID uint32) (bound bool, advertise bool) {
	if m.Role != RoleExporter || m.State != ConnectPending {
		return false, false
	}
	if !ok {
		return false, false
	}
	m.awaitingResponse = false
	m.ServiceID = serviceID
	m.State = Bound
	return true, true
}

// ConnectRequestReceived is delivered to the requirer when a peer's
// CONNECT_SERVICE_REQUEST names this (service, protocol). remoteServiceID
// is the service-id the peer sent, which becomes this binding's table key
// on success (spec §4.E: "the service-id sent by the peer is adopted as
// the table key"). sessionOK is the outcome of the caller's attempt to
// open the local session; the return value is the service-code to place
// in the CONNECT_SERVICE_RESPONSE.
func (m *Machine) ConnectRequestReceived(remoteServiceID uint32, sessionOK bool) (serviceCode uint32) {
	if m.Role != RoleRequirer {
		return codeFormatError
	}
	if m.Protocol == "" {
		return codeFormatError
	}
	if !sessionOK {
		return codeNoMemory
	}
	m.ServiceID = remoteServiceID
	m.State = Bound
	return codeOK
}

const (
	codeOK          uint32 = 0
	codeFormatError uint32 = 1
	codeNoMemory    uint32 = 2
)

// ProtocolMismatch is delivered to the requirer when an inbound
// CONNECT_SERVICE_REQUEST names a protocol-id that does not match the
// locally configured one. The binding stays IDLE; the caller sends a
// format-error CONNECT_SERVICE_RESPONSE.
func (m *Machine) ProtocolMismatch() {
	// State deliberately unchanged: "remains in IDLE until a matching
	// peer appears" (spec §4.E).
}

// Disconnect is delivered whether DISCONNECT_SERVICE was received from
// the peer or initiated locally. It reports whether the binding was
// BOUND (and so the caller must tear down pending requests and owned
// streams on it) and, for the exporting role, that a fresh
// CONNECT_SERVICE_REQUEST should be scheduled so transient peer restarts
// heal automatically.
func (m *Machine) Disconnect() (wasBound bool, rescheduleConnect bool) {
	wasBound = m.State == Bound
	m.State = Idle
	m.ServiceID = 0 // the id was released with the binding; a reconnect mints afresh
	m.awaitingResponse = false
	m.quiescing = false

	if m.Role == RoleExporter {
		m.State = ConnectPending
		m.awaitingResponse = true
		return wasBound, true
	}
	return wasBound, false
}

// LinkDown tears the binding back to IDLE without scheduling a
// reconnect; the owning network supervisor restarts every binding's
// lifecycle itself once the link comes back up.
func (m *Machine) LinkDown() {
	m.State = Idle
	m.ServiceID = 0
	m.awaitingResponse = false
	m.quiescing = false
}

// Quiescing reports whether Quiesce has been called and not yet
// completed by a Disconnect.
func (m *Machine) Quiescing() bool { return m.quiescing }

// BeginQuiesce marks the binding as draining (SUPPLEMENTED FEATURE): the
// caller should stop accepting new local requests on this service and
// let the existing ones complete or time out before finally calling
// Disconnect. It is a no-op unless the binding is currently BOUND.
func (m *Machine) BeginQuiesce() (shouldQuiesce bool) {
	if m.State != Bound {
		return false
	}
	m.quiescing = true
	return true
}

// Quiesce blocks, polling pending at pollInterval, until either pending
// reports zero outstanding requests or ctx is done, then returns. It is
// the additive alternative to an immediate Disconnect described in the
// SUPPLEMENTED FEATURES: the caller is expected to call Disconnect right
// after Quiesce returns, regardless of which condition ended the wait.
func (m *Machine) Quiesce(ctx context.Context, pollInterval time.Duration, pending func() int) {
	if !m.BeginQuiesce() {
		return
	}
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if pending() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
