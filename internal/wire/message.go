// Copyright (c) 2026 The rpcproxy Authors.

// Package wire implements the on-the-wire framing described in the RPC
// proxy design: a fixed common header followed by either a small
// fixed-layout body or a CBOR-encoded variable-length body. It supplies
// the primitives the receiver (internal/receiver) and sender
// (internal/sender) state machines drive; it does not itself run a state
// machine.
package wire

import "fmt"

// Type identifies the nine wire message types (spec §4.A).
type Type uint8

const (
	_ Type = iota
	ConnectServiceRequest
	ConnectServiceResponse
	DisconnectService
	ClientRequest
	ServerResponse
	KeepaliveRequest
	KeepaliveResponse
	ServerAsyncEvent
	FilestreamMessage
)

func (t Type) String() string {
	switch t {
	case ConnectServiceRequest:
		return "CONNECT_SERVICE_REQUEST"
	case ConnectServiceResponse:
		return "CONNECT_SERVICE_RESPONSE"
	case DisconnectService:
		return "DISCONNECT_SERVICE"
	case ClientRequest:
		return "CLIENT_REQUEST"
	case ServerResponse:
		return "SERVER_RESPONSE"
	case KeepaliveRequest:
		return "KEEPALIVE_REQUEST"
	case KeepaliveResponse:
		return "KEEPALIVE_RESPONSE"
	case ServerAsyncEvent:
		return "SERVER_ASYNC_EVENT"
	case FilestreamMessage:
		return "FILESTREAM_MESSAGE"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the nine defined message types.
func (t Type) Valid() bool {
	return t >= ConnectServiceRequest && t <= FilestreamMessage
}

// FixedLayout reports whether t's body is the small fixed-layout struct
// (types 1-3, 6, 7) rather than a CBOR body (types 4, 5, 8, 9).
func (t Type) FixedLayout() bool {
	switch t {
	case ConnectServiceRequest, ConnectServiceResponse, DisconnectService, KeepaliveRequest, KeepaliveResponse:
		return true
	default:
		return false
	}
}

// IPCBearing reports whether t's CBOR body starts with a 4-byte local
// message id (types 4, 5, 8); type 9 (FILESTREAM_MESSAGE) does not.
func (t Type) IPCBearing() bool {
	switch t {
	case ClientRequest, ServerResponse, ServerAsyncEvent:
		return true
	default:
		return false
	}
}
