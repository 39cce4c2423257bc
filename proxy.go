// Copyright (c) 2026 The rpcproxy Authors.

// Package rpcproxy ties every engine subsystem together into the single
// value the Design Notes call for: "Introduce one Proxy value owning
// every table and every per-peer record; pass it explicitly; no
// module-level mutable state." Proxy is the one component in the engine
// that actually drives a transport.Module's Send: every lower layer
// (internal/service, internal/peer, internal/receiver) stays side-effect
// free and hands back intents, but something has to turn those intents
// into bytes on the wire, and Proxy is it. It is still driven
// synchronously by an embedding event loop (cmd/rpcproxyd, or a test)
// that feeds it transport readiness and timer fires, so all of its own
// mutation happens on one goroutine (spec §5).
package rpcproxy

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ipcmesh/rpcproxy/internal/config"
	"github.com/ipcmesh/rpcproxy/internal/filestream"
	"github.com/ipcmesh/rpcproxy/internal/ipc"
	"github.com/ipcmesh/rpcproxy/internal/peer"
	"github.com/ipcmesh/rpcproxy/internal/receiver"
	"github.com/ipcmesh/rpcproxy/internal/reqtrack"
	"github.com/ipcmesh/rpcproxy/internal/rpcerr"
	"github.com/ipcmesh/rpcproxy/internal/sender"
	"github.com/ipcmesh/rpcproxy/internal/service"
	"github.com/ipcmesh/rpcproxy/internal/transport"
	"github.com/ipcmesh/rpcproxy/internal/wire"
	"github.com/ipcmesh/rpcproxy/pkg/rpclog"
)

// ContextBindingsMax bounds the number of live event-context records per
// peer link (spec §5: "every table has a compile-time maximum").
const ContextBindingsMax = 4096

// PendingRequestsMax bounds reqtrack.Tracker's capacity.
const PendingRequestsMax = 8192

// binding is one configured service endpoint's full runtime state: the
// lifecycle machine from internal/service plus the configuration and
// local IPC handle it was built from.
type binding struct {
	machine *service.Machine
	handle  string // local binding handle passed to ipc.Fabric
	maxSize int

	// session is the local session the proxy dispatches through once
	// bound (spec §3's Service endpoint: "session handle (client-side
	// only) or service handle (server-side)... once bound"). On a
	// RoleRequirer binding it is the session opened against handle for
	// the local client; on a RoleExporter binding it is the single
	// session every inbound CLIENT_REQUEST for this service dispatches
	// through.
	session    ipc.SessionID
	hasSession bool
}

// peerState is everything Proxy tracks per configured system link beyond
// what internal/peer.Link itself holds: its bindings, its event-context
// table, and its service-id allocator (spec §4.D: reference tables are
// "never shared across peers").
type peerState struct {
	link     *peer.Link
	bindings map[string]*binding // keyed by local service name
	byID     map[uint32]*binding // keyed by service-id, for wire dispatch

	contexts   *ContextTable
	serviceIDs *serviceIDTable
	refs       *genericRefTable
}

// Proxy owns every table and per-peer record the engine needs.
type Proxy struct {
	ID uuid.UUID

	cfg    *config.Config
	fabric ipc.Fabric

	peers    map[string]*peerState
	requests *reqtrack.Tracker
	streams  *filestream.Registry
	backend  filestream.Backend

	metrics *Metrics
}

// New constructs a Proxy from a validated configuration and the local IPC
// fabric to drive, with an optional Prometheus registry (nil disables
// metrics registration, per the DOMAIN STACK's "never required" note).
func New(cfg *config.Config, fabric ipc.Fabric, reg *prometheus.Registry) (*Proxy, error) {
	p := &Proxy{
		ID:       uuid.New(),
		cfg:      cfg,
		fabric:   fabric,
		peers:    make(map[string]*peerState),
		requests: reqtrack.NewTracker(PendingRequestsMax, cfg.Durations.ClientRequestTimeout),
		streams:  filestream.NewRegistry(),
		backend:  filestream.PipeBackend{},
		metrics:  NewMetrics(reg),
	}

	for _, l := range cfg.SystemLinks {
		p.peers[l.System] = &peerState{
			link:       peer.New(l, cfg.Durations),
			bindings:   make(map[string]*binding),
			byID:       make(map[uint32]*binding),
			contexts:   NewContextTable(ContextBindingsMax),
			serviceIDs: newServiceIDTable(),
			refs:       newGenericRefTable(),
		}
	}

	for _, e := range cfg.Exported {
		for _, sys := range p.exportTargets(e) {
			ps, ok := p.peers[sys]
			if !ok {
				continue
			}
			ps.bindings[e.Service] = &binding{
				machine: service.NewMachine(service.RoleExporter, sys, e.Service, e.Protocol),
				handle:  e.LocalHandle,
				maxSize: e.MaxMessageSize,
			}
		}
	}
	for _, r := range cfg.Required {
		ps, ok := p.peers[r.Peer]
		if !ok {
			return nil, fmt.Errorf("rpcproxy: required service %q names unknown peer %q", r.Service, r.Peer)
		}
		ps.bindings[r.Service] = &binding{
			machine: service.NewMachine(service.RoleRequirer, r.Peer, r.Service, r.Protocol),
			handle:  r.LocalHandle,
			maxSize: r.MaxMessageSize,
		}
	}

	return p, nil
}

func (p *Proxy) exportTargets(e config.ExportedServer) []string {
	if e.Peer != "*" {
		return []string{e.Peer}
	}
	out := make([]string, 0, len(p.cfg.SystemLinks))
	for _, l := range p.cfg.SystemLinks {
		out = append(out, l.System)
	}
	return out
}

func (p *Proxy) peerState(system string) (*peerState, error) {
	ps, ok := p.peers[system]
	if !ok {
		return nil, fmt.Errorf("rpcproxy: unknown peer system %q", system)
	}
	return ps, nil
}

// sendWire marshals and hands data to system's transport handle. A
// failure here is always a TransportFailure: the caller tears the link
// down in response, matching spec §7.
func (p *Proxy) sendWire(ps *peerState, data []byte) error {
	if err := ps.link.Transport.Send(ps.link.Handle, data); err != nil {
		return rpcerr.New(rpcerr.TransportFailure, err)
	}
	return nil
}

// Connect issues mod.Create against system's configured transport
// arguments and marks the link CONNECTING.
func (p *Proxy) Connect(system string, mod transport.Module) (transport.Handle, error) {
	ps, err := p.peerState(system)
	if err != nil {
		return 0, err
	}
	h, err := mod.Create(ps.link.Link.Transport)
	if err != nil {
		return 0, rpcerr.New(rpcerr.TransportFailure, err)
	}
	ps.link.Connecting(mod, h)
	return h, nil
}

// Adopt registers an already-established transport handle (e.g. one
// accepted inbound) as system's link directly, skipping Connect's dial.
func (p *Proxy) Adopt(system string, mod transport.Module, h transport.Handle) error {
	ps, err := p.peerState(system)
	if err != nil {
		return err
	}
	ps.link.Connecting(mod, h)
	return nil
}

// Established marks system's link UP, sends a CONNECT_SERVICE_REQUEST for
// every exporting binding (spec §4.H: "on link establishment the
// supervisor iterates configured services and kicks their lifecycle
// machines"), and returns the delay before the first keepalive tick.
func (p *Proxy) Established(system string) (firstKeepaliveDelay time.Duration, err error) {
	ps, err := p.peerState(system)
	if err != nil {
		return 0, err
	}
	firstKeepaliveDelay = ps.link.Established()
	p.metrics.observeLinkTransition(system, "up")

	for _, b := range ps.bindings {
		if !b.machine.LinkUp() {
			continue
		}
		if err := p.sendConnectRequest(ps, b); err != nil {
			return firstKeepaliveDelay, err
		}
	}
	return firstKeepaliveDelay, nil
}

func (p *Proxy) sendConnectRequest(ps *peerState, b *binding) error {
	// A retry resends under the id minted for the first attempt; a fresh
	// id is minted only when the binding holds none (first advertise, or
	// after a disconnect released the old one).
	id := b.machine.ServiceID
	if id == 0 || ps.byID[id] != b {
		var err error
		id, err = ps.serviceIDs.Mint(b.machine)
		if err != nil {
			return err
		}
		ps.byID[id] = b
		b.machine.ServiceID = id
	}

	hdr := wire.Header{ServiceID: id, Type: wire.ConnectServiceRequest}
	body := wire.FixedBody{System: b.machine.System, Service: b.machine.Service, Protocol: b.machine.Protocol}
	data, err := sender.FixedMessage(hdr, body)
	if err != nil {
		return err
	}
	return p.sendWire(ps, data)
}

// RetryTimerFired is delivered per exporting binding when its retry
// timer elapses, resending CONNECT_SERVICE_REQUEST if the binding is
// still waiting on a response.
func (p *Proxy) RetryTimerFired(system, localService string) error {
	ps, err := p.peerState(system)
	if err != nil {
		return err
	}
	b, found := ps.bindings[localService]
	if !found || !b.machine.RetryTimerFired() {
		return nil
	}
	return p.sendConnectRequest(ps, b)
}

// KeepaliveTick is delivered on system's keepalive timer. If a
// KEEPALIVE_REQUEST is due it is sent immediately; linkDown reports that
// the prior one went unanswered past the timeout and the caller must
// now tear the link down.
func (p *Proxy) KeepaliveTick(system string) (linkDown bool, err error) {
	ps, err := p.peerState(system)
	if err != nil {
		return false, err
	}
	send, timedOut := ps.link.KeepaliveTimerFired()
	if timedOut {
		return true, nil
	}
	if !send {
		return false, nil
	}
	data, err := sender.FixedMessage(wire.Header{Type: wire.KeepaliveRequest}, wire.FixedBody{})
	if err != nil {
		return false, err
	}
	return false, p.sendWire(ps, data)
}

// LinkDown tears system's link down: every pending request on its
// bindings is completed with an error, every owned file stream is
// force-released, every minted service-id and event-context record is
// released, and a reconnect delay is returned (spec §4.H, §8 scenario 6).
func (p *Proxy) LinkDown(system string) (reconnectDelay time.Duration, err error) {
	ps, err := p.peerState(system)
	if err != nil {
		return 0, err
	}

	for id, b := range ps.byID {
		for _, h := range p.requests.CloseService(id) {
			p.completeLocallyWithError(h, rpcerr.New(rpcerr.TransportFailure, fmt.Errorf("peer %s link down", system)))
		}
		ps.contexts.ReleaseService(id)
		// Only ids this node minted live in the allocator; an id adopted
		// from the peer's CONNECT_SERVICE_REQUEST must not be fed back in,
		// where its bit pattern could name an unrelated local slot.
		if b.machine.Role == service.RoleExporter {
			ps.serviceIDs.Release(id)
		}
		b.machine.LinkDown()
	}
	for _, b := range ps.bindings {
		b.machine.LinkDown()
	}
	ps.byID = make(map[uint32]*binding)
	p.streams.RemovePeer(system)
	p.metrics.observeLinkTransition(system, "down")
	p.metrics.setPendingRequests(p.requests.Len())

	return ps.link.Down(), nil
}

func (p *Proxy) completeLocallyWithError(handle interface{}, cause error) {
	if rpclog.WillLog(rpclog.DEBUG) {
		rpclog.Debug("rpcproxy: completing %v locally with error: %v", handle, cause)
	}
	// handle is the opaque reqtrack.Entry.Handle the caller supplied to
	// Tracker.Begin; ipc.Fabric's narrow contract has no generic "fail
	// this in-flight call" operation beyond CloseSession, so that is the
	// best this layer can do to unblock a waiting local client.
	if sid, ok := handle.(ipc.SessionID); ok {
		p.fabric.CloseSession(sid)
	}
}

// Feed delivers n freshly read bytes from system's transport to its
// receive state machine, dispatching every message that completes. It
// stops and returns the first error a dispatched message produces; the
// caller decides (per spec §7's taxonomy) whether that tears the link
// down or just logs.
func (p *Proxy) Feed(system string, data []byte) error {
	ps, err := p.peerState(system)
	if err != nil {
		return err
	}

	for {
		msg, ok, err := ps.link.Receiver.Feed(data, ps.refs)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		data = nil // subsequent Feed calls drain already-buffered input
		if err := p.handleMessage(system, ps, msg); err != nil {
			return err
		}
	}
}

func (p *Proxy) handleMessage(system string, ps *peerState, msg receiver.Message) error {
	switch msg.Header.Type {
	case wire.ConnectServiceRequest:
		return p.handleConnectRequest(ps, msg)
	case wire.ConnectServiceResponse:
		return p.handleConnectResponse(ps, msg)
	case wire.DisconnectService:
		return p.handleDisconnect(ps, msg)
	case wire.KeepaliveRequest:
		data, err := sender.FixedMessage(wire.Header{Type: wire.KeepaliveResponse}, wire.FixedBody{})
		if err != nil {
			return err
		}
		return p.sendWire(ps, data)
	case wire.KeepaliveResponse:
		ps.link.KeepaliveResponseReceived()
		return nil
	case wire.ClientRequest:
		return p.handleClientRequest(ps, msg)
	case wire.ServerResponse:
		return p.handleServerResponse(ps, msg)
	case wire.ServerAsyncEvent:
		return p.handleAsyncEvent(ps, msg)
	case wire.FilestreamMessage:
		return p.handleFilestreamMessage(system, msg)
	default:
		return rpcerr.Newf(rpcerr.FormatError, "rpcproxy: unhandled message type %v", msg.Header.Type)
	}
}

// handleConnectRequest is delivered to the requiring side when a peer
// advertises a matching export (spec §4.E): it opens (or rejects) the
// local session and always answers with a CONNECT_SERVICE_RESPONSE.
func (p *Proxy) handleConnectRequest(ps *peerState, msg receiver.Message) error {
	b, found := ps.bindings[msg.FixedBody.Service]
	if !found || b.machine.Role != service.RoleRequirer {
		return nil // no local requirer for this name; peer's retry will keep trying
	}

	var code uint32
	if b.machine.Protocol != msg.FixedBody.Protocol {
		b.machine.ProtocolMismatch()
		code = wire.ServiceCodeProtocolMismatch
	} else {
		sessID, sessErr := p.fabric.SessionCreate(nil, b.handle) //nolint:staticcheck // Fabric is a narrow internal contract with no cancellation need here
		code = b.machine.ConnectRequestReceived(msg.Header.ServiceID, sessErr == nil)
		if code == wire.ServiceCodeOK {
			ps.byID[msg.Header.ServiceID] = b
			b.session, b.hasSession = sessID, true
			system, serviceID := ps.link.System, msg.Header.ServiceID
			p.fabric.OnClose(sessID, func(id ipc.SessionID) { p.CloseSession(system, serviceID, id) })
		}
	}

	hdr := wire.Header{ProxyMessageID: msg.Header.ProxyMessageID, ServiceID: msg.Header.ServiceID, Type: wire.ConnectServiceResponse}
	data, err := sender.FixedMessage(hdr, wire.FixedBody{ServiceCode: code})
	if err != nil {
		return err
	}
	p.metrics.setBoundServices(p.countBound())
	return p.sendWire(ps, data)
}

// handleConnectResponse completes the exporting side's CONNECT_PENDING
// wait (spec §4.E).
func (p *Proxy) handleConnectResponse(ps *peerState, msg receiver.Message) error {
	b, found := ps.byID[msg.Header.ServiceID]
	if !found {
		return rpcerr.Newf(rpcerr.FormatError, "rpcproxy: CONNECT_SERVICE_RESPONSE for unknown service-id %d", msg.Header.ServiceID)
	}
	bound, advertise := b.machine.ConnectResponse(msg.FixedBody.ServiceCode == wire.ServiceCodeOK, msg.Header.ServiceID)
	if bound && advertise {
		if err := p.fabric.ServiceCreate(b.handle); err != nil {
			return err
		}
		if err := p.fabric.ServiceAdvertise(b.handle); err != nil {
			return err
		}
		// The proxy dispatches every inbound CLIENT_REQUEST for this
		// binding through a single session scoped to the service itself
		// (spec §3's "service handle (server-side)"), rather than one per
		// remote client: the exporter side has no per-client session of
		// its own to reuse.
		sessID, err := p.fabric.SessionCreate(nil, b.handle)
		if err != nil {
			return err
		}
		b.session, b.hasSession = sessID, true
		system, serviceID := ps.link.System, msg.Header.ServiceID
		p.fabric.OnClose(sessID, func(id ipc.SessionID) { p.CloseSession(system, serviceID, id) })
	}
	p.metrics.setBoundServices(p.countBound())
	return nil
}

// handleDisconnect tears a binding down on a peer-initiated
// DISCONNECT_SERVICE.
func (p *Proxy) handleDisconnect(ps *peerState, msg receiver.Message) error {
	b, found := ps.byID[msg.Header.ServiceID]
	if !found {
		return nil
	}
	return p.teardownBinding(ps, msg.Header.ServiceID, b, false)
}

// Disconnect initiates a local DISCONNECT_SERVICE for localService on
// system, tearing the binding down the same way a peer-initiated one
// does (spec §4.E).
func (p *Proxy) Disconnect(system, localService string) error {
	ps, err := p.peerState(system)
	if err != nil {
		return err
	}
	b, found := ps.bindings[localService]
	if !found {
		return fmt.Errorf("rpcproxy: no binding %q on %s", localService, system)
	}
	return p.teardownBinding(ps, b.machine.ServiceID, b, true)
}

// QuiescePeer gracefully drains every bound binding on system before
// disconnecting it: each binding stops taking new local requests and
// waits, up to ctx's deadline, for its outstanding requests to complete
// before the DISCONNECT_SERVICE goes out — the additive alternative to
// Disconnect's immediate teardown (spec §4.E), used by cmd/rpcproxyd's
// shutdown handler. Like every other Proxy method it must be called from
// the goroutine that drives this peer's events.
func (p *Proxy) QuiescePeer(ctx context.Context, system string) error {
	ps, err := p.peerState(system)
	if err != nil {
		return err
	}
	for name, b := range ps.bindings {
		if b.machine.State != service.Bound {
			continue
		}
		serviceID := b.machine.ServiceID
		b.machine.Quiesce(ctx, 0, func() int { return p.requests.CountService(serviceID) })
		if err := p.Disconnect(system, name); err != nil {
			return err
		}
	}
	return nil
}

func (p *Proxy) teardownBinding(ps *peerState, serviceID uint32, b *binding, sendWire bool) error {
	for _, h := range p.requests.CloseService(serviceID) {
		p.completeLocallyWithError(h, rpcerr.New(rpcerr.ServiceUnavailable, fmt.Errorf("service disconnected")))
	}
	ps.contexts.ReleaseService(serviceID)
	delete(ps.byID, serviceID)
	if b.machine.Role == service.RoleExporter {
		ps.serviceIDs.Release(serviceID)
	}

	_ = p.fabric.ServiceDelete(b.handle)
	b.machine.Disconnect()
	b.session, b.hasSession = 0, false

	p.metrics.setPendingRequests(p.requests.Len())
	p.metrics.setBoundServices(p.countBound())

	if !sendWire {
		return nil
	}
	data, err := sender.FixedMessage(wire.Header{ServiceID: serviceID, Type: wire.DisconnectService}, wire.FixedBody{})
	if err != nil {
		return err
	}
	return p.sendWire(ps, data)
}

// LocalSession returns the local session the proxy opened against
// localService's binding on system, once the requiring side has bound
// it (spec §3's Service endpoint "session handle (client-side only)").
// The embedding IPC fabric uses this to correlate a local client's calls
// with BeginClientRequest.
func (p *Proxy) LocalSession(system, localService string) (ipc.SessionID, bool) {
	ps, err := p.peerState(system)
	if err != nil {
		return 0, false
	}
	b, found := ps.bindings[localService]
	if !found || !b.hasSession {
		return 0, false
	}
	return b.session, true
}

// StreamCount returns the number of live file-stream instances open with
// system, for diagnostics and tests.
func (p *Proxy) StreamCount(system string) int {
	return p.streams.Count(system)
}

func (p *Proxy) countBound() int {
	n := 0
	for _, ps := range p.peers {
		for _, b := range ps.bindings {
			if b.machine.State == service.Bound {
				n++
			}
		}
	}
	return n
}

// handleClientRequest forwards an inbound CLIENT_REQUEST to the local
// server binding, correlating the eventual completion by the
// proxy-message-id carried in the header (spec §4.F). msg.Body already
// reflects the receiver's own item-by-item translation (REFERENCE tokens
// resolved, OUT_*_SIZE items expanded into local OUT_*_POINTER scratch
// buffers); only the event-context token, which this layer has no table
// for, still needs re-embedding here.
func (p *Proxy) handleClientRequest(ps *peerState, msg receiver.Message) error {
	b, found := ps.byID[msg.Header.ServiceID]
	if !found || b.machine.Role != service.RoleExporter || !b.hasSession {
		return rpcerr.Newf(rpcerr.FormatError, "rpcproxy: CLIENT_REQUEST for unbound service-id %d", msg.Header.ServiceID)
	}

	dispatchID := b.session
	local, err := p.fabric.NewMessage(dispatchID, b.maxSize)
	if err != nil {
		// Answer rather than drop (spec §7's ResourceExhausted row): an
		// empty SERVER_RESPONSE unblocks the remote client's pending
		// request, and the link stays up.
		hdr := wire.Header{ProxyMessageID: msg.Header.ProxyMessageID, ServiceID: msg.Header.ServiceID, Type: wire.ServerResponse}
		data := sender.ComposeFrame(hdr, msg.MessageID, wire.AppendArrayIndefiniteHead(nil), sender.Metadata{})
		return p.sendWire(ps, data)
	}
	body := msg.Body
	if msg.HasContextToken {
		// This node has no meaning of its own for the client-minted
		// event-context token an add-handler CLIENT_REQUEST carries
		// (translateBody stripped it out precisely because resolving it
		// is the client peer's ContextTable's job, not ours): it is
		// passed straight through as the local server's own opaque
		// handle, to be echoed back verbatim in a later
		// SERVER_ASYNC_EVENT this side originates.
		body = prependContextToken(body, msg.ContextToken)
	}
	local.SetPayload(body)

	if msg.Filestream.StreamID != 0 {
		if err := p.attachDualStream(ps, b.machine.ServiceID, msg.Filestream, local); err != nil {
			return err
		}
	}

	proxyMsgID := msg.Header.ProxyMessageID
	serviceID := msg.Header.ServiceID
	system := ps.link.System
	return p.fabric.RequestResponse(dispatchID, local, proxyMsgID, func(resp ipc.MessageHandle, ctx interface{}) {
		// Invoked by the local IPC fabric once the server binding
		// finishes handling the request. The embedding event loop is
		// expected to treat this as just another event to re-enter the
		// loop with (spec §5's single-threaded model), calling
		// DeliverLocalResponse from its own turn rather than from
		// whatever goroutine the fabric calls back on.
		id, _ := ctx.(uint32)
		_ = p.DeliverLocalResponse(system, serviceID, id, resp)
	})
}

// DeliverLocalResponse builds and sends the SERVER_RESPONSE wire message
// once the local server binding finishes handling a forwarded
// CLIENT_REQUEST (spec §4.F: correlation is by the proxy-message-id
// carried as the callback's opaque context). If resp carries an embedded
// file descriptor, the file-stream preprocessor (spec §4.G) runs first so
// the response's metadata tail names the fresh stream.
func (p *Proxy) DeliverLocalResponse(system string, serviceID uint32, proxyMsgID uint32, resp ipc.MessageHandle) error {
	ps, err := p.peerState(system)
	if err != nil {
		return err
	}
	meta, err := p.preprocessOutgoingFd(ps, serviceID, resp)
	if err != nil {
		return err
	}
	hdr := wire.Header{ProxyMessageID: proxyMsgID, ServiceID: serviceID, Type: wire.ServerResponse}
	data, _, err := sender.IPCMessage(hdr, 0, resp.Payload(), meta, ps.refs)
	if err != nil {
		return err
	}
	return p.sendWire(ps, data)
}

// preprocessOutgoingFd implements spec §4.G's sender-side preprocessor:
// if local carries an embedded file descriptor, its access mode decides
// the stream's direction (read-only ⇒ Outgoing, write-only ⇒ Incoming;
// bidirectional descriptors are rejected), the descriptor is made
// non-blocking, and a fresh owning Instance is registered. The returned
// Metadata is empty (no-op) when local carries no descriptor.
func (p *Proxy) preprocessOutgoingFd(ps *peerState, serviceID uint32, local ipc.MessageHandle) (sender.Metadata, error) {
	fdNum, ok := local.Fd()
	if !ok {
		return sender.Metadata{}, nil
	}

	dir, err := filestream.DetectAccessMode(fdNum)
	if err != nil {
		return sender.Metadata{}, fmt.Errorf("rpcproxy: preprocessing outgoing file descriptor: %w", err)
	}
	if err := syscall.SetNonblock(fdNum, true); err != nil {
		return sender.Metadata{}, fmt.Errorf("rpcproxy: setting fd %d non-blocking: %w", fdNum, err)
	}

	inst, err := p.streams.CreateOwner(ps.link.System, serviceID, dir, os.NewFile(uintptr(fdNum), "rpcproxy-stream"))
	if err != nil {
		return sender.Metadata{}, err
	}
	return sender.Metadata{HasFilestream: true, StreamID: inst.StreamID, Flags: inst.InitFlags() | filestream.FlagNonblock}, nil
}

// handleServerResponse completes a pending client request (spec §4.F). If
// the response carries file-stream metadata the request's server side
// attached via its own preprocessOutgoingFd, the dual half is registered
// here before the payload reaches the local client, symmetric with
// attachDualStream's handling of an incoming CLIENT_REQUEST.
func (p *Proxy) handleServerResponse(ps *peerState, msg receiver.Message) error {
	handle, outputs, ok := p.requests.Complete(msg.Header.ProxyMessageID)
	p.metrics.setPendingRequests(p.requests.Len())
	if !ok {
		return nil // late response for an already-timed-out or closed request
	}
	// msg.Responses holds, in encounter order, the actual bytes behind
	// every OUT_STRING_RESPONSE/OUT_BYTE_STR_RESPONSE item the receiver
	// decoded (spec §4.F): copy each into the matching optimized-output
	// buffer this same request recorded when it was sent.
	for i, resp := range msg.Responses {
		if i >= len(outputs) {
			break
		}
		copy(outputs[i].Dest, resp)
	}

	sessID, ok := handle.(ipc.SessionID)
	if !ok {
		return nil
	}
	local, err := p.fabric.NewMessage(sessID, len(msg.Body))
	if err != nil {
		return err
	}
	local.SetPayload(msg.Body)

	if msg.Filestream.StreamID != 0 {
		if err := p.attachDualStream(ps, msg.Header.ServiceID, msg.Filestream, local); err != nil {
			return err
		}
	}
	return p.fabric.Send(sessID, local)
}

// BeginClientRequest registers a new pending request for an outgoing
// CLIENT_REQUEST, sends it, and returns the proxy-message-id the caller
// can use to correlate a later timeout or cancellation. If local carries
// an embedded file descriptor, the file-stream preprocessor (spec §4.G)
// runs before the message is sent so its metadata tail names the fresh
// stream.
func (p *Proxy) BeginClientRequest(system, localService string, sessionID ipc.SessionID, local ipc.MessageHandle) (uint32, error) {
	ps, err := p.peerState(system)
	if err != nil {
		return 0, err
	}
	b, found := ps.bindings[localService]
	if !found || b.machine.State != service.Bound {
		return 0, rpcerr.New(rpcerr.ServiceUnavailable, fmt.Errorf("service %q not bound on %s", localService, system))
	}

	meta, err := p.preprocessOutgoingFd(ps, b.machine.ServiceID, local)
	if err != nil {
		return 0, err
	}

	// Repacked before Begin: an optimized output parameter's recorded
	// buffer (spec §4.C) has to be known to the pending-request entry
	// itself, so the proxy-message-id Begin mints can't come first.
	body, ptrs, err := sender.RepackBody(local.Payload(), wire.ClientRequest, ps.refs)
	if err != nil {
		return 0, err
	}
	outputs := make([]reqtrack.OptimizedOutput, len(ptrs))
	for i, ptr := range ptrs {
		outputs[i] = reqtrack.OptimizedOutput{Dest: ptr.Dest, Offset: i}
	}

	id, err := p.requests.Begin(b.machine.ServiceID, uint64(sessionID), sessionID, outputs, func(proxyMsgID uint32) {
		if handle, ok := p.requests.Expire(proxyMsgID); ok {
			p.completeLocallyWithError(handle, rpcerr.New(rpcerr.ClientTimeout, fmt.Errorf("no SERVER_RESPONSE within timeout")))
		}
	})
	if err != nil {
		return 0, err
	}
	p.metrics.setPendingRequests(p.requests.Len())

	hdr := wire.Header{ProxyMessageID: id, ServiceID: b.machine.ServiceID, Type: wire.ClientRequest}
	data := sender.ComposeFrame(hdr, 0, body, meta)
	if err := p.sendWire(ps, data); err != nil {
		return 0, err
	}
	return id, nil
}

// CloseSession releases every pending request and event-context record
// scoped to a local client session closing (spec §4.F, §4.D).
func (p *Proxy) CloseSession(system string, serviceID uint32, sessionID ipc.SessionID) {
	p.requests.CloseSession(serviceID, uint64(sessionID))
	if ps, err := p.peerState(system); err == nil {
		ps.contexts.ReleaseSession(sessionID)
		p.metrics.setContextRecords(ps.contexts.Len())
	}
	p.metrics.setPendingRequests(p.requests.Len())
}

// handleAsyncEvent dispatches an inbound SERVER_ASYNC_EVENT to its
// registered context record (spec §4.D).
func (p *Proxy) handleAsyncEvent(ps *peerState, msg receiver.Message) error {
	if !msg.HasContextToken {
		return rpcerr.New(rpcerr.FormatError, fmt.Errorf("rpcproxy: async event missing context reference"))
	}

	rec, ok := ps.contexts.Dispatch(msg.ContextToken)
	if !ok {
		return rpcerr.Newf(rpcerr.FormatError, "rpcproxy: async event for unknown context token %d", msg.ContextToken)
	}

	local, err := p.fabric.NewMessage(rec.SessionID, len(msg.Body))
	if err != nil {
		return err
	}
	// The session's own context pointer is restored in place of the
	// wire token translateBody stripped out, so the client's callback
	// sees the same cookie it originally registered with (spec §4.D).
	local.SetPayload(prependContextToken(msg.Body, rec.OriginalContext))

	if msg.Filestream.StreamID != 0 {
		if err := p.attachDualStream(ps, rec.ServiceID, msg.Filestream, local); err != nil {
			return err
		}
	}
	return p.fabric.Send(rec.SessionID, local)
}

// prependContextToken inserts a CONTEXT_PTR_REFERENCE item carrying token
// immediately after body's opening array head, the inverse of
// receiver.translateBody stripping one out: the caller has no resolver
// of its own for the token (it is either passing a client-minted token
// through unchanged to a local server, or restoring the original local
// context pointer a client registered with), so it re-embeds the value
// directly rather than asking the wire codec to repack anything.
func prependContextToken(body []byte, token uint32) []byte {
	out := make([]byte, 0, len(body)+6)
	out = append(out, body[0])
	out = wire.AppendTag(out, wire.TagContextPtrReference)
	out = wire.AppendUint(out, uint64(token))
	return append(out, body[1:]...)
}

// RegisterAsyncHandler mints a fresh event-context token for a client's
// add-handler call so a later SERVER_ASYNC_EVENT carrying it can be
// dispatched back to sessionID (spec §4.D).
func (p *Proxy) RegisterAsyncHandler(system string, sessionID ipc.SessionID, serviceID uint32, originalContext uint32) (uint32, error) {
	ps, err := p.peerState(system)
	if err != nil {
		return 0, err
	}
	tok, err := ps.contexts.Bind(&ContextRecord{SessionID: sessionID, ServiceID: serviceID, OriginalContext: originalContext})
	if err != nil {
		return 0, err
	}
	p.metrics.setContextRecords(ps.contexts.Len())
	return tok, nil
}

// UnregisterAsyncHandler releases the event-context record a
// remove-handler call names, the first of the three release events spec
// §4.D's invariant enumerates (the other two, session close and owning
// service disconnect, run through CloseSession and teardownBinding).
func (p *Proxy) UnregisterAsyncHandler(system string, token uint32) error {
	ps, err := p.peerState(system)
	if err != nil {
		return err
	}
	ps.contexts.Release(token)
	p.metrics.setContextRecords(ps.contexts.Len())
	return nil
}

// attachDualStream creates the non-owning file-stream instance on the
// first message carrying filestream init metadata (spec §4.G).
func (p *Proxy) attachDualStream(ps *peerState, serviceID uint32, fm filestream.Message, local ipc.MessageHandle) error {
	var ownerDir filestream.Direction
	switch {
	case fm.Flags.Has(filestream.FlagInitOutgoing):
		ownerDir = filestream.Outgoing
	case fm.Flags.Has(filestream.FlagInitIncoming):
		ownerDir = filestream.Incoming
	default:
		return nil // not a stream-initiating message
	}

	inst, err := p.streams.CreateDual(ps.link.System, fm.StreamID, serviceID, ownerDir, p.backend)
	if err != nil {
		return err
	}
	local.SetFd(int(inst.UserEnd.Fd()))
	return nil
}

// handleFilestreamMessage applies an inbound FILESTREAM_MESSAGE to its
// instance: DATA_PACKET bytes are written to the consumer, REQUEST_DATA
// grants the producer's window, EOF/FORCE_CLOSE/IOERROR tear the stream
// down on both sides (spec §4.G). An inconsistent flag combination, or a
// DATA_PACKET exceeding the outstanding grant, drops the stream with a
// FORCE_CLOSE to the peer rather than tearing the whole link down.
func (p *Proxy) handleFilestreamMessage(system string, msg receiver.Message) error {
	ps, err := p.peerState(system)
	if err != nil {
		return err
	}
	fm := msg.Filestream
	inst, ok := p.streams.Get(system, fm.StreamID)
	if !ok {
		return nil // stream already torn down locally; nothing to do
	}
	if verr := filestream.Validate(fm.Flags); verr != nil {
		return p.forceCloseStream(ps, inst, filestream.FlagForceClose)
	}

	switch {
	case fm.Flags.Has(filestream.FlagForceClose), fm.Flags.Has(filestream.FlagIOError), fm.Flags.Has(filestream.FlagEOF):
		inst.MarkEOF()
		return p.streams.Remove(system, fm.StreamID)

	case fm.Flags.Has(filestream.FlagDataPacket):
		if werr := inst.ConsumeWindow(len(fm.Payload)); werr != nil {
			return p.forceCloseStream(ps, inst, filestream.FlagForceClose)
		}
		if werr := inst.WriteChunk(fm.Payload); werr != nil {
			_ = p.forceCloseStream(ps, inst, filestream.FlagIOError)
			return rpcerr.New(rpcerr.StreamError, werr)
		}
		p.metrics.addFilestreamBytes("in", len(fm.Payload))
		return nil

	case fm.Flags.Has(filestream.FlagRequestData):
		inst.GrantWindow(fm.RequestBytes)
		return nil
	}
	return nil
}

// PumpOutgoingStream is called by the embedding event loop's fd-monitor
// when an OUTGOING stream's descriptor reports readable. It reads up to
// max bytes (spec §4.G: "chunks are at most an implementation-defined
// cap") and emits them as a DATA_PACKET; on EOF it emits FlagEOF and
// tears the stream down on both sides. Per spec §8 property 5, the
// caller must only invoke this with a max bounded by the window the
// INCOMING side most recently granted via REQUEST_DATA.
func (p *Proxy) PumpOutgoingStream(system string, streamID uint16, max int) error {
	ps, err := p.peerState(system)
	if err != nil {
		return err
	}
	inst, ok := p.streams.Get(system, streamID)
	if !ok || inst.Direction != filestream.Outgoing {
		return nil
	}

	data, eof, err := inst.ReadChunk(max)
	if err != nil {
		return p.forceCloseStream(ps, inst, filestream.FlagIOError)
	}

	if len(data) > 0 {
		hdr := wire.Header{ServiceID: inst.ServiceID, Type: wire.FilestreamMessage}
		wbuf, err := sender.FilestreamMessage(hdr, filestream.Message{StreamID: streamID, Flags: filestream.FlagDataPacket, Payload: data})
		if err != nil {
			return err
		}
		if err := p.sendWire(ps, wbuf); err != nil {
			return err
		}
		p.metrics.addFilestreamBytes("out", len(data))
	}

	if eof {
		hdr := wire.Header{ServiceID: inst.ServiceID, Type: wire.FilestreamMessage}
		wbuf, err := sender.FilestreamMessage(hdr, filestream.Message{StreamID: streamID, Flags: filestream.FlagEOF})
		if err != nil {
			return err
		}
		if err := p.sendWire(ps, wbuf); err != nil {
			return err
		}
		return p.streams.Remove(system, streamID)
	}
	return nil
}

// RequestStreamData is called by the embedding event loop's fd-monitor
// when an INCOMING stream's local-recipient end is ready to accept more
// bytes; it grants the window locally and emits a REQUEST_DATA
// FILESTREAM_MESSAGE so the owning side's PumpOutgoingStream knows it may
// send up to n more bytes (spec §4.G).
func (p *Proxy) RequestStreamData(system string, streamID uint16, n int) error {
	ps, err := p.peerState(system)
	if err != nil {
		return err
	}
	inst, ok := p.streams.Get(system, streamID)
	if !ok || inst.Direction != filestream.Incoming {
		return nil
	}
	inst.GrantWindow(n)

	hdr := wire.Header{ServiceID: inst.ServiceID, Type: wire.FilestreamMessage}
	data, err := sender.FilestreamMessage(hdr, filestream.Message{StreamID: streamID, Flags: filestream.FlagRequestData, RequestBytes: n})
	if err != nil {
		return err
	}
	return p.sendWire(ps, data)
}

// forceCloseStream emits a FORCE_CLOSE (or the given flag) to the peer
// and removes the local instance, used whenever a stream fails locally
// in a way the peer must be told about (spec §7's StreamError row).
func (p *Proxy) forceCloseStream(ps *peerState, inst *filestream.Instance, flag filestream.Flag) error {
	hdr := wire.Header{ServiceID: inst.ServiceID, Type: wire.FilestreamMessage}
	data, err := sender.FilestreamMessage(hdr, filestream.Message{StreamID: inst.StreamID, Flags: flag})
	if err == nil {
		_ = p.sendWire(ps, data)
	}
	return p.streams.Remove(ps.link.System, inst.StreamID)
}
