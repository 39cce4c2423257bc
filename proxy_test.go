// Copyright (c) 2026 The rpcproxy Authors.

package rpcproxy_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ipcmesh/rpcproxy"
	"github.com/ipcmesh/rpcproxy/internal/config"
	"github.com/ipcmesh/rpcproxy/internal/ipc"
	"github.com/ipcmesh/rpcproxy/internal/transport"
	"github.com/ipcmesh/rpcproxy/internal/wire"
)

// pump drains everything currently buffered on h and feeds it to system's
// Proxy, looping until the transport reports ErrWouldBlock. It mirrors
// the read loop an embedding daemon runs per peer connection.
func pump(t *testing.T, p *rpcproxy.Proxy, system string, mod transport.Module, h transport.Handle) {
	t.Helper()
	buf := make([]byte, 4096)
	for i := 0; i < 64; i++ {
		n, err := mod.Receive(h, buf)
		if err == transport.ErrWouldBlock {
			return
		}
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if n == 0 {
			return
		}
		if err := p.Feed(system, buf[:n]); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func twoNodeConfig(systemA, systemB, service, protocol string, exportOnA bool) (*config.Config, *config.Config) {
	durations := config.DefaultDurations()
	cfgA := &config.Config{
		SystemLinks: []config.SystemLink{{System: systemB, Transport: []string{"loopback"}}},
		Durations:   durations,
	}
	cfgB := &config.Config{
		SystemLinks: []config.SystemLink{{System: systemA, Transport: []string{"loopback"}}},
		Durations:   durations,
	}
	if exportOnA {
		cfgA.Exported = []config.ExportedServer{{Service: service, Protocol: protocol, MaxMessageSize: 4096, LocalHandle: "server", Peer: systemB}}
		cfgB.Required = []config.RequiredClient{{Service: service, Protocol: protocol, MaxMessageSize: 4096, LocalHandle: "client", Peer: systemA}}
	}
	return cfgA, cfgB
}

// harness wires two Proxy values together over a Loopback pair and
// drives them far enough to bring both links UP, the same handshake
// spec §8's scenario 1 describes.
type harness struct {
	t                *testing.T
	proxyA, proxyB   *rpcproxy.Proxy
	fabricA, fabricB *ipc.Fake
	modA, modB       *transport.Loopback
	hA, hB           transport.Handle
}

func newHarness(t *testing.T, service, protocol string) *harness {
	t.Helper()
	cfgA, cfgB := twoNodeConfig("A", "B", service, protocol, true)

	fabricA, fabricB := ipc.NewFake(), ipc.NewFake()
	pA, err := rpcproxy.New(cfgA, fabricA, nil)
	if err != nil {
		t.Fatalf("New A: %v", err)
	}
	pB, err := rpcproxy.New(cfgB, fabricB, nil)
	if err != nil {
		t.Fatalf("New B: %v", err)
	}

	modA, hA, modB, hB := transport.NewLoopbackPair()

	if err := pA.Adopt("B", modA, hA); err != nil {
		t.Fatalf("Adopt A: %v", err)
	}
	if err := pB.Adopt("A", modB, hB); err != nil {
		t.Fatalf("Adopt B: %v", err)
	}
	if _, err := pA.Established("B"); err != nil {
		t.Fatalf("Established A: %v", err)
	}
	if _, err := pB.Established("A"); err != nil {
		t.Fatalf("Established B: %v", err)
	}

	h := &harness{t: t, proxyA: pA, proxyB: pB, fabricA: fabricA, fabricB: fabricB, modA: modA, modB: modB, hA: hA, hB: hB}
	h.settle()
	return h
}

// newHarnessWithClientTimeout is newHarness with B's ClientRequestTimeout
// shortened so a test can observe an unanswered CLIENT_REQUEST actually
// expire instead of waiting out the real five-second default.
func newHarnessWithClientTimeout(t *testing.T, service, protocol string, timeout time.Duration) *harness {
	t.Helper()
	cfgA, cfgB := twoNodeConfig("A", "B", service, protocol, true)
	cfgB.Durations.ClientRequestTimeout = timeout

	fabricA, fabricB := ipc.NewFake(), ipc.NewFake()
	pA, err := rpcproxy.New(cfgA, fabricA, nil)
	if err != nil {
		t.Fatalf("New A: %v", err)
	}
	pB, err := rpcproxy.New(cfgB, fabricB, nil)
	if err != nil {
		t.Fatalf("New B: %v", err)
	}

	modA, hA, modB, hB := transport.NewLoopbackPair()
	if err := pA.Adopt("B", modA, hA); err != nil {
		t.Fatalf("Adopt A: %v", err)
	}
	if err := pB.Adopt("A", modB, hB); err != nil {
		t.Fatalf("Adopt B: %v", err)
	}
	if _, err := pA.Established("B"); err != nil {
		t.Fatalf("Established A: %v", err)
	}
	if _, err := pB.Established("A"); err != nil {
		t.Fatalf("Established B: %v", err)
	}

	h := &harness{t: t, proxyA: pA, proxyB: pB, fabricA: fabricA, fabricB: fabricB, modA: modA, modB: modB, hA: hA, hB: hB}
	h.settle()
	return h
}

// requestBody returns a minimal CBOR indefinite-array payload suitable as
// a CLIENT_REQUEST or SERVER_RESPONSE body, matching the convention
// internal/sender's tests build payloads with: the caller's local
// MessageHandle carries the array content without its closing break,
// which sender.IPCMessage appends itself.
func requestBody(n uint64) []byte {
	body := wire.AppendArrayIndefiniteHead(nil)
	body = wire.AppendUint(body, n)
	return body
}

// settle pumps both directions until neither side has anything buffered,
// draining a full request/response or handshake exchange.
func (h *harness) settle() {
	for i := 0; i < 8; i++ {
		pump(h.t, h.proxyB, "A", h.modB, h.hB)
		pump(h.t, h.proxyA, "B", h.modA, h.hA)
	}
}

func TestConnectHandshakeBindsService(t *testing.T) {
	h := newHarness(t, "echo", "echo/v1")

	snap := h.proxyA.Snapshot()
	found := false
	for _, peer := range snap.Peers {
		for _, b := range peer.Bindings {
			if b.Service == "echo" && b.State == "BOUND" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("exporter binding never reached BOUND: %+v", snap)
	}
}

func TestProtocolMismatchStaysUnbound(t *testing.T) {
	cfgA, cfgB := twoNodeConfig("A", "B", "echo", "echo/v1", true)
	cfgB.Required[0].Protocol = "echo/v2"

	pA, err := rpcproxy.New(cfgA, ipc.NewFake(), nil)
	if err != nil {
		t.Fatalf("New A: %v", err)
	}
	pB, err := rpcproxy.New(cfgB, ipc.NewFake(), nil)
	if err != nil {
		t.Fatalf("New B: %v", err)
	}

	modA, hA, modB, hB := transport.NewLoopbackPair()
	if err := pA.Adopt("B", modA, hA); err != nil {
		t.Fatalf("Adopt A: %v", err)
	}
	if err := pB.Adopt("A", modB, hB); err != nil {
		t.Fatalf("Adopt B: %v", err)
	}
	if _, err := pA.Established("B"); err != nil {
		t.Fatalf("Established A: %v", err)
	}
	if _, err := pB.Established("A"); err != nil {
		t.Fatalf("Established B: %v", err)
	}

	for i := 0; i < 8; i++ {
		pump(t, pB, "A", modB, hB)
		pump(t, pA, "B", modA, hA)
	}

	snap := pA.Snapshot()
	for _, peer := range snap.Peers {
		for _, b := range peer.Bindings {
			if b.Service == "echo" && b.State == "BOUND" {
				t.Fatalf("binding bound despite protocol mismatch: %+v", b)
			}
		}
	}
}

func TestLinkDownReleasesBindings(t *testing.T) {
	h := newHarness(t, "echo", "echo/v1")

	if _, err := h.proxyA.LinkDown("B"); err != nil {
		t.Fatalf("LinkDown: %v", err)
	}

	snap := h.proxyA.Snapshot()
	for _, peer := range snap.Peers {
		for _, b := range peer.Bindings {
			if b.State != "CONNECT_PENDING" && b.State != "IDLE" {
				t.Fatalf("binding not released after link down: %+v", b)
			}
		}
	}
}

// TestConnectRetryReusesServiceID pins the retry path's id discipline: a
// CONNECT_SERVICE_REQUEST reissued while no response has arrived goes out
// under the same service-id as the first attempt, rather than minting (and
// leaking) a fresh one per retry.
func TestConnectRetryReusesServiceID(t *testing.T) {
	cfgA, _ := twoNodeConfig("A", "B", "echo", "echo/v1", true)
	pA, err := rpcproxy.New(cfgA, ipc.NewFake(), nil)
	if err != nil {
		t.Fatalf("New A: %v", err)
	}

	modA, hA, _, _ := transport.NewLoopbackPair()
	if err := pA.Adopt("B", modA, hA); err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if _, err := pA.Established("B"); err != nil {
		t.Fatalf("Established: %v", err)
	}

	first := exporterServiceID(t, pA)
	if first == 0 {
		t.Fatal("no service-id minted on the first CONNECT_SERVICE_REQUEST")
	}

	for i := 0; i < 3; i++ {
		if err := pA.RetryTimerFired("B", "echo"); err != nil {
			t.Fatalf("RetryTimerFired %d: %v", i, err)
		}
	}
	if got := exporterServiceID(t, pA); got != first {
		t.Fatalf("service-id after retries = %d, want %d (the original)", got, first)
	}
}

func exporterServiceID(t *testing.T, p *rpcproxy.Proxy) uint32 {
	t.Helper()
	for _, peer := range p.Snapshot().Peers {
		for _, b := range peer.Bindings {
			if b.Service == "echo" {
				return b.ServiceID
			}
		}
	}
	t.Fatal("no echo binding in snapshot")
	return 0
}

func TestKeepaliveRoundTrip(t *testing.T) {
	h := newHarness(t, "echo", "echo/v1")

	linkDown, err := h.proxyA.KeepaliveTick("B")
	if err != nil {
		t.Fatalf("KeepaliveTick: %v", err)
	}
	if linkDown {
		t.Fatal("keepalive reported link down on first tick")
	}

	h.settle()

	linkDown, err = h.proxyB.KeepaliveTick("A")
	if err != nil {
		t.Fatalf("KeepaliveTick B: %v", err)
	}
	if linkDown {
		t.Fatal("keepalive reported link down after responding")
	}
}

func TestDisconnectWithdrawsService(t *testing.T) {
	h := newHarness(t, "echo", "echo/v1")

	if err := h.proxyA.Disconnect("B", "echo"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	h.settle()

	waitFor(t, func() bool {
		snap := h.proxyB.Snapshot()
		for _, peer := range snap.Peers {
			for _, b := range peer.Bindings {
				if b.Service == "echo" && b.State == "BOUND" {
					return false
				}
			}
		}
		return true
	})
}

// TestQuiescePeerDisconnectsBoundServices drives the graceful-shutdown
// path cmd/rpcproxyd uses: QuiescePeer lets outstanding requests drain
// (none here, so it returns promptly) and then disconnects every bound
// binding, withdrawing the peer's side too once the DISCONNECT_SERVICE
// crosses the wire.
func TestQuiescePeerDisconnectsBoundServices(t *testing.T) {
	h := newHarness(t, "echo", "echo/v1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.proxyA.QuiescePeer(ctx, "B"); err != nil {
		t.Fatalf("QuiescePeer: %v", err)
	}
	h.settle()

	for _, snap := range []rpcproxy.Snapshot{h.proxyA.Snapshot(), h.proxyB.Snapshot()} {
		for _, peer := range snap.Peers {
			for _, b := range peer.Bindings {
				if b.Service == "echo" && b.State == "BOUND" {
					t.Fatalf("binding still BOUND after QuiescePeer: %+v", b)
				}
			}
		}
	}
}

// TestPrimitiveRoundTrip exercises spec §8's "primitive round-trip"
// scenario: a client request initiated on the requiring side (B) crosses
// the wire as CLIENT_REQUEST, reaches the exporting side's (A) local
// fabric as a RequestResponse delivery, and the local server's
// completion crosses back as SERVER_RESPONSE to unblock B's client.
func TestPrimitiveRoundTrip(t *testing.T) {
	h := newHarness(t, "echo", "echo/v1")

	sessID, ok := h.proxyB.LocalSession("A", "echo")
	if !ok {
		t.Fatal("no local session bound for the required client binding")
	}

	local, err := h.fabricB.NewMessage(sessID, 64)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	local.SetPayload(requestBody(42))

	if _, err := h.proxyB.BeginClientRequest("A", "echo", sessID, local); err != nil {
		t.Fatalf("BeginClientRequest: %v", err)
	}
	h.settle()

	delivery, ok := h.fabricA.LastDelivery()
	if !ok {
		t.Fatal("server-side fabric never received the forwarded request")
	}
	if delivery.Done == nil {
		t.Fatal("delivery carries no completion callback")
	}

	resp, err := h.fabricA.NewMessage(delivery.SessionID, 64)
	if err != nil {
		t.Fatalf("NewMessage response: %v", err)
	}
	resp.SetPayload(requestBody(7))
	delivery.Done(resp, delivery.Opaque)
	h.settle()

	respDelivery, ok := h.fabricB.LastDelivery()
	if !ok {
		t.Fatal("client-side fabric never received the SERVER_RESPONSE")
	}
	if respDelivery.SessionID != sessID {
		t.Fatalf("response delivered to session %d, want %d", respDelivery.SessionID, sessID)
	}

	snap := h.proxyB.Snapshot()
	for _, peer := range snap.Peers {
		if peer.PendingRequests != 0 {
			t.Fatalf("pending requests = %d after completion, want 0: %+v", peer.PendingRequests, peer)
		}
	}
}

// TestClientRequestTimeout exercises spec §8's "client request timeout"
// scenario: a CLIENT_REQUEST that never gets a SERVER_RESPONSE expires on
// its own, completing the local client with an error and releasing the
// tracker entry.
func TestClientRequestTimeout(t *testing.T) {
	h := newHarnessWithClientTimeout(t, "echo", "echo/v1", 20*time.Millisecond)

	sessID, ok := h.proxyB.LocalSession("A", "echo")
	if !ok {
		t.Fatal("no local session bound for the required client binding")
	}

	local, err := h.fabricB.NewMessage(sessID, 64)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	local.SetPayload(requestBody(100))

	if _, err := h.proxyB.BeginClientRequest("A", "echo", sessID, local); err != nil {
		t.Fatalf("BeginClientRequest: %v", err)
	}

	snap := h.proxyB.Snapshot()
	pending := 0
	for _, peer := range snap.Peers {
		pending += peer.PendingRequests
	}
	if pending != 1 {
		t.Fatalf("pending requests = %d immediately after BeginClientRequest, want 1", pending)
	}

	waitFor(t, func() bool {
		snap := h.proxyB.Snapshot()
		for _, peer := range snap.Peers {
			if peer.PendingRequests != 0 {
				return false
			}
		}
		return true
	})

	if _, err := h.fabricB.NewMessage(sessID, 64); err == nil {
		t.Fatal("client session still usable after its request timed out; expected CloseSession to have torn it down")
	}
}

// TestFileDescriptorOnRequest exercises spec §8's file-descriptor
// scenario: a client request whose local message carries an embedded
// file descriptor causes the sending side to register an owning stream
// and the receiving side to register the matching dual half.
func TestFileDescriptorOnRequest(t *testing.T) {
	h := newHarness(t, "echo", "echo/v1")

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer w.Close()
	defer r.Close()

	sessID, ok := h.proxyB.LocalSession("A", "echo")
	if !ok {
		t.Fatal("no local session bound for the required client binding")
	}

	local, err := h.fabricB.NewMessage(sessID, 64)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	local.SetPayload(requestBody(1))
	local.SetFd(int(r.Fd()))

	if _, err := h.proxyB.BeginClientRequest("A", "echo", sessID, local); err != nil {
		t.Fatalf("BeginClientRequest: %v", err)
	}
	h.settle()

	if n := h.proxyB.StreamCount("A"); n != 1 {
		t.Fatalf("owning side stream count = %d, want 1", n)
	}
	if n := h.proxyA.StreamCount("B"); n != 1 {
		t.Fatalf("dual side stream count = %d, want 1", n)
	}
}

// TestFileStreamDataFlowEndToEnd walks the whole of spec §8's scenario 5:
// the dual's consumer grants a window with REQUEST_DATA, the owner pumps
// file bytes across as a DATA_PACKET, the local recipient reads them off
// the descriptor the dual handed into the IPC message, and EOF tears the
// stream down on both sides.
func TestFileStreamDataFlowEndToEnd(t *testing.T) {
	h := newHarness(t, "echo", "echo/v1")

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}

	sessID, ok := h.proxyB.LocalSession("A", "echo")
	if !ok {
		t.Fatal("no local session bound for the required client binding")
	}
	local, err := h.fabricB.NewMessage(sessID, 64)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	local.SetPayload(requestBody(1))
	local.SetFd(int(r.Fd()))

	if _, err := h.proxyB.BeginClientRequest("A", "echo", sessID, local); err != nil {
		t.Fatalf("BeginClientRequest: %v", err)
	}
	h.settle()

	delivery, ok := h.fabricA.LastDelivery()
	if !ok || !delivery.HasFd {
		t.Fatalf("dual side never delivered a stream descriptor: %+v", delivery)
	}
	streamEnd := os.NewFile(uintptr(delivery.Fd), "stream-read-end")

	if _, err := w.Write([]byte("hello stream")); err != nil {
		t.Fatalf("writing into the owner's descriptor: %v", err)
	}

	if err := h.proxyA.RequestStreamData("B", 1, 64); err != nil {
		t.Fatalf("RequestStreamData: %v", err)
	}
	h.settle()

	if err := h.proxyB.PumpOutgoingStream("A", 1, 64); err != nil {
		t.Fatalf("PumpOutgoingStream: %v", err)
	}
	h.settle()

	buf := make([]byte, 64)
	n, err := streamEnd.Read(buf)
	if err != nil {
		t.Fatalf("reading the dual's local end: %v", err)
	}
	if string(buf[:n]) != "hello stream" {
		t.Fatalf("stream bytes = %q, want hello stream", buf[:n])
	}

	w.Close()
	if err := h.proxyB.PumpOutgoingStream("A", 1, 64); err != nil {
		t.Fatalf("PumpOutgoingStream at EOF: %v", err)
	}
	h.settle()

	if n := h.proxyB.StreamCount("A"); n != 0 {
		t.Fatalf("owner stream count after EOF = %d, want 0", n)
	}
	if n := h.proxyA.StreamCount("B"); n != 0 {
		t.Fatalf("dual stream count after EOF = %d, want 0", n)
	}
}

// TestFileStreamDataWithoutGrantForceCloses covers spec §8's property 5
// from the enforcement side: a DATA_PACKET arriving with no outstanding
// REQUEST_DATA grant drops the stream with FORCE_CLOSE on both ends
// while the link itself stays up.
func TestFileStreamDataWithoutGrantForceCloses(t *testing.T) {
	h := newHarness(t, "echo", "echo/v1")

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer w.Close()

	sessID, ok := h.proxyB.LocalSession("A", "echo")
	if !ok {
		t.Fatal("no local session bound for the required client binding")
	}
	local, err := h.fabricB.NewMessage(sessID, 64)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	local.SetPayload(requestBody(1))
	local.SetFd(int(r.Fd()))

	if _, err := h.proxyB.BeginClientRequest("A", "echo", sessID, local); err != nil {
		t.Fatalf("BeginClientRequest: %v", err)
	}
	h.settle()

	if _, err := w.Write([]byte("eager")); err != nil {
		t.Fatalf("writing into the owner's descriptor: %v", err)
	}
	// The owner transmits without ever having been granted a window.
	if err := h.proxyB.PumpOutgoingStream("A", 1, 64); err != nil {
		t.Fatalf("PumpOutgoingStream: %v", err)
	}
	h.settle()

	if n := h.proxyA.StreamCount("B"); n != 0 {
		t.Fatalf("dual stream count after ungranted data = %d, want 0", n)
	}
	if n := h.proxyB.StreamCount("A"); n != 0 {
		t.Fatalf("owner stream count after FORCE_CLOSE = %d, want 0", n)
	}

	snap := h.proxyA.Snapshot()
	for _, peer := range snap.Peers {
		if peer.State != "UP" {
			t.Fatalf("link state = %s after a per-stream drop, want UP", peer.State)
		}
	}
}
