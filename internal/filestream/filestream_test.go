// Copyright (c) 2026 The rpcproxy Authors.

package filestream_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/ipcmesh/rpcproxy/internal/filestream"
)

func TestFlagValidateRejectsDataAndRequestTogether(t *testing.T) {
	f := filestream.FlagDataPacket | filestream.FlagRequestData
	if err := filestream.Validate(f); err == nil {
		t.Fatalf("Validate accepted DATA_PACKET|REQUEST_DATA")
	}
}

func TestFlagValidateRejectsBothInitDirections(t *testing.T) {
	f := filestream.FlagInitIncoming | filestream.FlagInitOutgoing
	if err := filestream.Validate(f); err == nil {
		t.Fatalf("Validate accepted INIT_INCOMING|INIT_OUTGOING")
	}
}

func TestFlagValidateRejectsDataAlongsideInit(t *testing.T) {
	f := filestream.FlagDataPacket | filestream.FlagInitOutgoing
	if err := filestream.Validate(f); err == nil {
		t.Fatalf("Validate accepted DATA_PACKET|INIT_OUTGOING")
	}
}

func TestFlagValidateAcceptsPlainDataPacket(t *testing.T) {
	if err := filestream.Validate(filestream.FlagDataPacket | filestream.FlagOwner); err != nil {
		t.Fatalf("Validate rejected a plain owner data packet: %v", err)
	}
}

func TestFlagString(t *testing.T) {
	got := (filestream.FlagOwner | filestream.FlagEOF).String()
	if got != "OWNER|EOF" {
		t.Fatalf("String() = %q, want OWNER|EOF", got)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	want := filestream.Message{
		StreamID: 3,
		Flags:    filestream.FlagOwner | filestream.FlagDataPacket,
		Payload:  []byte("hello stream"),
	}

	buf, err := want.Encode(nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := filestream.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.StreamID != want.StreamID || got.Flags != want.Flags || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("Decode = %+v, want %+v", got, want)
	}
}

func TestMessageRoundTripRequestData(t *testing.T) {
	want := filestream.Message{StreamID: 9, Flags: filestream.FlagRequestData, RequestBytes: 4096}

	buf, err := want.Encode(nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := filestream.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.RequestBytes != want.RequestBytes {
		t.Fatalf("RequestBytes = %d, want %d", got.RequestBytes, want.RequestBytes)
	}
}

func TestRegistryCreatesComplementaryDual(t *testing.T) {
	reg := r1r2(t)
	defer reg.r1.RemovePeer("peerB")
	defer reg.r2.RemovePeer("peerA")

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer w.Close()

	owner, err := reg.r1.CreateOwner("peerB", 100, filestream.Outgoing, r)
	if err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}
	if !owner.Owner || owner.Direction != filestream.Outgoing {
		t.Fatalf("owner = %+v, want Owner=true Direction=Outgoing", owner)
	}

	dual, err := reg.r2.CreateDual("peerA", owner.StreamID, 100, owner.Direction, filestream.PipeBackend{})
	if err != nil {
		t.Fatalf("CreateDual: %v", err)
	}
	if dual.Owner || dual.Direction != filestream.Incoming {
		t.Fatalf("dual = %+v, want Owner=false Direction=Incoming", dual)
	}
	if dual.StreamID != owner.StreamID {
		t.Fatalf("dual stream id = %d, want %d", dual.StreamID, owner.StreamID)
	}
}

func TestRegistryRejectsDuplicateDualStreamID(t *testing.T) {
	reg := filestream.NewRegistry()
	if _, err := reg.CreateDual("peerA", 5, 1, filestream.Outgoing, filestream.PipeBackend{}); err != nil {
		t.Fatalf("first CreateDual: %v", err)
	}
	if _, err := reg.CreateDual("peerA", 5, 1, filestream.Outgoing, filestream.PipeBackend{}); err == nil {
		t.Fatalf("second CreateDual with a live stream id succeeded")
	}
}

func TestRegistryAllocIDReusesReleasedSlot(t *testing.T) {
	reg := filestream.NewRegistry()
	r1, w1, _ := os.Pipe()
	defer w1.Close()
	first, err := reg.CreateOwner("peerA", 1, filestream.Outgoing, r1)
	if err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}
	if err := reg.Remove("peerA", first.StreamID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	r2, w2, _ := os.Pipe()
	defer w2.Close()
	second, err := reg.CreateOwner("peerA", 1, filestream.Outgoing, r2)
	if err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}
	if second.StreamID != first.StreamID {
		t.Fatalf("allocID did not reuse the released slot: got %d, want %d", second.StreamID, first.StreamID)
	}
}

func TestInstanceReadWriteChunk(t *testing.T) {
	dual, err := filestream.NewDual("peerA", 1, 1, filestream.Outgoing, filestream.PipeBackend{})
	if err != nil {
		t.Fatalf("NewDual: %v", err)
	}
	defer dual.Close()

	if dual.Direction != filestream.Incoming {
		t.Fatalf("dual direction = %v, want Incoming", dual.Direction)
	}

	if err := dual.WriteChunk([]byte("payload")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	dual.UserEnd.Close()

	data, eof, err := dual.ReadChunk(0)
	if err == nil {
		t.Fatalf("ReadChunk on an Incoming instance should have failed")
	}
	_ = data
	_ = eof
}

func TestInstanceFlowControlWindow(t *testing.T) {
	dual, err := filestream.NewDual("peerA", 1, 1, filestream.Outgoing, filestream.PipeBackend{})
	if err != nil {
		t.Fatalf("NewDual: %v", err)
	}
	defer dual.Close()

	if dual.Direction != filestream.Incoming {
		t.Fatalf("dual direction = %v, want Incoming", dual.Direction)
	}
	if got := dual.GrantWindow(1024); got != 1024 {
		t.Fatalf("GrantWindow = %d, want 1024", got)
	}
	if err := dual.ConsumeWindow(512); err != nil {
		t.Fatalf("ConsumeWindow: %v", err)
	}
	if err := dual.ConsumeWindow(1024); err == nil {
		t.Fatalf("ConsumeWindow accepted more bytes than were granted")
	}
}

func r1r2(t *testing.T) struct{ r1, r2 *filestream.Registry } {
	t.Helper()
	return struct{ r1, r2 *filestream.Registry }{filestream.NewRegistry(), filestream.NewRegistry()}
}
