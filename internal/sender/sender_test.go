// Copyright (c) 2026 The rpcproxy Authors.

package sender_test

import (
	"testing"

	"github.com/ipcmesh/rpcproxy/internal/filestream"
	"github.com/ipcmesh/rpcproxy/internal/receiver"
	"github.com/ipcmesh/rpcproxy/internal/sender"
	"github.com/ipcmesh/rpcproxy/internal/wire"
)

func TestFixedMessageRoundTripsThroughReceiver(t *testing.T) {
	hdr := wire.Header{ProxyMessageID: 9, ServiceID: 3, Type: wire.ConnectServiceResponse}
	body := wire.FixedBody{System: "A", Service: "svc.bar", Protocol: "P2", ServiceCode: wire.ServiceCodeOK}

	buf, err := sender.FixedMessage(hdr, body)
	if err != nil {
		t.Fatalf("FixedMessage: %v", err)
	}

	m := receiver.NewMachine()
	msg, ok, err := m.Feed(buf, nil)
	if err != nil || !ok {
		t.Fatalf("Feed: ok=%v err=%v", ok, err)
	}
	if msg.Header != hdr {
		t.Fatalf("Header = %+v, want %+v", msg.Header, hdr)
	}
	if msg.FixedBody != body {
		t.Fatalf("FixedBody = %+v, want %+v", msg.FixedBody, body)
	}
}

func TestIPCMessageRoundTripsThroughReceiver(t *testing.T) {
	hdr := wire.Header{ProxyMessageID: 100, ServiceID: 4, Type: wire.ClientRequest}

	payload := wire.AppendArrayIndefiniteHead(nil)
	payload = wire.AppendTextString(payload, "hello")
	payload = wire.AppendUint(payload, 7)

	buf, _, err := sender.IPCMessage(hdr, 55, payload, sender.Metadata{}, nil)
	if err != nil {
		t.Fatalf("IPCMessage: %v", err)
	}

	m := receiver.NewMachine()
	msg, ok, err := m.Feed(buf, nil)
	if err != nil || !ok {
		t.Fatalf("Feed: ok=%v err=%v", ok, err)
	}
	if msg.Header != hdr {
		t.Fatalf("Header = %+v, want %+v", msg.Header, hdr)
	}
	if msg.MessageID != 55 {
		t.Fatalf("MessageID = %d, want 55", msg.MessageID)
	}
	if len(msg.Body) == 0 || !wire.IsBreak(msg.Body[len(msg.Body)-1]) {
		t.Fatalf("Body did not end with a break: %x", msg.Body)
	}
}

func TestIPCMessageWithFilestreamMetadataRoundTrips(t *testing.T) {
	hdr := wire.Header{ProxyMessageID: 101, ServiceID: 4, Type: wire.ServerResponse}

	payload := wire.AppendArrayIndefiniteHead(nil)
	payload = wire.AppendTextString(payload, "ok")

	meta := sender.Metadata{HasFilestream: true, StreamID: 3, Flags: filestream.FlagOwner}

	buf, _, err := sender.IPCMessage(hdr, 9, payload, meta, nil)
	if err != nil {
		t.Fatalf("IPCMessage: %v", err)
	}

	m := receiver.NewMachine()
	msg, ok, err := m.Feed(buf, nil)
	if err != nil || !ok {
		t.Fatalf("Feed: ok=%v err=%v", ok, err)
	}
	if msg.MessageID != 9 {
		t.Fatalf("MessageID = %d, want 9", msg.MessageID)
	}

	// The receiver pulls the FILESTREAM_ID/FILESTREAM_FLAG tail out of
	// the array itself (spec §4.A: "so that the receiver can associate
	// the stream with the message"), exposing it as msg.Filestream
	// rather than leaving it for the caller to reparse out of Body.
	if msg.Filestream.StreamID != 3 {
		t.Fatalf("Filestream.StreamID = %d, want 3", msg.Filestream.StreamID)
	}
	if msg.Filestream.Flags != filestream.FlagOwner {
		t.Fatalf("Filestream.Flags = %v, want FlagOwner", msg.Filestream.Flags)
	}
	if len(msg.Body) == 0 || !wire.IsBreak(msg.Body[len(msg.Body)-1]) {
		t.Fatalf("stripped body did not end with a break: %x", msg.Body)
	}
}

func TestFilestreamMessageRoundTripsThroughReceiver(t *testing.T) {
	hdr := wire.Header{ProxyMessageID: 1, ServiceID: 2, Type: wire.ClientRequest} // overwritten by FilestreamMessage
	fm := filestream.Message{StreamID: 5, Flags: filestream.FlagOwner | filestream.FlagDataPacket, Payload: []byte("abc")}

	buf, err := sender.FilestreamMessage(hdr, fm)
	if err != nil {
		t.Fatalf("FilestreamMessage: %v", err)
	}

	m := receiver.NewMachine()
	msg, ok, err := m.Feed(buf, nil)
	if err != nil || !ok {
		t.Fatalf("Feed: ok=%v err=%v", ok, err)
	}
	if msg.Header.Type != wire.FilestreamMessage {
		t.Fatalf("Header.Type = %v, want FILESTREAM_MESSAGE", msg.Header.Type)
	}
	if msg.Filestream.StreamID != 5 || string(msg.Filestream.Payload) != "abc" {
		t.Fatalf("Filestream = %+v, want stream id 5 payload abc", msg.Filestream)
	}
}

func TestFeedByteAtATimeAcrossSenderComposedMessage(t *testing.T) {
	hdr := wire.Header{ProxyMessageID: 2, ServiceID: 2, Type: wire.ClientRequest}
	payload := wire.AppendArrayIndefiniteHead(nil)
	payload = wire.AppendTextString(payload, "x")

	buf, _, err := sender.IPCMessage(hdr, 1, payload, sender.Metadata{}, nil)
	if err != nil {
		t.Fatalf("IPCMessage: %v", err)
	}

	m := receiver.NewMachine()
	var completed bool
	for _, b := range buf {
		_, ok, err := m.Feed([]byte{b}, nil)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if ok {
			completed = true
		}
	}
	if !completed {
		t.Fatalf("Feed never completed despite receiving the whole message")
	}
}
