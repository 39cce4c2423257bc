// Copyright (c) 2026 The rpcproxy Authors.

package ipc_test

import (
	"context"
	"testing"

	"github.com/ipcmesh/rpcproxy/internal/ipc"
)

func TestFakeSessionLifecycle(t *testing.T) {
	f := ipc.NewFake()

	id, err := f.SessionCreate(context.Background(), "svc.foo")
	if err != nil {
		t.Fatalf("SessionCreate: %v", err)
	}

	closed := false
	f.OnClose(id, func(ipc.SessionID) { closed = true })

	msg, err := f.NewMessage(id, 256)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	msg.SetPayload([]byte("ping"))

	if err := f.Send(id, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(f.Delivered) != 1 || string(f.Delivered[0].Payload) != "ping" {
		t.Fatalf("Delivered = %+v, want one ping", f.Delivered)
	}

	if err := f.CloseSession(id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if !closed {
		t.Fatalf("OnClose callback did not fire")
	}
}

func TestFakeServiceAdvertiseRequiresRegistration(t *testing.T) {
	f := ipc.NewFake()
	if err := f.ServiceAdvertise("svc.foo"); err == nil {
		t.Fatalf("ServiceAdvertise succeeded before ServiceCreate")
	}
	if err := f.ServiceCreate("svc.foo"); err != nil {
		t.Fatalf("ServiceCreate: %v", err)
	}
	if err := f.ServiceAdvertise("svc.foo"); err != nil {
		t.Fatalf("ServiceAdvertise: %v", err)
	}
}
