// Copyright (c) 2026 The rpcproxy Authors.

package transport_test

import (
	"testing"
	"time"

	"github.com/ipcmesh/rpcproxy/internal/transport"
)

func TestLoopbackSendReceive(t *testing.T) {
	a, ah, b, bh := transport.NewLoopbackPair()
	defer a.Close(ah)
	defer b.Close(bh)

	if err := a.Send(ah, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 16)
	deadline := time.Now().Add(time.Second)
	var n int
	var err error
	for time.Now().Before(deadline) {
		n, err = b.Receive(bh, buf)
		if err == nil && n > 0 {
			break
		}
		if err != nil && err != transport.ErrWouldBlock {
			t.Fatalf("Receive: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("Receive = %q, want hello", buf[:n])
	}
}

func TestLoopbackReceiveWouldBlockWhenIdle(t *testing.T) {
	a, ah, b, bh := transport.NewLoopbackPair()
	defer a.Close(ah)
	defer b.Close(bh)

	buf := make([]byte, 16)
	_, err := a.Receive(ah, buf)
	if err != transport.ErrWouldBlock {
		t.Fatalf("Receive on an idle connection = %v, want ErrWouldBlock", err)
	}
}
