// Copyright (c) 2026 The rpcproxy Authors.

package ipc

import (
	"context"
	"fmt"
	"sync"
)

// FakeMessage is the in-memory MessageHandle used by Fake.
type FakeMessage struct {
	payload []byte
	fdNum   int
	hasFd   bool
}

func (m *FakeMessage) Payload() []byte { return m.payload }

func (m *FakeMessage) SetPayload(data []byte) {
	m.payload = append([]byte(nil), data...)
}

func (m *FakeMessage) Fd() (int, bool) { return m.fdNum, m.hasFd }

func (m *FakeMessage) SetFd(fdNum int) {
	m.fdNum = fdNum
	m.hasFd = true
}

// Fake is an in-memory Fabric implementation for tests: it has no real
// process boundary, just bookkeeping of sessions, services, and the
// callbacks registered against them.
type Fake struct {
	mu sync.Mutex

	nextSession SessionID
	sessions    map[SessionID]bool
	onClose     map[SessionID][]CloseFunc

	services   map[string]bool
	advertised map[string]bool

	// Delivered records every message handed to RequestResponse or Send,
	// for test assertions.
	Delivered []FakeDelivery
}

// FakeDelivery records one call to Send or RequestResponse. Done is set
// only for a RequestResponse delivery, letting a test complete it
// directly instead of standing up a real local server binding. Fd/HasFd
// mirror the delivered message's embedded descriptor, so a test can
// read from the stream end a dual file-stream instance handed in.
type FakeDelivery struct {
	SessionID SessionID
	Payload   []byte
	Opaque    interface{}
	Done      CompletionFunc
	Fd        int
	HasFd     bool
}

// NewFake returns an empty Fake fabric.
func NewFake() *Fake {
	return &Fake{
		sessions:   make(map[SessionID]bool),
		onClose:    make(map[SessionID][]CloseFunc),
		services:   make(map[string]bool),
		advertised: make(map[string]bool),
	}
}

func (f *Fake) SessionCreate(ctx context.Context, handle string) (SessionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSession++
	id := f.nextSession
	f.sessions[id] = true
	return id, nil
}

func (f *Fake) ServiceCreate(handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[handle] = true
	return nil
}

func (f *Fake) ServiceAdvertise(handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.services[handle] {
		return fmt.Errorf("ipc: advertise of unregistered service %q", handle)
	}
	f.advertised[handle] = true
	return nil
}

func (f *Fake) ServiceDelete(handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.advertised, handle)
	delete(f.services, handle)
	return nil
}

func (f *Fake) NewMessage(sessionID SessionID, maxSize int) (MessageHandle, error) {
	f.mu.Lock()
	ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ipc: unknown session %d", sessionID)
	}
	return &FakeMessage{payload: make([]byte, 0, maxSize)}, nil
}

func (f *Fake) Send(sessionID SessionID, msg MessageHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[sessionID] {
		return fmt.Errorf("ipc: unknown session %d", sessionID)
	}
	fd, hasFd := msg.Fd()
	f.Delivered = append(f.Delivered, FakeDelivery{SessionID: sessionID, Payload: msg.Payload(), Fd: fd, HasFd: hasFd})
	return nil
}

// RequestResponse in the fake only records the delivery, including done;
// there is no real local server process to complete it and no automatic
// reply: tests supply their own server-side behavior by calling Complete
// (or the recorded Done) directly.
func (f *Fake) RequestResponse(sessionID SessionID, msg MessageHandle, opaque interface{}, done CompletionFunc) error {
	f.mu.Lock()
	if !f.sessions[sessionID] {
		f.mu.Unlock()
		return fmt.Errorf("ipc: unknown session %d", sessionID)
	}
	fd, hasFd := msg.Fd()
	f.Delivered = append(f.Delivered, FakeDelivery{SessionID: sessionID, Payload: msg.Payload(), Opaque: opaque, Done: done, Fd: fd, HasFd: hasFd})
	f.mu.Unlock()
	return nil
}

// Complete lets a test simulate the local server finishing a delivered
// RequestResponse call by invoking its done callback with resp and opaque.
func (f *Fake) Complete(done CompletionFunc, resp MessageHandle, opaque interface{}) {
	done(resp, opaque)
}

// LastDelivery returns the most recent delivery recorded (via Send or
// RequestResponse), for tests that need to react to whatever the proxy
// most recently handed the fabric.
func (f *Fake) LastDelivery() (FakeDelivery, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Delivered) == 0 {
		return FakeDelivery{}, false
	}
	return f.Delivered[len(f.Delivered)-1], true
}

func (f *Fake) CloseSession(sessionID SessionID) error {
	f.mu.Lock()
	fns := f.onClose[sessionID]
	delete(f.sessions, sessionID)
	delete(f.onClose, sessionID)
	f.mu.Unlock()

	for _, fn := range fns {
		fn(sessionID)
	}
	return nil
}

func (f *Fake) OnClose(sessionID SessionID, fn CloseFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose[sessionID] = append(f.onClose[sessionID], fn)
}
