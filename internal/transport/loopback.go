// Copyright (c) 2026 The rpcproxy Authors.

package transport

import (
	"fmt"
	"sync"
)

// loopQueue is one direction of a Loopback pair: a bounded-nowhere byte
// buffer the sending side appends to and the receiving side drains.
type loopQueue struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
}

func (q *loopQueue) write(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("transport: loopback peer closed")
	}
	q.buf = append(q.buf, data...)
	return nil
}

func (q *loopQueue) read(buf []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		if q.closed {
			return 0, fmt.Errorf("transport: loopback closed")
		}
		return 0, ErrWouldBlock
	}
	n := copy(buf, q.buf)
	q.buf = q.buf[n:]
	return n, nil
}

func (q *loopQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// loopEndpoint pairs the two queues one handle sees: its own inbox and
// the peer's.
type loopEndpoint struct {
	in, out *loopQueue
}

// Loopback is an in-process Module for tests and local development
// without a real network transport. It is styled after minitunnel's test
// harness (an in-memory stand-in for a socket) but buffers each
// direction internally so Send never blocks — the engine is driven by a
// single cooperative loop (one per peer), and a Send that waited for the
// other side to read would deadlock it.
type Loopback struct {
	mu   sync.Mutex
	ends map[Handle]*loopEndpoint
	next Handle
}

// NewLoopback returns an empty Loopback module.
func NewLoopback() *Loopback {
	return &Loopback{ends: make(map[Handle]*loopEndpoint)}
}

// NewLoopbackPair wires up two Loopback modules already connected to each
// other, returning the handle each side should use.
func NewLoopbackPair() (a *Loopback, ah Handle, b *Loopback, bh Handle) {
	q1, q2 := &loopQueue{}, &loopQueue{}
	a = NewLoopback()
	b = NewLoopback()
	ah = a.adopt(&loopEndpoint{in: q1, out: q2})
	bh = b.adopt(&loopEndpoint{in: q2, out: q1})
	return a, ah, b, bh
}

func (l *Loopback) adopt(e *loopEndpoint) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	h := l.next
	l.ends[h] = e
	return h
}

// Create is unused by Loopback: connections are wired up directly via
// NewLoopbackPair, since there is no dial target to parse from args in a
// pure in-process test double.
func (l *Loopback) Create(args []string) (Handle, error) {
	return 0, fmt.Errorf("transport: Loopback has no dialer, use NewLoopbackPair")
}

// Send implements Module. It appends to the peer's inbox and returns
// immediately.
func (l *Loopback) Send(h Handle, data []byte) error {
	e, err := l.endpoint(h)
	if err != nil {
		return err
	}
	return e.out.write(data)
}

// Receive implements Module: it drains whatever is currently buffered,
// returning ErrWouldBlock when the inbox is empty.
func (l *Loopback) Receive(h Handle, buf []byte) (int, error) {
	e, err := l.endpoint(h)
	if err != nil {
		return 0, err
	}
	return e.in.read(buf)
}

// PollID implements Module. A loopback pair has no OS-level file
// descriptor to hand the runtime's monitor; callers exercising Loopback
// poll it directly instead of integrating with a real fd-monitor.
func (l *Loopback) PollID(h Handle) PollToken { return h }

// Close implements Module. Both directions are marked closed so the
// peer's next Receive (once drained) or Send reports the loss.
func (l *Loopback) Close(h Handle) error {
	l.mu.Lock()
	e, ok := l.ends[h]
	delete(l.ends, h)
	l.mu.Unlock()

	if !ok {
		return nil
	}
	e.in.close()
	e.out.close()
	return nil
}

func (l *Loopback) endpoint(h Handle) (*loopEndpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.ends[h]
	if !ok {
		return nil, fmt.Errorf("transport: unknown handle %d", h)
	}
	return e, nil
}
