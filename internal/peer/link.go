// Copyright (c) 2026 The rpcproxy Authors.

// Package peer implements the network supervisor of spec §4.H: one
// record per configured peer system holding the transport handle, the
// link state, and the per-peer stream receiver. Grounded in
// internal/meshage's Node (per-peer client state plus a periodic
// keepalive analogous to MSA) and internal/ron's Server.DialSerial
// reconnect-with-backoff loop.
package peer

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/ipcmesh/rpcproxy/internal/config"
	"github.com/ipcmesh/rpcproxy/internal/receiver"
	"github.com/ipcmesh/rpcproxy/internal/transport"
)

// State is one of the three link states spec §4.H names.
type State int

const (
	Down State = iota
	Connecting
	Up
)

func (s State) String() string {
	switch s {
	case Down:
		return "DOWN"
	case Connecting:
		return "CONNECTING"
	case Up:
		return "UP"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Link is one configured peer system's connection and receive state.
// Like service.Machine it performs no I/O itself: callers drive it with
// events and act on the returned intents, keeping every mutation on the
// single event-loop goroutine the way §5 requires.
type Link struct {
	System string
	Link   config.SystemLink

	Transport transport.Module
	Handle    transport.Handle
	Receiver  *receiver.Machine

	State State

	durations config.Durations
	rnd       *rand.Rand

	awaitingKeepalive   bool
	lastKeepaliveSentAt time.Time
}

// New returns a fresh DOWN link for the given system, with its own
// receiver state machine and pseudo-random source for keepalive jitter
// (seeded independently per link, matching internal/iomeshage's
// per-component *rand.Rand).
func New(system config.SystemLink, durations config.Durations) *Link {
	return &Link{
		System:    system.System,
		Link:      system,
		Receiver:  receiver.NewMachine(),
		State:     Down,
		durations: durations,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Connecting marks the link as mid-handshake once Transport.Create has
// been issued.
func (l *Link) Connecting(mod transport.Module, h transport.Handle) {
	l.Transport = mod
	l.Handle = h
	l.State = Connecting
}

// Established is delivered once the transport handle is readable/writable
// (spec: link establishment). It reports the jittered delay before the
// first keepalive should fire, staggering many services binding at once
// on a freshly established link (original_source addendum,
// le_rpcProxy.c).
func (l *Link) Established() (firstKeepaliveDelay time.Duration) {
	l.State = Up
	l.awaitingKeepalive = false
	interval := l.durations.KeepaliveInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return time.Duration(l.rnd.Int63n(int64(interval)))
}

// KeepaliveTimerFired is delivered when the periodic keepalive timer
// elapses. It reports whether to send a KEEPALIVE_REQUEST now (declined
// if the link isn't UP or a request is already outstanding) and whether
// the keepalive timeout has been exceeded, in which case the caller must
// tear the link down.
func (l *Link) KeepaliveTimerFired() (sendRequest bool, timedOut bool) {
	if l.State != Up {
		return false, false
	}
	if l.awaitingKeepalive {
		timeout := l.durations.KeepaliveTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		if time.Since(l.lastKeepaliveSentAt) >= timeout {
			return false, true
		}
		return false, false
	}
	l.awaitingKeepalive = true
	l.lastKeepaliveSentAt = time.Now()
	return true, false
}

// KeepaliveResponseReceived clears the outstanding-keepalive flag so the
// next timer tick sends a fresh request instead of declaring a timeout.
func (l *Link) KeepaliveResponseReceived() {
	l.awaitingKeepalive = false
}

// Down tears the link back to DOWN. The caller is responsible for
// releasing every dependent service, pending request, file stream, and
// event-context record (spec §4.H) before or after calling Down; Down
// itself only resets the link's own bookkeeping and arms a reconnect.
func (l *Link) Down() (reconnectDelay time.Duration) {
	l.State = Down
	l.awaitingKeepalive = false
	if l.Transport != nil && l.Handle != 0 {
		l.Transport.Close(l.Handle)
	}
	l.Receiver = receiver.NewMachine()

	retry := l.durations.ServiceRetryInterval
	if retry <= 0 {
		retry = 3 * time.Second
	}
	return retry
}
