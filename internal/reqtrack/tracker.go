// Copyright (c) 2026 The rpcproxy Authors.

// Package reqtrack implements the pending-request tracker of spec §4.F:
// each outgoing CLIENT_REQUEST gets an entry keyed by proxy-message-id,
// an expiry timer, and a record of where its response (and any recorded
// optimized-output buffers) should land.
package reqtrack

import (
	"time"

	"github.com/ipcmesh/rpcproxy/internal/reftable"
)

// OptimizedOutput is a caller-recorded destination for an optimized
// output parameter (spec §4.C). The tracker only stores it: Complete
// hands it back, and the caller copies the response's matching
// OUT_*_RESPONSE value into Dest. Offset is the parameter's position
// among the request's optimized outputs.
type OptimizedOutput struct {
	Dest   []byte
	Offset int
}

// Entry is one pending request: enough to complete it locally (Handle,
// an opaque value meaningful only to the caller, mirroring
// responseHandlers' channel-per-request shape but using a callback slot
// instead since our event loop is single-threaded) or to abandon it on
// timeout or session close.
type Entry struct {
	ServiceID uint32
	SessionID uint64
	Handle    interface{}
	Outputs   []OptimizedOutput

	timer *time.Timer
}

// Tracker owns every pending request for the proxy. Its correlation
// table is the reftable.Table[T] generation-tagged slot array (spec §4.D)
// rather than a bespoke map: a pending request and a table entry are the
// same problem (opaque, collision-free ids while an object is live), so
// the proxy-message-id *is* the request's 32-bit reftable.Token, which
// is already the wire width, matching SPEC_FULL.md's resolution of the proxy-message-id
// wraparound Open Question.
type Tracker struct {
	table   *reftable.Table[*Entry]
	timeout time.Duration
}

// NewTracker returns a tracker with room for capacity simultaneously
// pending requests and the given per-request expiry (spec §4.F:
// "implementation-defined interval, seconds scale").
func NewTracker(capacity int, timeout time.Duration) *Tracker {
	return &Tracker{table: reftable.NewTable[*Entry](capacity), timeout: timeout}
}

// Begin registers a new pending request and arms its expiry timer.
// onExpire is invoked (from a goroutine spawned by time.AfterFunc,
// matching the teacher's timer idiom) with the proxy-message-id if the
// timer fires before Complete, CloseSession, or CloseService releases
// the entry first; the
// event loop is expected to treat that invocation as just another event
// to handle on its next turn, not to run caller logic inline off the
// loop's goroutine.
func (t *Tracker) Begin(serviceID uint32, sessionID uint64, handle interface{}, outputs []OptimizedOutput, onExpire func(id uint32)) (uint32, error) {
	e := &Entry{ServiceID: serviceID, SessionID: sessionID, Handle: handle, Outputs: outputs}

	tok, err := t.table.Alloc(e)
	if err != nil {
		return 0, err
	}
	id := uint32(tok)

	if t.timeout > 0 && onExpire != nil {
		e.timer = time.AfterFunc(t.timeout, func() { onExpire(id) })
	}
	return id, nil
}

// Complete looks up and releases the entry for id, stopping its expiry
// timer, and returns its handle and recorded optimized-output
// destinations for the caller to finish delivering the response. ok is
// false if id is unknown or already released (a late timeout race, or a
// duplicate/unexpected SERVER_RESPONSE).
func (t *Tracker) Complete(id uint32) (handle interface{}, outputs []OptimizedOutput, ok bool) {
	e, found := t.table.Lookup(reftable.Token(id))
	if !found {
		return nil, nil, false
	}
	t.release(reftable.Token(id), e)
	return e.Handle, e.Outputs, true
}

// Expire releases the entry for id in response to its own expiry timer
// firing. It returns the handle to complete locally with a timeout error,
// or ok=false if the entry was already completed or abandoned (a benign
// race between the timer and a concurrently arriving response).
func (t *Tracker) Expire(id uint32) (handle interface{}, ok bool) {
	e, found := t.table.Lookup(reftable.Token(id))
	if !found {
		return nil, false
	}
	t.table.Release(reftable.Token(id))
	return e.Handle, true
}

// CloseSession releases every entry scoped to (serviceID, sessionID),
// stopping their timers, and returns the handles to fail locally with a
// session-closed error — the tracker's contribution to a local client
// session close draining all of its own in-flight requests without
// touching requests belonging to other sessions on the same service.
func (t *Tracker) CloseSession(serviceID uint32, sessionID uint64) []interface{} {
	var handles []interface{}

	var toRelease []reftable.Token
	t.table.Each(func(tok reftable.Token, e *Entry) {
		if e.ServiceID == serviceID && e.SessionID == sessionID {
			toRelease = append(toRelease, tok)
		}
	})
	for _, tok := range toRelease {
		e, ok := t.table.Lookup(tok)
		if !ok {
			continue
		}
		handles = append(handles, e.Handle)
		t.release(tok, e)
	}
	return handles
}

// CloseService releases every entry on serviceID regardless of session,
// used on DISCONNECT_SERVICE (spec §4.E: "tears down all outstanding
// pending requests on that service").
func (t *Tracker) CloseService(serviceID uint32) []interface{} {
	var handles []interface{}

	var toRelease []reftable.Token
	t.table.Each(func(tok reftable.Token, e *Entry) {
		if e.ServiceID == serviceID {
			toRelease = append(toRelease, tok)
		}
	})
	for _, tok := range toRelease {
		e, ok := t.table.Lookup(tok)
		if !ok {
			continue
		}
		handles = append(handles, e.Handle)
		t.release(tok, e)
	}
	return handles
}

// CountService returns the number of pending requests currently on
// serviceID, used as the drain condition for service.Machine.Quiesce.
func (t *Tracker) CountService(serviceID uint32) int {
	n := 0
	t.table.Each(func(_ reftable.Token, e *Entry) {
		if e.ServiceID == serviceID {
			n++
		}
	})
	return n
}

// Len returns the total number of pending requests across every service.
func (t *Tracker) Len() int { return t.table.Len() }

func (t *Tracker) release(tok reftable.Token, e *Entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	t.table.Release(tok)
}
