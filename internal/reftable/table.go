// Copyright (c) 2026 The rpcproxy Authors.

// Package reftable implements the generation-tagged slot arrays that back
// the RPC proxy's service-id and event-context reference namespaces
// (spec §3, §4.D). Design note: "Reference tables should be
// generation-tagged slot arrays, not raw pointer casts. A token carries an
// index and a generation; a stale token from a previous binding fails
// lookup deterministically." One Table instance is owned by exactly one
// peer link (spec §4.D: "never shared across peers") and is therefore
// never accessed from more than one goroutine at a time, needing no
// internal locking — consistent with the single-threaded-cooperative
// model of spec §5.
package reftable

import "github.com/ipcmesh/rpcproxy/internal/rpcerr"

// Token is a 32-bit opaque wire value packing a slot index (high 16 bits)
// and a generation counter (low 16 bits). The zero Token is reserved to
// mean "no reference."
type Token uint32

const (
	indexBits = 16
	genMask   = 1<<indexBits - 1
)

func pack(index, generation uint16) Token {
	return Token(uint32(index)<<indexBits | uint32(generation))
}

func (t Token) index() uint16      { return uint16(uint32(t) >> indexBits) }
func (t Token) generation() uint16 { return uint16(uint32(t) & genMask) }

// Valid reports whether t could possibly name a slot (the zero token
// never does).
func (t Token) Valid() bool { return t != 0 }

type slot[T any] struct {
	value      T
	generation uint16
	occupied   bool
}

// Table is a bounded, slot-reusing allocator mapping Tokens to values of
// type T. Capacity is fixed at construction per spec §5's "every table
// has a compile-time maximum."
type Table[T any] struct {
	slots    []slot[T]
	freeList []uint16
	next     uint16 // next never-used index, while freeList is still empty
}

// NewTable constructs a Table bounded to hold at most capacity live
// entries. capacity must fit in 16 bits (65535); the design's
// SERVICE_BINDINGS_MAX and equivalent bounds are always far smaller.
func NewTable[T any](capacity int) *Table[T] {
	if capacity <= 0 || capacity > genMask {
		capacity = genMask
	}
	return &Table[T]{slots: make([]slot[T], capacity)}
}

// Alloc binds value to a freshly minted Token and returns it. It returns
// ResourceExhausted if the table is already at capacity.
func (t *Table[T]) Alloc(value T) (Token, error) {
	var idx uint16
	if n := len(t.freeList); n > 0 {
		idx = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else if int(t.next) < len(t.slots) {
		idx = t.next
		t.next++
	} else {
		return 0, rpcerr.Newf(rpcerr.ResourceExhausted, "reftable: table full (capacity %d)", len(t.slots))
	}

	s := &t.slots[idx]
	s.value = value
	s.occupied = true
	// generation starts at 1 so that the zero Token (index 0, generation
	// 0) never names a live slot, even slot 0 immediately after Alloc.
	if s.generation == 0 {
		s.generation = 1
	}

	return pack(idx, s.generation), nil
}

// Lookup resolves tok to its bound value. ok is false if tok is the zero
// token, names a slot past capacity, or names a generation that has since
// been released — spec §3's "any token seen in an incoming message must
// resolve; unresolved tokens are a fatal-for-that-peer protocol error."
func (t *Table[T]) Lookup(tok Token) (value T, ok bool) {
	if !tok.Valid() {
		return value, false
	}
	idx := tok.index()
	if int(idx) >= len(t.slots) {
		return value, false
	}
	s := &t.slots[idx]
	if !s.occupied || s.generation != tok.generation() {
		return value, false
	}
	return s.value, true
}

// Release frees tok's slot. A stale Token to the same index (from a prior
// generation) will fail Lookup forever after, since the next Alloc of
// that index bumps the generation. Release of an already-unbound or
// invalid Token is a no-op.
func (t *Table[T]) Release(tok Token) {
	if !tok.Valid() {
		return
	}
	idx := tok.index()
	if int(idx) >= len(t.slots) {
		return
	}
	s := &t.slots[idx]
	if !s.occupied || s.generation != tok.generation() {
		return
	}

	var zero T
	s.value = zero
	s.occupied = false
	s.generation++ // wraps 0xffff -> 0; Alloc's "start at 1" guard handles that case
	t.freeList = append(t.freeList, idx)
}

// Len returns the number of currently bound entries.
func (t *Table[T]) Len() int {
	n := int(t.next) - len(t.freeList)
	if n < 0 {
		return 0
	}
	return n
}

// Cap returns the table's fixed capacity.
func (t *Table[T]) Cap() int { return len(t.slots) }

// Each calls fn for every currently bound (Token, value) pair. fn must not
// call Alloc or Release on t.
func (t *Table[T]) Each(fn func(Token, T)) {
	for idx := range t.slots {
		s := &t.slots[idx]
		if s.occupied {
			fn(pack(uint16(idx), s.generation), s.value)
		}
	}
}
