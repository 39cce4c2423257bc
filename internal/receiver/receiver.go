// Copyright (c) 2026 The rpcproxy Authors.

// Package receiver implements the per-peer stream receive state machine
// of spec §4.B: bytes arrive from the transport in arbitrary, possibly
// tiny chunks, and the machine accumulates them across calls until a
// complete message is ready, suspending (returning to the caller) the
// instant the transport yields fewer bytes than requested. There is no
// blocking and no per-byte timeout; the only suspension point is
// "transport had nothing more right now."
package receiver

import (
	"fmt"

	"github.com/ipcmesh/rpcproxy/internal/filestream"
	"github.com/ipcmesh/rpcproxy/internal/rpcerr"
	"github.com/ipcmesh/rpcproxy/internal/wire"
)

// OuterState names the outer per-peer receive states of spec §4.B's
// diagram.
type OuterState int

const (
	Idle OuterState = iota
	PartialHeader
	Header
	Stream
	Done
)

func (s OuterState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case PartialHeader:
		return "PARTIAL_HEADER"
	case Header:
		return "HEADER"
	case Stream:
		return "STREAM"
	case Done:
		return "DONE"
	default:
		return fmt.Sprintf("OuterState(%d)", int(s))
	}
}

// InnerState names the STREAM sub-machine's states. Each carries an
// expected byte count, a destination buffer, and a bytes-received
// counter, all held directly on Machine rather than boxed per state,
// since only one inner state is ever active at a time.
type InnerState int

const (
	ConstantLengthBody InnerState = iota
	IPCMsgID
	AsyncEventInit
	CBORHeader
	CBORIntegerItem
	CBORItemBody
	StreamDone
)

func (s InnerState) String() string {
	switch s {
	case ConstantLengthBody:
		return "CONSTANT_LENGTH_BODY"
	case IPCMsgID:
		return "IPC_MSG_ID"
	case AsyncEventInit:
		return "ASYNC_EVENT_INIT"
	case CBORHeader:
		return "CBOR_HEADER"
	case CBORIntegerItem:
		return "CBOR_INTEGER_ITEM"
	case CBORItemBody:
		return "CBOR_ITEM_BODY"
	case StreamDone:
		return "STREAM_DONE"
	default:
		return fmt.Sprintf("InnerState(%d)", int(s))
	}
}

// ReferenceResolver resolves a generic REFERENCE token carried on the
// wire back to the local value it names (spec §4.D: "any token seen in
// an incoming message must resolve; unresolved tokens are a
// fatal-for-that-peer protocol error"). The per-peer table that mints
// these tokens (rpcproxy's genericRefTable, held in peerState.refs)
// implements it; Feed accepts the
// resolver as a parameter rather than a Machine field because
// internal/peer.Link rebuilds its Machine from scratch on every
// reconnect (Link.Down), while the resolver's lifetime is the peer's.
type ReferenceResolver interface {
	ResolveReference(token uint64) (uint64, bool)
}

// Message is a fully received, decoded wire message handed to the
// caller once a STREAM_DONE transition completes it.
type Message struct {
	Header     wire.Header
	FixedBody  wire.FixedBody // valid iff Header.Type.FixedLayout()
	MessageID  uint32         // valid iff Header.Type.IPCBearing()
	Body       []byte         // the repacked CBOR array body, including the break, for IPC-bearing and filestream types
	Filestream filestream.Message

	// ContextToken/HasContextToken carry a CONTEXT_PTR_REFERENCE item
	// translateBody stripped out of Body (spec §4.D). The caller looks
	// the token up in the owning peer's ContextTable and is responsible
	// for re-embedding whatever local value the lookup produces before
	// handing Body to the local IPC fabric.
	ContextToken    uint32
	HasContextToken bool

	// Responses holds, in encounter order, the actual bytes of every
	// OUT_STRING_RESPONSE/OUT_BYTE_STR_RESPONSE item translateBody
	// decoded (spec §4.F: "optimized-output buffers are copied back into
	// their recorded pointers"). Empty for any message that carries none.
	Responses [][]byte
}

// Machine is one peer link's receive state machine. It holds no
// transport handle itself: the caller (internal/peer) owns the
// transport.Module and feeds bytes in via Feed.
type Machine struct {
	outer OuterState
	inner InnerState

	// pending buffers input bytes Feed has received but not yet consumed,
	// so a single transport read carrying the tail of one message and the
	// head of the next loses nothing between calls.
	pending []byte

	hdrBuf  [wire.HeaderLen]byte
	hdrFill int
	header  wire.Header

	msgIDBuf  [4]byte
	msgIDFill int

	body  []byte
	depth int

	// CBOR item scanner state for the variable-length body: scanNeed
	// counts argument bytes still owed to the current item head, scanVal
	// accumulates them, scanMajor remembers the head's major type, and
	// scanSkip counts string payload bytes to pass through untouched so a
	// 0xff inside a byte string is never mistaken for a break.
	scanMajor byte
	scanVal   uint64
	scanNeed  int
	scanSkip  int

	refs ReferenceResolver
}

// NewMachine returns a fresh IDLE receive machine.
func NewMachine() *Machine {
	return &Machine{outer: Idle}
}

// State returns the current outer/inner state pair, for diagnostics and
// tests.
func (m *Machine) State() (OuterState, InnerState) { return m.outer, m.inner }

// Feed delivers freshly read bytes to the machine. refs resolves any
// generic REFERENCE token the body carries; it may be nil for message
// types that never carry one (the fixed-layout and filestream types),
// and Feed re-records it on every call so a caller need not re-wire it
// after internal/peer.Link replaces the Machine on reconnect. It
// returns a completed Message whenever a full message finishes parsing;
// ok is false if the machine is still waiting for more bytes. Feed
// returns at most one message per call, buffering any bytes beyond it —
// the caller loops, calling Feed again with a zero-length slice to
// drain the buffered input before going back to the transport.
func (m *Machine) Feed(data []byte, refs ReferenceResolver) (msg Message, ok bool, err error) {
	m.refs = refs
	if len(data) > 0 {
		m.pending = append(m.pending, data...)
	}
	for {
		switch m.outer {
		case Idle:
			m.outer = PartialHeader
			m.hdrFill = 0

		case PartialHeader:
			n := copy(m.hdrBuf[m.hdrFill:], m.pending)
			m.hdrFill += n
			m.pending = m.pending[n:]
			if m.hdrFill < wire.HeaderLen {
				return Message{}, false, nil
			}
			m.outer = Header

		case Header:
			hdr, err := wire.UnmarshalHeader(m.hdrBuf[:])
			if err != nil {
				m.outer = Idle
				return Message{}, false, rpcerr.New(rpcerr.FormatError, err)
			}
			m.header = hdr
			m.outer = Stream
			m.startStream()

		case Stream:
			done, consumed, err := m.feedStream(m.pending)
			m.pending = m.pending[consumed:]
			if err != nil {
				m.outer = Idle
				return Message{}, false, err
			}
			if !done {
				return Message{}, false, nil
			}
			m.outer = Done

		case Done:
			out, err := m.finish()
			m.outer = Idle
			if err != nil {
				return Message{}, false, err
			}
			return out, true, nil
		}
	}
}

func (m *Machine) startStream() {
	m.body = m.body[:0]
	m.depth = 0
	m.msgIDFill = 0
	m.scanNeed = 0
	m.scanSkip = 0

	if m.header.Type.FixedLayout() {
		m.inner = ConstantLengthBody
		return
	}
	if m.header.Type.IPCBearing() {
		m.inner = IPCMsgID
		return
	}
	m.inner = CBORHeader
}

// feedStream advances the STREAM sub-machine with as much of data as it
// can use, reporting how many bytes it consumed and whether the body is
// now fully received.
func (m *Machine) feedStream(data []byte) (done bool, consumed int, err error) {
	orig := len(data)

	for {
		switch m.inner {
		case ConstantLengthBody:
			want := wire.FixedBodyLen
			remaining := want - len(m.body)
			if remaining > len(data) {
				remaining = len(data)
			}
			m.body = append(m.body, data[:remaining]...)
			data = data[remaining:]
			if len(m.body) < want {
				return false, orig - len(data), nil
			}
			m.inner = StreamDone

		case IPCMsgID:
			n := copy(m.msgIDBuf[m.msgIDFill:], data)
			m.msgIDFill += n
			data = data[n:]
			if m.msgIDFill < 4 {
				return false, orig - len(data), nil
			}
			m.inner = CBORHeader

		case CBORHeader, CBORIntegerItem, CBORItemBody:
			// The array-of-tagged-items body is accumulated wholesale
			// (rather than item-by-item scratch buffers) and parsed once
			// complete: a minimal CBOR item scanner tracks where each
			// item's head, argument bytes, and string payload end, so
			// completion is recognized the moment the outermost array's
			// break arrives. The scanner must understand item boundaries
			// because a 0xff inside a string payload is data, not a
			// break, and an indefinite-length string or map nests a break
			// of its own.
			for len(data) > 0 {
				b := data[0]
				m.body = append(m.body, b)
				data = data[1:]

				finished, serr := m.scanByte(b)
				if serr != nil {
					return false, orig - len(data), serr
				}
				if finished {
					m.inner = StreamDone
					return true, orig - len(data), nil
				}
			}
			return false, orig - len(data), nil

		case StreamDone:
			return true, orig - len(data), nil
		}
	}
}

// scanByte advances the CBOR body scanner by one byte, reporting done
// when the outermost indefinite-length array's break has been consumed.
// The three scanner phases map onto the inner states: CBORHeader awaits
// an item's initial byte, CBORIntegerItem accumulates its argument
// bytes, and CBORItemBody passes a string payload through.
func (m *Machine) scanByte(b byte) (done bool, err error) {
	if m.scanSkip > 0 {
		m.scanSkip--
		if m.scanSkip == 0 {
			m.inner = CBORHeader
		} else {
			m.inner = CBORItemBody
		}
		return false, nil
	}

	if m.scanNeed > 0 {
		m.scanNeed--
		m.scanVal = m.scanVal<<8 | uint64(b)
		if m.scanNeed == 0 {
			m.beginItemPayload()
		} else {
			m.inner = CBORIntegerItem
		}
		return false, nil
	}

	if wire.IsBreak(b) {
		m.depth--
		if m.depth <= 0 {
			return true, nil
		}
		m.inner = CBORHeader
		return false, nil
	}

	major := b >> 5
	info := b & 0x1f
	switch {
	case info < 24:
		m.scanMajor = major
		m.scanVal = uint64(info)
		m.beginItemPayload()
	case info <= 27:
		m.scanMajor = major
		m.scanVal = 0
		m.scanNeed = 1 << (info - 24)
		m.inner = CBORIntegerItem
	case info == 31:
		// Indefinite-length strings, arrays, and maps each nest a break
		// of their own before the outer array's.
		m.depth++
		m.inner = CBORHeader
	default:
		return false, rpcerr.Newf(rpcerr.FormatError, "receiver: reserved CBOR additional info %d", info)
	}
	return false, nil
}

// beginItemPayload routes the bytes that follow a completed item head:
// definite-length strings carry scanVal payload bytes to pass through;
// every other major type's argument is self-contained (a definite
// array/map head is followed by ordinary items the scanner handles one
// by one).
func (m *Machine) beginItemPayload() {
	if m.scanMajor == wire.MajorByteStr || m.scanMajor == wire.MajorTextStr {
		m.scanSkip = int(m.scanVal)
	}
	if m.scanSkip > 0 {
		m.inner = CBORItemBody
	} else {
		m.inner = CBORHeader
	}
}

// finish builds the completed Message once the STREAM sub-machine has
// reached STREAM_DONE.
func (m *Machine) finish() (Message, error) {
	out := Message{Header: m.header}

	if m.header.Type.FixedLayout() {
		fb, err := wire.UnmarshalFixedBody(m.body)
		if err != nil {
			return Message{}, rpcerr.New(rpcerr.FormatError, err)
		}
		out.FixedBody = fb
		return out, nil
	}

	if m.header.Type.IPCBearing() {
		out.MessageID = be32(m.msgIDBuf[:])

		body := m.body
		stripped, streamID, flags, hasTail, err := wire.SplitFilestreamTail(body)
		if err != nil {
			return Message{}, rpcerr.New(rpcerr.FormatError, err)
		}
		if hasTail {
			out.Filestream = filestream.Message{StreamID: streamID, Flags: filestream.Flag(flags)}
			body = stripped
		}

		translated, ctxToken, hasCtx, responses, terr := translateBody(body, m.refs)
		if terr != nil {
			return Message{}, terr
		}
		out.Body = translated
		out.ContextToken = ctxToken
		out.HasContextToken = hasCtx
		out.Responses = responses
		return out, nil
	}
	out.Body = append([]byte(nil), m.body...)

	if m.header.Type == wire.FilestreamMessage {
		fm, err := filestream.Decode(out.Body)
		if err != nil {
			return Message{}, rpcerr.New(rpcerr.FormatError, err)
		}
		out.Filestream = fm
	}

	return out, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// translateBody walks body's items (a complete indefinite-length CBOR
// array, opening head through closing break, with any metadata tail
// already stripped) and repacks each semantic tag into its local
// representation (spec §4.A's STREAM sub-machine, §4.C's repacker):
//
//   - REFERENCE is resolved through refs and re-emitted as a REFERENCE
//     item carrying the resolved local value.
//   - CONTEXT_PTR_REFERENCE is consumed entirely: its token is reported
//     via the returned ctxToken/hasCtx rather than appearing in out,
//     since resolving it requires the owning peer's ContextTable, which
//     this package has no access to.
//   - ASYNC_HANDLER_REFERENCE passes through unchanged; it already
//     names a value meaningful only to the caller's ContextTable.
//   - OUT_STRING_SIZE/OUT_BYTE_STR_SIZE (an inbound CLIENT_REQUEST's
//     optimized output parameter) is expanded into a local
//     OUT_*_POINTER item wrapping a fresh zeroed scratch buffer of that
//     capacity, for the local server binding to write its result into.
//   - OUT_STRING_RESPONSE/OUT_BYTE_STR_RESPONSE (an inbound
//     SERVER_RESPONSE's actual optimized-output value) is both recorded
//     in the returned responses slice, for the caller to copy back into
//     the pending request's recorded destination, and expanded into the
//     same local OUT_*_POINTER shape so the body stays self-consistent.
//   - every other item, tagged or not, is copied through unchanged; any
//     tag this protocol doesn't recognize, or one of the local-only
//     IN_*_POINTER/OUT_*_POINTER shorthands arriving on the wire where
//     they can never legally appear, is a format error.
func translateBody(body []byte, refs ReferenceResolver) (out []byte, ctxToken uint32, hasCtx bool, responses [][]byte, err error) {
	if len(body) < 2 || body[0] != wire.ArrayIndefiniteHead || !wire.IsBreak(body[len(body)-1]) {
		return nil, 0, false, nil, rpcerr.New(rpcerr.FormatError, fmt.Errorf("receiver: body is not a complete indefinite-length array"))
	}

	out = append(out, wire.ArrayIndefiniteHead)
	rest := body[1 : len(body)-1]

	for len(rest) > 0 {
		isTag, tag, content, raw, atBreak, n, ierr := wire.NextBodyItem(rest)
		if ierr != nil {
			return nil, 0, false, nil, rpcerr.New(rpcerr.FormatError, ierr)
		}
		if atBreak {
			break
		}
		rest = rest[n:]

		if !isTag {
			out = append(out, raw...)
			continue
		}

		switch tag {
		case wire.TagReference:
			v, derr := wire.DecodeTaggedUint(content)
			if derr != nil {
				return nil, 0, false, nil, rpcerr.New(rpcerr.FormatError, derr)
			}
			if refs == nil {
				return nil, 0, false, nil, rpcerr.Newf(rpcerr.FormatError, "receiver: REFERENCE token %d with no resolver bound", v)
			}
			local, ok := refs.ResolveReference(v)
			if !ok {
				return nil, 0, false, nil, rpcerr.Newf(rpcerr.FormatError, "receiver: unresolved REFERENCE token %d", v)
			}
			out = wire.AppendTag(out, wire.TagReference)
			out = wire.AppendUint(out, local)

		case wire.TagContextPtrReference:
			v, derr := wire.DecodeTaggedUint(content)
			if derr != nil {
				return nil, 0, false, nil, rpcerr.New(rpcerr.FormatError, derr)
			}
			ctxToken, hasCtx = uint32(v), true

		case wire.TagAsyncHandlerReference:
			out = wire.AppendTag(out, tag)
			out = append(out, content...)

		case wire.TagOutStringSize, wire.TagOutByteStrSize:
			size, derr := wire.DecodeTaggedUint(content)
			if derr != nil {
				return nil, 0, false, nil, rpcerr.New(rpcerr.FormatError, derr)
			}
			localTag := wire.TagOutStringPointer
			major := byte(wire.MajorTextStr)
			if tag == wire.TagOutByteStrSize {
				localTag, major = wire.TagOutByteStrPointer, wire.MajorByteStr
			}
			out = wire.AppendTag(out, localTag)
			out = wire.AppendUint(out, size)
			out = wire.AppendStringHeaderOnly(out, major, int(size))
			out = append(out, make([]byte, size)...)

		case wire.TagOutStringResponse:
			var s string
			if derr := wire.DecodeItem(content, &s); derr != nil {
				return nil, 0, false, nil, rpcerr.New(rpcerr.FormatError, derr)
			}
			responses = append(responses, []byte(s))
			out = wire.AppendTag(out, wire.TagOutStringPointer)
			out = wire.AppendUint(out, uint64(len(s)))
			out = wire.AppendTextString(out, s)

		case wire.TagOutByteStrResponse:
			var b []byte
			if derr := wire.DecodeItem(content, &b); derr != nil {
				return nil, 0, false, nil, rpcerr.New(rpcerr.FormatError, derr)
			}
			responses = append(responses, b)
			out = wire.AppendTag(out, wire.TagOutByteStrPointer)
			out = wire.AppendUint(out, uint64(len(b)))
			out = wire.AppendByteString(out, b)

		case wire.TagFilestreamID, wire.TagFilestreamFlag, wire.TagFilestreamRequestSize:
			return nil, 0, false, nil, rpcerr.Newf(rpcerr.FormatError, "receiver: tag %v outside the metadata tail", tag)

		default:
			if tag.LocalOnly() {
				return nil, 0, false, nil, rpcerr.Newf(rpcerr.FormatError, "receiver: local-only tag %v arrived from the wire", tag)
			}
			return nil, 0, false, nil, rpcerr.Newf(rpcerr.FormatError, "receiver: unrecognized tag %v", tag)
		}
	}

	out = wire.AppendBreak(out)
	return out, ctxToken, hasCtx, responses, nil
}
