// Copyright (c) 2026 The rpcproxy Authors.

// Package sender implements the stream sender of spec §4.C: it composes
// a complete wire message — common header, then either a fixed-layout
// body or a CBOR body repacked from a local IPC payload plus file-stream
// metadata — and returns the finished bytes for the caller to hand to
// the transport in one Send call. The sender never blocks; if the
// caller's transport.Module.Send fails, the peer link is the caller's
// responsibility to tear down.
package sender

import (
	"fmt"

	"github.com/ipcmesh/rpcproxy/internal/filestream"
	"github.com/ipcmesh/rpcproxy/internal/wire"
)

// State is the CBOR-body repacker's small per-item state, named after
// spec §4.C's diagram. RepackBody advances through these once per item
// as it walks a local payload, the way receiver.Machine's InnerState
// advances once per byte on the receive side.
type State int

const (
	Initial State = iota
	Normal
	ExpectReference
	ExpectOptStrHeader
	ExpectOptStrSize
	ExpectOptStrPointer
	ExpectOptBstrResponseSize
)

func (s State) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case Normal:
		return "NORMAL"
	case ExpectReference:
		return "EXPECT_REFERENCE"
	case ExpectOptStrHeader:
		return "EXPECT_OPT_STR_HEADER"
	case ExpectOptStrSize:
		return "EXPECT_OPT_STR_SIZE"
	case ExpectOptStrPointer:
		return "EXPECT_OPT_STR_POINTER"
	case ExpectOptBstrResponseSize:
		return "EXPECT_OPT_BSTR_RESPONSE_SIZE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ReferenceMinter mints a generic REFERENCE token for a local value, the
// sender-side counterpart of receiver.ReferenceResolver (spec §4.D): the
// same per-peer table resolves incoming tokens on the receive path and
// mints the ones this node's own outgoing messages carry.
type ReferenceMinter interface {
	MintReference(value uint64) (uint64, error)
}

// OutputPointer is one optimized output parameter Repack recorded while
// composing an outgoing message: Dest is the local buffer named by a
// local OUT_*_POINTER item. On a CLIENT_REQUEST this is the capacity
// placeholder spec §4.F's pending-request entry must keep alive until
// the matching SERVER_RESPONSE arrives; the caller (rpcproxy.Proxy)
// converts these into reqtrack.OptimizedOutput entries when registering
// the request.
type OutputPointer struct {
	Dest []byte
	Text bool
}

// isRequestDirection reports whether hdr names a message composed on
// the request-issuing side, where OUT_*_POINTER items declare capacity
// (spec §4.C: emitted as OUT_*_SIZE) rather than carry an actual result
// (emitted as OUT_*_RESPONSE on the response/event-issuing side).
func isRequestDirection(t wire.Type) bool { return t == wire.ClientRequest }

// Repacker holds the State a CBOR-body repack last reached, exposed for
// diagnostics and tests the way receiver.Machine exposes its own state.
type Repacker struct {
	state State
}

// State returns the repacker's state as of its last processed item.
func (r *Repacker) State() State { return r.state }

// FixedMessage composes a complete fixed-layout wire message (types 1-3,
// 6, 7).
func FixedMessage(hdr wire.Header, body wire.FixedBody) ([]byte, error) {
	buf := hdr.Marshal(nil)
	return body.Marshal(buf)
}

// IPCMessage composes a complete CLIENT_REQUEST/SERVER_RESPONSE/
// SERVER_ASYNC_EVENT wire message: the common header, the 4-byte local
// message id, the repacked CBOR payload body, and a metadata tail
// written between the payload's last item and its closing break.
//
// payloadBody must be a complete indefinite-length CBOR array (opening
// 0x9f) whose closing break has NOT yet been appended; IPCMessage's
// repack step consumes payloadBody's items, appends the metadata tail,
// and appends the break itself. refs mints a wire token for any generic
// REFERENCE item the local payload carries; it may be nil if payloadBody
// carries none. The returned outputs name every optimized output buffer
// Repack recorded, for the caller to track until the value comes back
// (spec §4.F).
func IPCMessage(hdr wire.Header, messageID uint32, payloadBody []byte, meta Metadata, refs ReferenceMinter) ([]byte, []OutputPointer, error) {
	body, outputs, err := RepackBody(payloadBody, hdr.Type, refs)
	if err != nil {
		return nil, nil, err
	}
	return ComposeFrame(hdr, messageID, body, meta), outputs, nil
}

// ComposeFrame assembles the final wire bytes around an already-repacked
// CBOR body (the []byte RepackBody returned, not including the closing
// break, which ComposeFrame appends itself after meta's tail). Split out
// of IPCMessage so a caller that must mint a proxy-message-id from the
// repacked OutputPointer set (rpcproxy.Proxy.BeginClientRequest, which
// needs the repack's outputs before it can register the pending request
// and so learn the id the header carries) can repack first and frame
// second.
func ComposeFrame(hdr wire.Header, messageID uint32, repackedBody []byte, meta Metadata) []byte {
	buf := hdr.Marshal(nil)
	buf = appendBE32(buf, messageID)
	buf = append(buf, repackedBody...)
	buf = meta.appendTail(buf)
	buf = wire.AppendBreak(buf)
	return buf
}

// RepackBody walks payloadBody's items (a complete indefinite-length
// CBOR array, opening head through closing break NOT yet appended) and
// repacks each local-only shorthand tag into its wire form (spec §4.C):
//
//   - IN_STRING_POINTER/IN_BYTE_STR_POINTER strip to a plain definite
//     string item, the optimized parameter's actual value.
//   - OUT_STRING_POINTER/OUT_BYTE_STR_POINTER expand to OUT_*_SIZE
//     (request direction — the buffer's capacity, not its current
//     contents, crosses the wire) or OUT_*_RESPONSE (response/event
//     direction — the buffer's current contents are the result).
//   - REFERENCE is minted through refs and re-emitted with the wire
//     token in place of the local value.
//   - CONTEXT_PTR_REFERENCE/ASYNC_HANDLER_REFERENCE pass through
//     unchanged: both already carry a value the caller minted or
//     resolved itself before handing the payload to IPCMessage.
//   - every other item, tagged or not, is copied through unchanged.
func RepackBody(payloadBody []byte, msgType wire.Type, refs ReferenceMinter) ([]byte, []OutputPointer, error) {
	r := &Repacker{state: Initial}

	if len(payloadBody) < 1 || payloadBody[0] != wire.ArrayIndefiniteHead {
		return nil, nil, fmt.Errorf("sender: payload body does not open with an indefinite-length array")
	}

	out := append([]byte(nil), wire.ArrayIndefiniteHead)
	rest := payloadBody[1:]
	requestDirection := isRequestDirection(msgType)
	var outputs []OutputPointer

	for len(rest) > 0 {
		isTag, tag, content, raw, atBreak, n, err := wire.NextBodyItem(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("sender: repacking payload body: %w", err)
		}
		if atBreak {
			rest = rest[n:]
			break
		}
		rest = rest[n:]

		if !isTag {
			r.state = Normal
			out = append(out, raw...)
			continue
		}

		switch tag {
		case wire.TagInStringPointer, wire.TagInByteStrPointer, wire.TagOutStringPointer, wire.TagOutByteStrPointer:
			// The local {length, pointer} compaction spans two array
			// items: the tag wraps the declared length, and the buffer
			// itself follows immediately as a plain (untagged) string
			// item — a Go slice already aliases its backing array, so
			// there is no separate pointer to encode.
			r.state = ExpectOptStrHeader
			length, derr := wire.DecodeTaggedUint(content)
			if derr != nil {
				return nil, nil, fmt.Errorf("sender: decoding %v item: %w", tag, derr)
			}

			r.state = ExpectOptStrPointer
			bufIsTag, _, _, bufRaw, bufAtBreak, n2, ierr := wire.NextBodyItem(rest)
			if ierr != nil {
				return nil, nil, fmt.Errorf("sender: %v missing its buffer item: %w", tag, ierr)
			}
			if bufAtBreak || bufIsTag {
				return nil, nil, fmt.Errorf("sender: %v must be followed by a plain string item", tag)
			}
			rest = rest[n2:]

			value, serr := stringItemBytes(bufRaw)
			if serr != nil {
				return nil, nil, fmt.Errorf("sender: decoding %v buffer: %w", tag, serr)
			}
			if uint64(len(value)) < length {
				return nil, nil, fmt.Errorf("sender: %v declares length %d but buffer has %d bytes", tag, length, len(value))
			}
			value = value[:length]

			switch tag {
			case wire.TagInStringPointer:
				out = wire.AppendTextString(out, string(value))
			case wire.TagInByteStrPointer:
				out = wire.AppendByteString(out, value)
			default:
				text := tag == wire.TagOutStringPointer
				outputs = append(outputs, OutputPointer{Dest: value, Text: text})
				if requestDirection {
					r.state = ExpectOptStrSize
					sizeTag := wire.TagOutStringSize
					if !text {
						sizeTag = wire.TagOutByteStrSize
					}
					out = wire.AppendTag(out, sizeTag)
					out = wire.AppendUint(out, uint64(len(value)))
				} else {
					r.state = ExpectOptBstrResponseSize
					respTag := wire.TagOutStringResponse
					if !text {
						respTag = wire.TagOutByteStrResponse
					}
					out = wire.AppendTag(out, respTag)
					if text {
						out = wire.AppendTextString(out, string(value))
					} else {
						out = wire.AppendByteString(out, value)
					}
				}
			}

		case wire.TagReference:
			r.state = ExpectReference
			v, derr := wire.DecodeTaggedUint(content)
			if derr != nil {
				return nil, nil, fmt.Errorf("sender: decoding REFERENCE item: %w", derr)
			}
			if refs == nil {
				return nil, nil, fmt.Errorf("sender: REFERENCE item with no minter bound")
			}
			wireTok, merr := refs.MintReference(v)
			if merr != nil {
				return nil, nil, fmt.Errorf("sender: minting REFERENCE token: %w", merr)
			}
			out = wire.AppendTag(out, wire.TagReference)
			out = wire.AppendUint(out, wireTok)

		case wire.TagContextPtrReference, wire.TagAsyncHandlerReference:
			r.state = Normal
			out = wire.AppendTag(out, tag)
			out = append(out, content...)

		default:
			r.state = Normal
			out = wire.AppendTag(out, tag)
			out = append(out, content...)
		}
	}

	return out, outputs, nil
}

// stringItemBytes returns the payload bytes of raw, a complete
// definite-length text-string or byte-string item as returned by
// wire.NextBodyItem, without a full cbor decode: PeekItemHeader already
// tells us exactly where the header ends.
func stringItemBytes(raw []byte) ([]byte, error) {
	hdr, ok, err := wire.PeekItemHeader(raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("incomplete item")
	}
	if hdr.Major != wire.MajorTextStr && hdr.Major != wire.MajorByteStr {
		return nil, fmt.Errorf("item is not a string (major type %d)", hdr.Major)
	}
	if hdr.Indefinite {
		return nil, fmt.Errorf("indefinite-length string not supported here")
	}
	return raw[hdr.HeaderLen:], nil
}

// FilestreamMessage composes a complete FILESTREAM_MESSAGE wire message.
func FilestreamMessage(hdr wire.Header, fm filestream.Message) ([]byte, error) {
	hdr.Type = wire.FilestreamMessage
	buf := hdr.Marshal(nil)
	return fm.Encode(buf)
}

// Metadata is the accumulated out-of-band information spec §4.G calls
// the "tail section": currently just the file-stream id/flags a
// preprocessed file descriptor attached to this message.
type Metadata struct {
	HasFilestream bool
	StreamID      uint16
	Flags         filestream.Flag
}

func (md Metadata) appendTail(buf []byte) []byte {
	if !md.HasFilestream {
		return buf
	}
	buf = wire.AppendTag(buf, wire.TagFilestreamID)
	buf = wire.AppendUint(buf, uint64(md.StreamID))
	buf = wire.AppendTag(buf, wire.TagFilestreamFlag)
	buf = wire.AppendUint(buf, uint64(md.Flags))
	return buf
}

func appendBE32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
