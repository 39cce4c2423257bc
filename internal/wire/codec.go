// Copyright (c) 2026 The rpcproxy Authors.

package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var errShort = errors.New("wire: need more bytes")

// IsShort reports whether err indicates PeekItem needs more bytes before
// it can decode a complete item, as opposed to a genuine format error.
func IsShort(err error) bool { return errors.Is(err, errShort) }

// AppendBreak appends the CBOR break stop code to buf.
func AppendBreak(buf []byte) []byte { return append(buf, Break) }

// AppendArrayIndefiniteHead appends an indefinite-length array head to buf.
func AppendArrayIndefiniteHead(buf []byte) []byte { return append(buf, ArrayIndefiniteHead) }

// appendHead appends a CBOR head (major type + argument v) to buf,
// choosing the shortest encoding, per RFC 8949 §3.1.
func appendHead(buf []byte, major byte, v uint64) []byte {
	first := major << 5
	switch {
	case v < 24:
		return append(buf, first|byte(v))
	case v <= 0xff:
		return append(buf, first|24, byte(v))
	case v <= 0xffff:
		return append(buf, first|25, byte(v>>8), byte(v))
	case v <= 0xffffffff:
		return append(buf, first|26, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(buf, first|27,
			byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// AppendUint appends an unsigned integer item to buf.
func AppendUint(buf []byte, v uint64) []byte { return appendHead(buf, MajorUnsigned, v) }

// AppendTag appends a semantic tag head to buf; the tagged item's own
// encoding must follow immediately.
func AppendTag(buf []byte, t Tag) []byte { return appendHead(buf, MajorTag, uint64(t)) }

// AppendTextString appends a definite-length text string item to buf.
func AppendTextString(buf []byte, s string) []byte {
	buf = appendHead(buf, MajorTextStr, uint64(len(s)))
	return append(buf, s...)
}

// AppendByteString appends a definite-length byte string item to buf.
func AppendByteString(buf []byte, b []byte) []byte {
	buf = appendHead(buf, MajorByteStr, uint64(len(b)))
	return append(buf, b...)
}

// AppendStringHeaderOnly appends just the head of a definite-length
// string item (major type 2 or 3) without its payload, for use when the
// payload is about to be streamed in separately (spec §4.C's optimized
// string expansion writes the header first, then copies bytes from a
// local pointer).
func AppendStringHeaderOnly(buf []byte, major byte, length int) []byte {
	return appendHead(buf, major, uint64(length))
}

// EncodeItem marshals v as a single self-contained CBOR item using the
// shared cbor codec. Used for opaque application-level items (the IPC
// layer's own CBOR-representable arguments) that the repacker does not
// need to interpret, only to pass through or copy.
func EncodeItem(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

// DecodeItem unmarshals a single self-contained CBOR item from data into
// v.
func DecodeItem(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// NextRawItem attempts to decode exactly one complete CBOR data item from
// the front of buf (which must not begin with a break byte; callers check
// IsBreak themselves first). On success it returns the raw encoded bytes
// of that one item and its length. If buf does not yet contain a full
// item, NextRawItem returns IsShort(err) == true and the caller should
// wait for more bytes rather than treat this as a protocol error.
func NextRawItem(buf []byte) (raw cbor.RawMessage, consumed int, err error) {
	if len(buf) == 0 {
		return nil, 0, errShort
	}
	if IsBreak(buf[0]) {
		return nil, 0, fmt.Errorf("wire: unexpected break")
	}

	dec := cbor.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, 0, errShort
		}
		return nil, 0, fmt.Errorf("wire: malformed item: %w", err)
	}

	return raw, len(raw), nil
}

// NextTaggedItem decodes one complete CBOR item that must be a semantic
// tag wrapping a content item — the shape every value in a FILESTREAM_*
// or reference-bearing position takes on the wire (AppendTag followed
// immediately by the content's own encoding forms exactly one such
// nested item, per RFC 8949's definition of a tagged data item). It
// returns the tag number, the still-encoded content bytes, and the
// number of input bytes consumed.
func NextTaggedItem(buf []byte) (tag Tag, content cbor.RawMessage, consumed int, err error) {
	if len(buf) == 0 {
		return 0, nil, 0, errShort
	}
	if IsBreak(buf[0]) {
		return 0, nil, 0, fmt.Errorf("wire: unexpected break")
	}

	r := bytes.NewReader(buf)
	dec := cbor.NewDecoder(r)

	var rt cbor.RawTag
	if err := dec.Decode(&rt); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, nil, 0, errShort
		}
		return 0, nil, 0, fmt.Errorf("wire: malformed tagged item: %w", err)
	}

	return Tag(rt.Number), rt.Content, dec.NumBytesRead(), nil
}

// DecodeTaggedUint decodes content (as returned by NextTaggedItem) as an
// unsigned integer.
func DecodeTaggedUint(content cbor.RawMessage) (uint64, error) {
	var v uint64
	if err := cbor.Unmarshal(content, &v); err != nil {
		return 0, fmt.Errorf("wire: tagged value is not an unsigned integer: %w", err)
	}
	return v, nil
}

// SplitFilestreamTail scans body — a complete indefinite-length CBOR
// array, opening head through closing break — for the FILESTREAM_ID/
// FILESTREAM_FLAG tagged pair spec §4.A's metadata tail appends between
// an IPC message's last payload item and its break, and returns body
// with that pair removed alongside the stream id and flags it carried.
// ok is false, with body returned unchanged, if no such tail is present.
func SplitFilestreamTail(body []byte) (stripped []byte, streamID uint16, flags uint64, ok bool, err error) {
	if len(body) < 2 || body[0] != ArrayIndefiniteHead || !IsBreak(body[len(body)-1]) {
		return body, 0, 0, false, nil
	}

	var items [][]byte
	rest := body[1 : len(body)-1]
	for len(rest) > 0 {
		raw, n, ierr := NextRawItem(rest)
		if ierr != nil {
			return body, 0, 0, false, fmt.Errorf("wire: scanning array for metadata tail: %w", ierr)
		}
		items = append(items, raw)
		rest = rest[n:]
	}

	var sID uint16
	var flg uint64
	var hasID, hasFlag bool
	kept := items[:0]
	for _, it := range items {
		if tag, content, _, terr := NextTaggedItem(it); terr == nil {
			switch tag {
			case TagFilestreamID:
				if v, derr := DecodeTaggedUint(content); derr == nil {
					sID, hasID = uint16(v), true
					continue
				}
			case TagFilestreamFlag:
				if v, derr := DecodeTaggedUint(content); derr == nil {
					flg, hasFlag = v, true
					continue
				}
			}
		}
		kept = append(kept, it)
	}
	if !hasID || !hasFlag {
		return body, 0, 0, false, nil
	}

	out := append([]byte(nil), ArrayIndefiniteHead)
	for _, it := range kept {
		out = append(out, it...)
	}
	out = AppendBreak(out)
	return out, sID, flg, true, nil
}
