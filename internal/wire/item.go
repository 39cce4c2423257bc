// Copyright (c) 2026 The rpcproxy Authors.

package wire

import "fmt"

// CBOR major types (RFC 8949 §3).
const (
	MajorUnsigned = 0
	MajorNegative = 1
	MajorByteStr  = 2
	MajorTextStr  = 3
	MajorArray    = 4
	MajorMap      = 5
	MajorTag      = 6
	MajorOther    = 7
)

// Break is the one-byte CBOR "break" stop code (major type 7, additional
// info 31) that terminates an indefinite-length array, byte string, or
// text string.
const Break = 0xff

// ArrayIndefiniteHead is the one-byte head of an indefinite-length array
// (major type 4, additional info 31).
const ArrayIndefiniteHead = 0x9f

// ItemHeader describes the head byte(s) of a single CBOR data item: its
// major type and the decoded "value" (the argument, or the declared
// length for strings/arrays/maps). HeaderLen is the number of bytes the
// head itself occupies; the item's payload (if any) follows immediately.
type ItemHeader struct {
	Major      byte
	Value      uint64
	HeaderLen  int
	Indefinite bool
}

// PeekItemHeader decodes the head of the next CBOR data item in buf. It
// returns ok=false (with no error) if buf does not yet contain enough
// bytes to decode the head — the caller should wait for more bytes from
// the transport rather than treating this as a format error.
func PeekItemHeader(buf []byte) (hdr ItemHeader, ok bool, err error) {
	if len(buf) < 1 {
		return ItemHeader{}, false, nil
	}

	first := buf[0]
	major := first >> 5
	info := first & 0x1f

	hdr.Major = major

	switch {
	case info < 24:
		hdr.Value = uint64(info)
		hdr.HeaderLen = 1
	case info == 24:
		if len(buf) < 2 {
			return ItemHeader{}, false, nil
		}
		hdr.Value = uint64(buf[1])
		hdr.HeaderLen = 2
	case info == 25:
		if len(buf) < 3 {
			return ItemHeader{}, false, nil
		}
		hdr.Value = uint64(buf[1])<<8 | uint64(buf[2])
		hdr.HeaderLen = 3
	case info == 26:
		if len(buf) < 5 {
			return ItemHeader{}, false, nil
		}
		for i := 0; i < 4; i++ {
			hdr.Value = hdr.Value<<8 | uint64(buf[1+i])
		}
		hdr.HeaderLen = 5
	case info == 27:
		if len(buf) < 9 {
			return ItemHeader{}, false, nil
		}
		for i := 0; i < 8; i++ {
			hdr.Value = hdr.Value<<8 | uint64(buf[1+i])
		}
		hdr.HeaderLen = 9
	case info == 31:
		if major != MajorByteStr && major != MajorTextStr && major != MajorArray && major != MajorMap && major != MajorOther {
			return ItemHeader{}, false, fmt.Errorf("indefinite length invalid for major type %d", major)
		}
		hdr.Indefinite = true
		hdr.HeaderLen = 1
	default:
		return ItemHeader{}, false, fmt.Errorf("reserved additional info %d", info)
	}

	return hdr, true, nil
}

// IsBreak reports whether b is the CBOR break stop code.
func IsBreak(b byte) bool { return b == Break }

// NextBodyItem classifies and consumes the next item inside an
// indefinite-length array body (the bytes between the opening
// ArrayIndefiniteHead and the closing Break). It uses PeekItemHeader to
// decide, cheaply, whether the item is a semantic tag the repacker's
// dispatch table must interpret (isTag, with tag/content set) or an
// ordinary item to copy through untouched (raw set). atBreak reports
// that body pointed at the terminating break rather than an item, the
// normal way callers detect the end of the array.
func NextBodyItem(body []byte) (isTag bool, tag Tag, content []byte, raw []byte, atBreak bool, consumed int, err error) {
	if len(body) == 0 {
		return false, 0, nil, nil, false, 0, errShort
	}
	if IsBreak(body[0]) {
		return false, 0, nil, nil, true, 1, nil
	}

	hdr, ok, perr := PeekItemHeader(body)
	if perr != nil {
		return false, 0, nil, nil, false, 0, perr
	}
	if !ok {
		return false, 0, nil, nil, false, 0, errShort
	}

	if hdr.Major == MajorTag {
		t, c, n, terr := NextTaggedItem(body)
		if terr != nil {
			return false, 0, nil, nil, false, 0, terr
		}
		return true, t, []byte(c), nil, false, n, nil
	}

	r, n, rerr := NextRawItem(body)
	if rerr != nil {
		return false, 0, nil, nil, false, 0, rerr
	}
	return false, 0, nil, []byte(r), false, n, nil
}
