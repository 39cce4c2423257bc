// Copyright (c) 2026 The rpcproxy Authors.

package wire

// Tag is a single-byte-range CBOR semantic tag number used by the repacker
// to mark how the following item(s) should be reinterpreted. Spec §9's
// Open Questions leave the numeric values implementation-defined; we fix
// them here, out of CBOR's first-come-first-served private-use range
// (RFC 8949 §9.2), so two peers built from this repository always agree.
type Tag uint64

const (
	// TagReference marks a generic opaque reference, immediately followed
	// by an unsigned integer: the wire-side token.
	TagReference Tag = 40 + iota

	// TagContextPtrReference marks a client-side context cookie for an
	// async-handler registration.
	TagContextPtrReference

	// TagAsyncHandlerReference marks a server-side handle for a
	// previously registered async handler.
	TagAsyncHandlerReference

	// TagInStringPointer marks a local-only {length, pointer} compaction
	// of a textual input parameter; never travels the wire.
	TagInStringPointer

	// TagInByteStrPointer is TagInStringPointer for byte strings.
	TagInByteStrPointer

	// TagOutStringPointer marks a local-only optimized output text
	// buffer; never travels the wire.
	TagOutStringPointer

	// TagOutByteStrPointer is TagOutStringPointer for byte strings.
	TagOutByteStrPointer

	// TagOutStringSize marks the wire-transmitted capacity of an output
	// text buffer, sent instead of the local pointer.
	TagOutStringSize

	// TagOutByteStrSize is TagOutStringSize for byte strings.
	TagOutByteStrSize

	// TagOutStringResponse marks an actual returned string in a response.
	TagOutStringResponse

	// TagOutByteStrResponse is TagOutStringResponse for byte strings.
	TagOutByteStrResponse

	// TagFilestreamID marks a 16-bit file-stream identifier.
	TagFilestreamID

	// TagFilestreamFlag marks a 16-bit file-stream flag bitfield.
	TagFilestreamFlag

	// TagFilestreamRequestSize marks a requested byte count for the next
	// file-stream chunk.
	TagFilestreamRequestSize
)

// knownTags is consulted by the receiver to reject any tag it does not
// recognize, per spec §4.A ("any other tag arriving on the receive path
// aborts the peer with a format error").
var knownTags = map[Tag]string{
	TagReference:             "REFERENCE",
	TagContextPtrReference:   "CONTEXT_PTR_REFERENCE",
	TagAsyncHandlerReference: "ASYNC_HANDLER_REFERENCE",
	TagInStringPointer:       "IN_STRING_POINTER",
	TagInByteStrPointer:      "IN_BYTE_STR_POINTER",
	TagOutStringPointer:      "OUT_STRING_POINTER",
	TagOutByteStrPointer:     "OUT_BYTE_STR_POINTER",
	TagOutStringSize:         "OUT_STRING_SIZE",
	TagOutByteStrSize:        "OUT_BYTE_STR_SIZE",
	TagOutStringResponse:     "OUT_STRING_RESPONSE",
	TagOutByteStrResponse:    "OUT_BYTE_STR_RESPONSE",
	TagFilestreamID:          "FILESTREAM_ID",
	TagFilestreamFlag:        "FILESTREAM_FLAG",
	TagFilestreamRequestSize: "FILESTREAM_REQUEST_SIZE",
}

func (t Tag) String() string {
	if name, ok := knownTags[t]; ok {
		return name
	}
	return "UNKNOWN_TAG"
}

// Known reports whether t is one of the semantic tags this protocol
// version recognizes.
func (t Tag) Known() bool {
	_, ok := knownTags[t]
	return ok
}

// localOnlyTags are the repacker's local-process shorthand for an
// optimized parameter's {length/capacity, pointer} pair (spec §4.C).
// They exist only so internal/sender and internal/receiver can agree on
// an in-memory representation; a peer that sends one of these tags on
// the wire itself has violated the protocol, since the wire encoding
// always collapses IN_* pointers to plain CBOR strings and OUT_* pointers
// to TagOutStringSize/TagOutByteStrSize (request direction) or
// TagOutStringResponse/TagOutByteStrResponse (response direction)
// instead.
var localOnlyTags = map[Tag]bool{
	TagInStringPointer:   true,
	TagInByteStrPointer:  true,
	TagOutStringPointer:  true,
	TagOutByteStrPointer: true,
}

// LocalOnly reports whether t is one of the repacker's local-only
// tags — legal in a local IPC payload handed to internal/sender, but a
// format error if ever seen arriving from the wire by internal/receiver
// (spec §4.A: "any other tag arriving on the receive path aborts the
// peer with a format error").
func (t Tag) LocalOnly() bool { return localOnlyTags[t] }

// WireLegal reports whether t is allowed to arrive from the wire: a
// known tag that is not one of the local-only optimization shorthands.
func (t Tag) WireLegal() bool { return t.Known() && !t.LocalOnly() }
