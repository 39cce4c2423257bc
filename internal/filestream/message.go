// Copyright (c) 2026 The rpcproxy Authors.

package filestream

import (
	"fmt"

	"github.com/ipcmesh/rpcproxy/internal/wire"
)

// Message is the decoded form of a FILESTREAM_MESSAGE body: the
// indefinite-length CBOR array of spec §4.A carrying (stream id, flags,
// an optional byte-string payload, an optional requested-size integer),
// terminated by a break.
type Message struct {
	StreamID     uint16
	Flags        Flag
	Payload      []byte // present iff Flags.Has(FlagDataPacket)
	RequestBytes int    // present iff Flags.Has(FlagRequestData)
}

// Encode appends the CBOR body of m (not including the common header) to
// buf, in the tagged-item shape the wire format defines: the stream id,
// flags, and requested size are each preceded by their semantic tag, the
// payload is a plain byte string, and the array is closed with a break.
func (m Message) Encode(buf []byte) ([]byte, error) {
	buf = wire.AppendArrayIndefiniteHead(buf)

	buf = wire.AppendTag(buf, wire.TagFilestreamID)
	buf = wire.AppendUint(buf, uint64(m.StreamID))

	buf = wire.AppendTag(buf, wire.TagFilestreamFlag)
	buf = wire.AppendUint(buf, uint64(m.Flags))

	if m.Flags.Has(FlagDataPacket) {
		buf = wire.AppendByteString(buf, m.Payload)
	}
	if m.Flags.Has(FlagRequestData) {
		buf = wire.AppendTag(buf, wire.TagFilestreamRequestSize)
		buf = wire.AppendUint(buf, uint64(m.RequestBytes))
	}

	buf = wire.AppendBreak(buf)
	return buf, nil
}

// Decode parses buf (the complete CBOR body following the common header,
// including its terminating break) into a Message. It is used by tests
// and by internal/receiver, which buffers a FILESTREAM_MESSAGE body until
// its closing break and then calls Decode on it.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 1 || buf[0] != wire.ArrayIndefiniteHead {
		return Message{}, fmt.Errorf("filestream: body does not open with an indefinite array")
	}
	buf = buf[1:]

	var m Message

	// Stream id.
	tag, content, n, err := wire.NextTaggedItem(buf)
	if err != nil {
		return Message{}, fmt.Errorf("filestream: stream id item: %w", err)
	}
	if tag != wire.TagFilestreamID {
		return Message{}, fmt.Errorf("filestream: expected stream id tag, got %v", tag)
	}
	id, err := wire.DecodeTaggedUint(content)
	if err != nil {
		return Message{}, err
	}
	m.StreamID = uint16(id)
	buf = buf[n:]

	// Flags.
	tag, content, n, err = wire.NextTaggedItem(buf)
	if err != nil {
		return Message{}, fmt.Errorf("filestream: flags item: %w", err)
	}
	if tag != wire.TagFilestreamFlag {
		return Message{}, fmt.Errorf("filestream: expected flags tag, got %v", tag)
	}
	flagVal, err := wire.DecodeTaggedUint(content)
	if err != nil {
		return Message{}, err
	}
	m.Flags = Flag(flagVal)
	buf = buf[n:]

	// Flag consistency is deliberately NOT enforced here: an inconsistent
	// combination is a per-stream condition (drop with FORCE_CLOSE to the
	// peer, spec §4.G), not a per-link format error, so the caller that
	// knows which stream the message names runs Validate itself.

	if m.Flags.Has(FlagDataPacket) {
		payload, pn, err := decodeNextByteString(buf)
		if err != nil {
			return Message{}, err
		}
		m.Payload = payload
		buf = buf[pn:]
	}
	if m.Flags.Has(FlagRequestData) {
		tag, content, rn, err := wire.NextTaggedItem(buf)
		if err != nil {
			return Message{}, fmt.Errorf("filestream: request size item: %w", err)
		}
		if tag != wire.TagFilestreamRequestSize {
			return Message{}, fmt.Errorf("filestream: expected request size tag, got %v", tag)
		}
		v, err := wire.DecodeTaggedUint(content)
		if err != nil {
			return Message{}, err
		}
		m.RequestBytes = int(v)
		buf = buf[rn:]
	}

	if len(buf) == 0 || !wire.IsBreak(buf[0]) {
		return Message{}, fmt.Errorf("filestream: body does not end with a break")
	}

	return m, nil
}

func decodeNextByteString(buf []byte) ([]byte, int, error) {
	raw, n, err := wire.NextRawItem(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("filestream: payload item: %w", err)
	}
	var b []byte
	if err := wire.DecodeItem(raw, &b); err != nil {
		return nil, 0, fmt.Errorf("filestream: payload is not a byte string: %w", err)
	}
	return b, n, nil
}
