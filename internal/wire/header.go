// Copyright (c) 2026 The rpcproxy Authors.

package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed size, in bytes, of the common header: a 32-bit
// proxy-message-id, a 32-bit service-id, and an 8-bit message type, all
// big-endian.
const HeaderLen = 4 + 4 + 1

// Header is the fixed common header that precedes every wire message.
type Header struct {
	ProxyMessageID uint32
	ServiceID      uint32
	Type           Type
}

// Marshal appends the big-endian encoding of h to buf and returns the
// result.
func (h Header) Marshal(buf []byte) []byte {
	var tmp [HeaderLen]byte
	binary.BigEndian.PutUint32(tmp[0:4], h.ProxyMessageID)
	binary.BigEndian.PutUint32(tmp[4:8], h.ServiceID)
	tmp[8] = byte(h.Type)
	return append(buf, tmp[:]...)
}

// UnmarshalHeader decodes exactly HeaderLen bytes of buf into a Header. It
// validates that the type byte names one of the nine defined message
// types; an invalid type is reported as a FormatError-worthy error so the
// caller can tear down the peer link per spec §4.B.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("short header: %d bytes", len(buf))
	}

	h := Header{
		ProxyMessageID: binary.BigEndian.Uint32(buf[0:4]),
		ServiceID:      binary.BigEndian.Uint32(buf[4:8]),
		Type:           Type(buf[8]),
	}
	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("invalid message type %d", buf[8])
	}
	return h, nil
}
