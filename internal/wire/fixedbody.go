// Copyright (c) 2026 The rpcproxy Authors.

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Maximum lengths for the null-terminated strings carried in a fixed-layout
// body (spec §4.A leaves these implementation-defined).
const (
	MaxSystemNameLen  = 64
	MaxServiceNameLen = 64
	MaxProtocolIDLen  = 96
	FixedBodyLen      = MaxSystemNameLen + MaxServiceNameLen + MaxProtocolIDLen + 4
)

// FixedBody is the body of CONNECT_SERVICE_REQUEST, CONNECT_SERVICE_RESPONSE,
// DISCONNECT_SERVICE, KEEPALIVE_REQUEST, and KEEPALIVE_RESPONSE. KEEPALIVE
// messages leave System/Service/Protocol empty and ServiceCode at zero;
// DISCONNECT_SERVICE leaves ServiceCode at zero.
type FixedBody struct {
	System      string
	Service     string
	Protocol    string
	ServiceCode uint32
}

func putFixedString(dst []byte, s string, max int) error {
	if len(s) >= max {
		return fmt.Errorf("name %q exceeds maximum length %d", s, max-1)
	}
	copy(dst, s)
	for i := len(s); i < max; i++ {
		dst[i] = 0
	}
	return nil
}

// Marshal appends the fixed-layout encoding of b to buf.
func (b FixedBody) Marshal(buf []byte) ([]byte, error) {
	var tmp [FixedBodyLen]byte

	if err := putFixedString(tmp[0:MaxSystemNameLen], b.System, MaxSystemNameLen); err != nil {
		return nil, err
	}
	off := MaxSystemNameLen
	if err := putFixedString(tmp[off:off+MaxServiceNameLen], b.Service, MaxServiceNameLen); err != nil {
		return nil, err
	}
	off += MaxServiceNameLen
	if err := putFixedString(tmp[off:off+MaxProtocolIDLen], b.Protocol, MaxProtocolIDLen); err != nil {
		return nil, err
	}
	off += MaxProtocolIDLen

	binary.BigEndian.PutUint32(tmp[off:off+4], b.ServiceCode)

	return append(buf, tmp[:]...), nil
}

func readFixedString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}

// UnmarshalFixedBody decodes exactly FixedBodyLen bytes of buf.
func UnmarshalFixedBody(buf []byte) (FixedBody, error) {
	if len(buf) < FixedBodyLen {
		return FixedBody{}, fmt.Errorf("short fixed body: %d bytes", len(buf))
	}

	var b FixedBody
	off := 0
	b.System = readFixedString(buf[off : off+MaxSystemNameLen])
	off += MaxSystemNameLen
	b.Service = readFixedString(buf[off : off+MaxServiceNameLen])
	off += MaxServiceNameLen
	b.Protocol = readFixedString(buf[off : off+MaxProtocolIDLen])
	off += MaxProtocolIDLen
	b.ServiceCode = binary.BigEndian.Uint32(buf[off : off+4])

	return b, nil
}

// Service-code values used on CONNECT_SERVICE_RESPONSE.
const (
	ServiceCodeOK               uint32 = 0
	ServiceCodeProtocolMismatch uint32 = 1
	ServiceCodeNoMemory         uint32 = 2
	ServiceCodeNotFound         uint32 = 3
)
