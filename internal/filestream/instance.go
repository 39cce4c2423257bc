// Copyright (c) 2026 The rpcproxy Authors.

package filestream

import (
	"fmt"
	"io"
	"os"
)

// Direction names which way application bytes flow on an instance, from
// this node's point of view.
type Direction int

const (
	// Outgoing: this node reads bytes (from the owner's real descriptor,
	// or from a dual's local-recipient pipe end) and transmits them as
	// DATA_PACKETs.
	Outgoing Direction = iota
	// Incoming: this node receives DATA_PACKETs and writes the bytes
	// into its descriptor (the owner's real descriptor, or a dual's
	// local-recipient pipe end).
	Incoming
)

func (d Direction) invert() Direction {
	if d == Outgoing {
		return Incoming
	}
	return Outgoing
}

func (d Direction) String() string {
	if d == Outgoing {
		return "OUTGOING"
	}
	return "INCOMING"
}

// DefaultChunkSize is the maximum number of bytes packed into a single
// DATA_PACKET (spec §4.G: "chunks are at most an implementation-defined
// cap, suggested 2-4 KiB").
const DefaultChunkSize = 4096

// Instance is one end of a file-stream pair (spec §3's File-stream
// instance). ProxyEnd is always the descriptor the proxy itself performs
// I/O on: for the owning side it is the original descriptor handed in by
// the local IPC message (wrapped for non-blocking use); for the
// non-owning dual it is the internal end of a freshly created channel
// whose other end (UserEnd) was handed to the local recipient.
type Instance struct {
	Peer      string
	StreamID  uint16
	Owner     bool
	Direction Direction
	ServiceID uint32

	// UserEnd is nil on the owning side (there is no further local
	// delivery to do: the real descriptor came from, and stays with, the
	// local caller). On the dual side it is the end handed to the local
	// recipient so it sees an ordinary file descriptor.
	UserEnd *os.File

	// ProxyEnd is the descriptor the proxy reads from (Direction ==
	// Outgoing) or writes to (Direction == Incoming).
	ProxyEnd *os.File

	// pendingGrant is, on an Incoming instance, the number of bytes the
	// consumer (the local recipient, via REQUEST_DATA) has said it can
	// still accept but that have not yet arrived from the peer.
	pendingGrant int64

	eof    bool
	closed bool
}

// Backend opens a fresh local channel for a dual (non-owning) instance.
// dir is the *dual's* direction: Outgoing means the local recipient will
// write to userEnd and the proxy reads from proxyEnd; Incoming means the
// proxy writes to proxyEnd and the local recipient reads from userEnd.
type Backend interface {
	Open(dir Direction) (userEnd, proxyEnd *os.File, err error)
}

// NewOwner wraps a real local descriptor as the owning end of a fresh
// stream. dir is determined by the descriptor's access mode by the
// caller (spec §4.G): read-only descriptors are Outgoing, write-only are
// Incoming; bidirectional descriptors must be rejected before calling
// NewOwner.
func NewOwner(peer string, streamID uint16, serviceID uint32, dir Direction, fd *os.File) *Instance {
	return &Instance{
		Peer:      peer,
		StreamID:  streamID,
		Owner:     true,
		Direction: dir,
		ServiceID: serviceID,
		ProxyEnd:  fd,
	}
}

// NewDual opens a fresh channel via backend and returns the non-owning
// instance whose direction is the inverse of the owner's, per spec §3's
// invariant that "the other peer records the dual with direction
// inverted and ownership inverted."
func NewDual(peer string, streamID uint16, serviceID uint32, ownerDir Direction, backend Backend) (*Instance, error) {
	dir := ownerDir.invert()

	userEnd, proxyEnd, err := backend.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("filestream: opening dual channel: %w", err)
	}

	return &Instance{
		Peer:      peer,
		StreamID:  streamID,
		Owner:     false,
		Direction: dir,
		ServiceID: serviceID,
		UserEnd:   userEnd,
		ProxyEnd:  proxyEnd,
	}, nil
}

// OwnerBit returns the FlagOwner-shaped contribution of this instance to
// a FILESTREAM_MESSAGE, satisfying spec §8's "the sum of OWNER bits
// across the pair is exactly 1 at all times" when combined with its dual.
func (in *Instance) OwnerBit() Flag {
	if in.Owner {
		return FlagOwner
	}
	return 0
}

// InitFlags returns the INIT_* flag naming this instance's direction, for
// the metadata attached to the message that first creates the stream.
func (in *Instance) InitFlags() Flag {
	f := in.OwnerBit()
	if in.Direction == Incoming {
		return f | FlagInitIncoming
	}
	return f | FlagInitOutgoing
}

// ReadChunk reads up to max bytes (capped at DefaultChunkSize) from the
// proxy's end, for an Outgoing instance. It returns eof=true once the
// underlying descriptor reports end-of-file; the caller emits a FlagEOF
// FILESTREAM_MESSAGE and tears the stream down on both sides.
func (in *Instance) ReadChunk(max int) (data []byte, eof bool, err error) {
	if in.Direction != Outgoing {
		return nil, false, fmt.Errorf("filestream: ReadChunk on an Incoming instance")
	}
	if max <= 0 || max > DefaultChunkSize {
		max = DefaultChunkSize
	}

	buf := make([]byte, max)
	n, err := in.ProxyEnd.Read(buf)
	if err != nil {
		if err == io.EOF {
			return buf[:n], true, nil
		}
		return nil, false, err
	}
	return buf[:n], false, nil
}

// WriteChunk writes data (a received DATA_PACKET payload) into the
// proxy's end, for an Incoming instance.
func (in *Instance) WriteChunk(data []byte) error {
	if in.Direction != Incoming {
		return fmt.Errorf("filestream: WriteChunk on an Outgoing instance")
	}
	_, err := in.ProxyEnd.Write(data)
	return err
}

// GrantWindow records that the consumer can accept n additional bytes,
// returning the new outstanding grant. Called when this Incoming
// instance's local reader is ready for more and emits a REQUEST_DATA
// message to its peer.
func (in *Instance) GrantWindow(n int) int64 {
	in.pendingGrant += int64(n)
	return in.pendingGrant
}

// ConsumeWindow reduces the outstanding grant by n bytes of DATA_PACKET
// received, enforcing spec §8's flow-control safety property. It returns
// an error if n exceeds the outstanding grant.
func (in *Instance) ConsumeWindow(n int) error {
	if int64(n) > in.pendingGrant {
		return fmt.Errorf("filestream: peer sent %d bytes exceeding outstanding grant of %d", n, in.pendingGrant)
	}
	in.pendingGrant -= int64(n)
	return nil
}

func (in *Instance) MarkEOF() { in.eof = true }
func (in *Instance) EOF() bool { return in.eof }

// Close releases both descriptors. Safe to call more than once.
func (in *Instance) Close() error {
	if in.closed {
		return nil
	}
	in.closed = true

	var err error
	if in.UserEnd != nil {
		err = in.UserEnd.Close()
	}
	if in.ProxyEnd != nil {
		if cerr := in.ProxyEnd.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
