// Copyright (c) 2026 The rpcproxy Authors.

package filestream

import (
	"fmt"
	"os"
	"sync"

	"github.com/ipcmesh/rpcproxy/internal/rpcerr"
)

// key identifies one live instance: peer, stream id, and the ownership
// bit (spec §3: "Keyed by (peer, stream-id, ownership bit)"). The
// ownership bit is required because each side mints its own owned-stream
// ids with no cross-peer coordination (spec §4.G) — this node's owned
// stream #3 and the peer's owned stream #3 (which surfaces here as a
// dual, non-owning instance) are different streams that happen to share
// a number, not a collision.
type key struct {
	peer     string
	streamID uint16
	owner    bool
}

// Registry tracks every live file-stream instance, keyed by peer, stream
// id, and ownership bit. Stream ids are scoped per peer link (spec §3):
// the same numeric id may be in independent use for two different peers,
// or for this node's own owned stream versus the peer's.
type Registry struct {
	mu        sync.Mutex
	instances map[key]*Instance
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[key]*Instance)}
}

// allocID returns the smallest stream id, among ids this node owns on
// peer, that is not currently in use. The search is restricted to ids
// this node owns: the remote side allocates ids independently for
// streams it owns, so the two allocators never need to coordinate.
func (r *Registry) allocID(peer string) (uint16, bool) {
	for id := uint16(1); id != 0; id++ {
		if _, taken := r.instances[key{peer: peer, streamID: id, owner: true}]; !taken {
			return id, true
		}
	}
	return 0, false
}

// CreateOwner allocates a fresh stream id on peer and registers an
// owning instance wrapping fd. dir must already reflect fd's access mode
// (spec §4.G: read-only descriptors are Outgoing, write-only Incoming).
// Per spec §5's resource-bound requirement, an exhausted id space returns
// a typed ResourceExhausted error rather than panicking or being dropped
// silently.
func (r *Registry) CreateOwner(peer string, serviceID uint32, dir Direction, fd *os.File) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.allocID(peer)
	if !ok {
		return nil, rpcerr.Newf(rpcerr.ResourceExhausted, "filestream: stream id space exhausted for peer %s", peer)
	}
	inst := NewOwner(peer, id, serviceID, dir, fd)
	r.instances[key{peer: peer, streamID: id, owner: true}] = inst
	return inst, nil
}

// CreateDual registers the non-owning half of a stream-id the peer
// originated, opening a fresh local channel via backend. It fails if the
// peer has reused, for a stream it owns, a numeric id still live under
// that same ownership bit — a genuine protocol violation by the remote
// side, distinct from this node's own owned stream happening to carry
// the same number (see key's doc comment).
func (r *Registry) CreateDual(peer string, streamID uint16, serviceID uint32, ownerDir Direction, backend Backend) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{peer: peer, streamID: streamID, owner: false}
	if _, exists := r.instances[k]; exists {
		return nil, rpcerr.Newf(rpcerr.ProtocolMismatch, "filestream: peer %s reused live stream id %d", peer, streamID)
	}

	inst, err := NewDual(peer, streamID, serviceID, ownerDir, backend)
	if err != nil {
		return nil, err
	}
	r.instances[k] = inst
	return inst, nil
}

// Get looks up a live instance by peer and stream id. A wire message
// never carries its ownership bit explicitly, so Get checks the
// non-owning (dual) slot first — that is the common case, since most
// messages referencing a stream id name one the peer owns — and falls
// back to this node's own owned slot.
func (r *Registry) Get(peer string, streamID uint16) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[key{peer: peer, streamID: streamID, owner: false}]; ok {
		return inst, true
	}
	inst, ok := r.instances[key{peer: peer, streamID: streamID, owner: true}]
	return inst, ok
}

// Remove closes and forgets an instance, e.g. on EOF or FORCE_CLOSE.
func (r *Registry) Remove(peer string, streamID uint16) error {
	r.mu.Lock()
	k := key{peer: peer, streamID: streamID, owner: false}
	inst, ok := r.instances[k]
	if !ok {
		k.owner = true
		inst, ok = r.instances[k]
	}
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.instances, k)
	r.mu.Unlock()

	if err := inst.Close(); err != nil {
		return fmt.Errorf("filestream: closing stream %d/%s: %w", streamID, peer, err)
	}
	return nil
}

// RemovePeer closes and forgets every instance belonging to peer, called
// when the peer link goes down (spec §8's scenario 6).
func (r *Registry) RemovePeer(peer string) {
	r.mu.Lock()
	var dead []*Instance
	for k, inst := range r.instances {
		if k.peer == peer {
			dead = append(dead, inst)
			delete(r.instances, k)
		}
	}
	r.mu.Unlock()

	for _, inst := range dead {
		inst.Close()
	}
}

// Count returns the number of live instances for peer, for tests and
// diagnostics.
func (r *Registry) Count(peer string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.instances {
		if k.peer == peer {
			n++
		}
	}
	return n
}
