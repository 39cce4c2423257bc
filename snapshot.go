// Copyright (c) 2026 The rpcproxy Authors.

package rpcproxy

// BindingSnapshot is one binding's point-in-time state.
type BindingSnapshot struct {
	Service   string
	Protocol  string
	Role      string
	State     string
	ServiceID uint32
}

// PeerSnapshot is one peer link's point-in-time state.
type PeerSnapshot struct {
	System          string
	State           string
	Bindings        []BindingSnapshot
	ContextRecords  int
	PendingRequests int
}

// Snapshot is a point-in-time, read-only view of the whole proxy, taken
// by deep-copying every live record rather than handing out pointers
// into live state (grounded in internal/ron's Server.GetCommands, which
// locks, copies every live Command by value into a fresh map, and
// unlocks before returning it so a caller can range over the result
// without racing the server's own goroutine).
type Snapshot struct {
	ID    string
	Peers []PeerSnapshot
}

// Snapshot builds a Snapshot of the proxy's current state. Because Proxy
// itself has no internal lock (spec §5's single-threaded model), this is
// only safe to call from the same goroutine that drives Feed and the
// timer callbacks; it exists for that loop's own diagnostics and for
// cmd/rpcproxyd's status endpoint, not for concurrent external callers.
func (p *Proxy) Snapshot() Snapshot {
	snap := Snapshot{ID: p.ID.String()}

	for system, ps := range p.peers {
		pSnap := PeerSnapshot{
			System:          system,
			State:           ps.link.State.String(),
			ContextRecords:  ps.contexts.Len(),
			PendingRequests: p.pendingAt(ps),
		}
		for _, b := range ps.bindings {
			pSnap.Bindings = append(pSnap.Bindings, BindingSnapshot{
				Service:   b.machine.Service,
				Protocol:  b.machine.Protocol,
				Role:      b.machine.Role.String(),
				State:     b.machine.State.String(),
				ServiceID: b.machine.ServiceID,
			})
		}
		snap.Peers = append(snap.Peers, pSnap)
	}
	return snap
}

// pendingAt sums reqtrack entries across every service-id bound on ps,
// for Snapshot's PendingRequests field.
func (p *Proxy) pendingAt(ps *peerState) int {
	n := 0
	for id := range ps.byID {
		n += p.requests.CountService(id)
	}
	return n
}
