// Copyright (c) 2026 The rpcproxy Authors.

package peer

import (
	"github.com/ipcmesh/rpcproxy/internal/filestream"
	"github.com/ipcmesh/rpcproxy/internal/reqtrack"
	"github.com/ipcmesh/rpcproxy/internal/service"
)

// Supervisor owns every configured peer's Link plus the bindings whose
// lifecycle it drives (spec §4.H: "on link establishment the supervisor
// iterates configured services and kicks their lifecycle machines").
// It holds no goroutines of its own; the embedding event loop calls its
// methods from timer fires and transport readiness callbacks.
type Supervisor struct {
	links    map[string]*Link
	bindings map[string][]*service.Machine // keyed by system name

	requests *reqtrack.Tracker
	streams  *filestream.Registry
}

// NewSupervisor returns a Supervisor with no configured links yet; call
// AddLink once per config.SystemLink.
func NewSupervisor(requests *reqtrack.Tracker, streams *filestream.Registry) *Supervisor {
	return &Supervisor{
		links:    make(map[string]*Link),
		bindings: make(map[string][]*service.Machine),
		requests: requests,
		streams:  streams,
	}
}

// AddLink registers l under its system name.
func (s *Supervisor) AddLink(l *Link) {
	s.links[l.System] = l
}

// Link returns the registered link for system, if any.
func (s *Supervisor) Link(system string) (*Link, bool) {
	l, ok := s.links[system]
	return l, ok
}

// Links returns every registered link, for iteration by the event loop
// (arming timers, polling transports).
func (s *Supervisor) Links() []*Link {
	out := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	return out
}

// Bind registers m as a binding carried over system's link. It does not
// itself drive m; LinkEstablished/LinkLost below do, once the link
// transitions.
func (s *Supervisor) Bind(system string, m *service.Machine) {
	s.bindings[system] = append(s.bindings[system], m)
}

// BindingsFor returns every binding registered against system.
func (s *Supervisor) BindingsFor(system string) []*service.Machine {
	return s.bindings[system]
}

// LinkEstablished is delivered once a Link transitions to UP. It kicks
// every bound service.Machine's LinkUp event and reports which ones
// need a CONNECT_SERVICE_REQUEST sent (the caller composes and sends
// these via internal/sender).
func (s *Supervisor) LinkEstablished(system string) []*service.Machine {
	var toConnect []*service.Machine
	for _, m := range s.bindings[system] {
		if send := m.LinkUp(); send {
			toConnect = append(toConnect, m)
		}
	}
	return toConnect
}

// LinkLost is delivered when a Link goes DOWN (transport failure or
// keepalive timeout). It releases every table entry spec §4.H requires —
// pending requests and owned file streams scoped to this system's
// bindings — and resets every bound service.Machine to IDLE so a
// reconnect restarts each lifecycle from scratch.
func (s *Supervisor) LinkLost(system string) {
	for _, m := range s.bindings[system] {
		if m.State == service.Bound {
			s.requests.CloseService(m.ServiceID)
		}
		m.LinkDown()
	}
	s.streams.RemovePeer(system)
}
