// Copyright (c) 2026 The rpcproxy Authors.

package rpcproxy

import (
	"time"

	"github.com/ipcmesh/rpcproxy/internal/ipc"
	"github.com/ipcmesh/rpcproxy/internal/reftable"
)

// ContextRecord is one event-context token's bookkeeping (spec §3, §4.D):
// the client-side registration of an asynchronous callback, kept alive
// between the add-handler request that created it and the remove-handler
// (or session/service teardown) that releases it.
//
// EventCount and LastDelivered are the FULL addendum from
// original_source/.../le_rpcProxyEventHandler.c: a diagnostic counter and
// timestamp, not used for any decision. Dispatch updates them; neither
// Proxy.Snapshot nor Metrics reports them (both report only the number
// of live records).
type ContextRecord struct {
	SessionID ipc.SessionID
	// OriginalContext is the client's own context pointer, restored
	// verbatim on every dispatched SERVER_ASYNC_EVENT so the client's
	// callback sees the same cookie it registered with.
	OriginalContext uint32
	ServiceID       uint32
	// RemoteHandler is filled in once the paired CONNECT response-style
	// ASYNC_HANDLER_REFERENCE arrives; zero until then.
	RemoteHandler uint32

	EventCount    uint64
	LastDelivered time.Time
}

// ContextTable owns every live event-context record for one peer link
// (spec §4.D: "never shared across peers"), using the same
// generation-tagged slot allocator as the service-id and proxy-message-id
// namespaces rather than a bespoke map.
type ContextTable struct {
	table *reftable.Table[*ContextRecord]
}

// NewContextTable returns a table bounded to capacity simultaneously
// registered async-handler records.
func NewContextTable(capacity int) *ContextTable {
	return &ContextTable{table: reftable.NewTable[*ContextRecord](capacity)}
}

// Bind mints a fresh event-context token for a CONTEXT_PTR_REFERENCE seen
// in an outgoing add-handler request and stores rec under it.
func (c *ContextTable) Bind(rec *ContextRecord) (uint32, error) {
	tok, err := c.table.Alloc(rec)
	if err != nil {
		return 0, err
	}
	return uint32(tok), nil
}

// CompleteHandler attaches the remote ASYNC_HANDLER_REFERENCE carried in
// the add-handler response to the record named by token.
func (c *ContextTable) CompleteHandler(token uint32, remoteHandler uint32) (*ContextRecord, bool) {
	rec, ok := c.table.Lookup(reftable.Token(token))
	if !ok {
		return nil, false
	}
	rec.RemoteHandler = remoteHandler
	return rec, true
}

// Dispatch resolves an incoming SERVER_ASYNC_EVENT's event-context token
// to its record, recording the diagnostic delivery counter/timestamp
// addendum.
func (c *ContextTable) Dispatch(token uint32) (*ContextRecord, bool) {
	rec, ok := c.table.Lookup(reftable.Token(token))
	if !ok {
		return nil, false
	}
	rec.EventCount++
	rec.LastDelivered = time.Now()
	return rec, true
}

// Release frees token's record, called on remove-handler, session close,
// or owning service teardown (spec §4.D's invariant: "a context record is
// released on the earliest of" those three events).
func (c *ContextTable) Release(token uint32) {
	c.table.Release(reftable.Token(token))
}

// ReleaseSession releases every record belonging to sessionID, e.g. on
// local client session close.
func (c *ContextTable) ReleaseSession(sessionID ipc.SessionID) []*ContextRecord {
	return c.releaseWhere(func(r *ContextRecord) bool { return r.SessionID == sessionID })
}

// ReleaseService releases every record belonging to serviceID, e.g. on
// owning service disconnect.
func (c *ContextTable) ReleaseService(serviceID uint32) []*ContextRecord {
	return c.releaseWhere(func(r *ContextRecord) bool { return r.ServiceID == serviceID })
}

func (c *ContextTable) releaseWhere(match func(*ContextRecord) bool) []*ContextRecord {
	var toRelease []reftable.Token
	var released []*ContextRecord
	c.table.Each(func(tok reftable.Token, r *ContextRecord) {
		if match(r) {
			toRelease = append(toRelease, tok)
			released = append(released, r)
		}
	})
	for _, tok := range toRelease {
		c.table.Release(tok)
	}
	return released
}

// Len returns the number of currently live event-context records.
func (c *ContextTable) Len() int { return c.table.Len() }
