// Copyright (c) 2026 The rpcproxy Authors.

package rpcproxy

import "github.com/ipcmesh/rpcproxy/internal/reftable"

// genericRefTable backs the wire's generic REFERENCE tag (spec §4.D: "four
// bidirectional tables keyed as in §3" — service-id, proxy-message-id, and
// event-context are the three named namespaces; REFERENCE's own opaque
// local-value↔wire-token mapping is the fourth). It mints a token the first
// time this node's own outgoing traffic carries a local value, and resolves
// that same token back on any later incoming message that refers to it,
// using the same generation-tagged slot allocator as every other reference
// namespace rather than a bespoke map.
type genericRefTable struct {
	table *reftable.Table[uint64]
}

// GenericReferencesMax bounds the number of live generic REFERENCE
// bindings per peer link (spec §5: "every table has a compile-time
// maximum").
const GenericReferencesMax = 4096

func newGenericRefTable() *genericRefTable {
	return &genericRefTable{table: reftable.NewTable[uint64](GenericReferencesMax)}
}

// MintReference implements sender.ReferenceMinter: it allocates a fresh
// wire token for value, the local opaque pointer a REFERENCE item in an
// outgoing payload carries.
func (g *genericRefTable) MintReference(value uint64) (uint64, error) {
	tok, err := g.table.Alloc(value)
	if err != nil {
		return 0, err
	}
	return uint64(tok), nil
}

// ResolveReference implements receiver.ReferenceResolver: it resolves a
// wire token carried on an incoming REFERENCE item back to the local value
// it was minted from.
func (g *genericRefTable) ResolveReference(token uint64) (uint64, bool) {
	return g.table.Lookup(reftable.Token(token))
}
