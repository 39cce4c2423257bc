// Copyright (c) 2026 The rpcproxy Authors.

package reftable_test

import (
	"testing"

	"github.com/ipcmesh/rpcproxy/internal/reftable"
	"github.com/ipcmesh/rpcproxy/internal/rpcerr"
)

func TestAllocLookupRelease(t *testing.T) {
	tbl := reftable.NewTable[string](4)

	tok, err := tbl.Alloc("alpha")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if !tok.Valid() {
		t.Fatalf("Alloc returned the zero token")
	}

	got, ok := tbl.Lookup(tok)
	if !ok || got != "alpha" {
		t.Fatalf("Lookup(%v) = %q, %v, want alpha, true", tok, got, ok)
	}

	tbl.Release(tok)
	if _, ok := tbl.Lookup(tok); ok {
		t.Fatalf("Lookup succeeded after Release")
	}
}

func TestStaleGenerationFailsDeterministically(t *testing.T) {
	tbl := reftable.NewTable[int](1)

	first, err := tbl.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	tbl.Release(first)

	second, err := tbl.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if first == second {
		t.Fatalf("reused token value %v after release and realloc of the same slot", first)
	}
	if _, ok := tbl.Lookup(first); ok {
		t.Fatalf("stale token %v from a released generation resolved", first)
	}

	got, ok := tbl.Lookup(second)
	if !ok || got != 2 {
		t.Fatalf("Lookup(%v) = %v, %v, want 2, true", second, got, ok)
	}
}

func TestCapacityExhausted(t *testing.T) {
	tbl := reftable.NewTable[int](2)

	if _, err := tbl.Alloc(1); err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	if _, err := tbl.Alloc(2); err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}
	if _, err := tbl.Alloc(3); !rpcerr.Is(err, rpcerr.ResourceExhausted) {
		t.Fatalf("Alloc past capacity returned %v, want a ResourceExhausted error", err)
	}
}

func TestZeroTokenNeverResolves(t *testing.T) {
	tbl := reftable.NewTable[int](4)
	if _, ok := tbl.Lookup(0); ok {
		t.Fatalf("the zero token resolved")
	}
}
