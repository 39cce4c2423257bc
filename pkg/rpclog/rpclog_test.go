// Copyright (c) 2026 The rpcproxy Authors.

package rpclog_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/ipcmesh/rpcproxy/pkg/rpclog"
)

func TestRingRetainsMostRecentEntriesInOrder(t *testing.T) {
	r := rpclog.NewRing(3)
	rpclog.AddLogRing("test-ring", r, rpclog.DEBUG)
	defer rpclog.DelLogger("test-ring")

	for i := 0; i < 5; i++ {
		rpclog.Info("event %d", i)
	}

	ents := r.Entries()
	if len(ents) != 3 {
		t.Fatalf("Entries() returned %d entries, want 3", len(ents))
	}
	for i, e := range ents {
		want := fmt.Sprintf("event %d", i+2)
		if e.Text != want {
			t.Fatalf("entry %d text = %q, want %q", i, e.Text, want)
		}
	}

	lines := r.Dump()
	if len(lines) != 3 {
		t.Fatalf("Dump() returned %d lines, want 3", len(lines))
	}
	if !strings.Contains(lines[0], "event 2") || !strings.HasSuffix(lines[0], "\n") {
		t.Fatalf("Dump()[0] = %q, want an event 2 line ending in a newline", lines[0])
	}
}

func TestLevelThresholdGatesDelivery(t *testing.T) {
	r := rpclog.NewRing(8)
	rpclog.AddLogRing("test-warn", r, rpclog.WARN)
	defer rpclog.DelLogger("test-warn")

	if !rpclog.WillLog(rpclog.WARN) {
		t.Fatal("WillLog(WARN) = false with a WARN logger registered")
	}

	rpclog.Debug("quiet")
	rpclog.Warn("loud")

	ents := r.Entries()
	if len(ents) != 1 || ents[0].Text != "loud" {
		t.Fatalf("Entries() = %+v, want just the WARN message", ents)
	}
	if ents[0].Level != rpclog.WARN {
		t.Fatalf("entry level = %v, want WARN", ents[0].Level)
	}
}

func TestFiltersDropMatchingMessages(t *testing.T) {
	r := rpclog.NewRing(8)
	rpclog.AddLogRing("test-filter", r, rpclog.DEBUG)
	defer rpclog.DelLogger("test-filter")

	if err := rpclog.SetFilters("test-filter", []string{"noisy"}); err != nil {
		t.Fatalf("SetFilters: %v", err)
	}

	rpclog.Info("a noisy message")
	rpclog.Info("a clean message")

	ents := r.Entries()
	if len(ents) != 1 || ents[0].Text != "a clean message" {
		t.Fatalf("Entries() = %+v, want just the unfiltered message", ents)
	}
}
