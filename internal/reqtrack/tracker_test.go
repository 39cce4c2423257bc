// Copyright (c) 2026 The rpcproxy Authors.

package reqtrack_test

import (
	"testing"
	"time"

	"github.com/ipcmesh/rpcproxy/internal/reqtrack"
)

func TestBeginCompleteRoundTrip(t *testing.T) {
	tr := reqtrack.NewTracker(4, time.Minute)

	id, err := tr.Begin(7, 1, "handle-a", nil, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	handle, _, ok := tr.Complete(id)
	if !ok || handle != "handle-a" {
		t.Fatalf("Complete(%d) = %v, %v, want handle-a, true", id, handle, ok)
	}

	if _, _, ok := tr.Complete(id); ok {
		t.Fatalf("Complete succeeded twice for the same id")
	}
}

func TestCapacityExhausted(t *testing.T) {
	tr := reqtrack.NewTracker(1, time.Minute)

	if _, err := tr.Begin(1, 1, "a", nil, nil); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if _, err := tr.Begin(1, 1, "b", nil, nil); err == nil {
		t.Fatalf("Begin past capacity succeeded")
	}
}

func TestExpiryFiresOnTimeout(t *testing.T) {
	tr := reqtrack.NewTracker(4, 5*time.Millisecond)

	fired := make(chan uint32, 1)
	id, err := tr.Begin(1, 1, "handle-a", nil, func(id uint32) { fired <- id })
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	select {
	case got := <-fired:
		if got != id {
			t.Fatalf("onExpire called with id %d, want %d", got, id)
		}
	case <-time.After(time.Second):
		t.Fatalf("expiry callback never fired")
	}

	handle, ok := tr.Expire(id)
	if !ok || handle != "handle-a" {
		t.Fatalf("Expire(%d) = %v, %v, want handle-a, true", id, handle, ok)
	}
}

func TestCompleteStopsExpiryTimer(t *testing.T) {
	tr := reqtrack.NewTracker(4, 5*time.Millisecond)

	fired := make(chan uint32, 1)
	id, err := tr.Begin(1, 1, "handle-a", nil, func(id uint32) { fired <- id })
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, _, ok := tr.Complete(id); !ok {
		t.Fatalf("Complete: entry not found")
	}

	select {
	case <-fired:
		t.Fatalf("expiry callback fired after Complete stopped the timer")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseSessionOnlyReleasesMatchingEntries(t *testing.T) {
	tr := reqtrack.NewTracker(4, time.Minute)

	idA, _ := tr.Begin(1, 100, "a", nil, nil)
	idB, _ := tr.Begin(1, 200, "b", nil, nil)

	handles := tr.CloseSession(1, 100)
	if len(handles) != 1 || handles[0] != "a" {
		t.Fatalf("CloseSession returned %v, want [a]", handles)
	}

	if _, _, ok := tr.Complete(idA); ok {
		t.Fatalf("entry for the closed session is still live")
	}
	if _, _, ok := tr.Complete(idB); !ok {
		t.Fatalf("CloseSession released an entry belonging to a different session")
	}
}

func TestCloseServiceReleasesEveryEntryOnIt(t *testing.T) {
	tr := reqtrack.NewTracker(4, time.Minute)

	tr.Begin(5, 1, "a", nil, nil)
	tr.Begin(5, 2, "b", nil, nil)
	idOther, _ := tr.Begin(6, 1, "c", nil, nil)

	handles := tr.CloseService(5)
	if len(handles) != 2 {
		t.Fatalf("CloseService released %d entries, want 2", len(handles))
	}
	if tr.CountService(5) != 0 {
		t.Fatalf("CountService(5) = %d after CloseService, want 0", tr.CountService(5))
	}
	if _, _, ok := tr.Complete(idOther); !ok {
		t.Fatalf("CloseService(5) released an entry on a different service")
	}
}

func TestOptimizedOutputsRoundTrip(t *testing.T) {
	tr := reqtrack.NewTracker(4, time.Minute)

	dest := make([]byte, 4)
	outputs := []reqtrack.OptimizedOutput{{Dest: dest, Offset: 0}}
	id, err := tr.Begin(1, 1, "handle", outputs, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	_, gotOutputs, ok := tr.Complete(id)
	if !ok || len(gotOutputs) != 1 || &gotOutputs[0].Dest[0] != &dest[0] {
		t.Fatalf("Complete did not return the recorded optimized-output destinations")
	}
}
