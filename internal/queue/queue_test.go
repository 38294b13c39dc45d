package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/renderd-project/renderd/internal/protocol"
)

func req(cmd protocol.Cmd, x, y, z int32, style string) *protocol.Request {
	return &protocol.Request{Ver: 3, Cmd: cmd, X: x, Y: y, Z: z, StyleName: style, MimeType: "image/png"}
}

// Property 1: a single request into an empty queue -> list length 1, index
// has exactly one entry, fetch returns it.
func TestSingleRequestEnqueueAndFetch(t *testing.T) {
	q := New(Limits{})
	cmd, item := q.AddRequest(req(protocol.CmdRender, 0, 0, 1, "s"), 7)
	if cmd != protocol.CmdIgnore {
		t.Fatalf("cmd = %v, want Ignore", cmd)
	}
	if got := q.Len(TagRequest); got != 1 {
		t.Fatalf("Len(Request) = %d, want 1", got)
	}
	if got := q.IndexSize(); got != 1 {
		t.Fatalf("IndexSize = %d, want 1", got)
	}
	got := q.FetchRequest()
	if got != item {
		t.Fatalf("FetchRequest returned a different item")
	}
	if got.CurrentQueue != TagRender {
		t.Fatalf("CurrentQueue = %v, want Render", got.CurrentQueue)
	}
}

// Property 2: K identical requests landing on a normal priority list ->
// list length stays 1, duplicate chain has K-1 tail items, each Ignore.
func TestDuplicateChainOnNormalPriority(t *testing.T) {
	q := New(Limits{})
	const k = 5
	var first *protocol.Request
	for i := 0; i < k; i++ {
		r := req(protocol.CmdRender, 8, 8, 2, "s")
		if i == 0 {
			first = r
		}
		cmd, _ := q.AddRequest(r, ConnID(i))
		if cmd != protocol.CmdIgnore {
			t.Fatalf("request %d: cmd = %v, want Ignore", i, cmd)
		}
	}
	_ = first
	if got := q.Len(TagRequest); got != 1 {
		t.Fatalf("Len(Request) = %d, want 1", got)
	}
	head := q.lists[TagRequest].Front().Value.(*Item)
	if len(head.Duplicates) != k-1 {
		t.Fatalf("duplicates = %d, want %d", len(head.Duplicates), k-1)
	}
}

// Property 3: fingerprint already in Dirty -> NotDone, discarded, not
// appended to any chain.
func TestDuplicateAgainstDirtyIsDiscarded(t *testing.T) {
	q := New(Limits{})
	cmd, _ := q.AddRequest(req(protocol.CmdDirty, 0, 0, 3, "s"), InvalidConn)
	if cmd != protocol.CmdNotDone {
		t.Fatalf("first dirty cmd = %v, want NotDone", cmd)
	}
	cmd2, item2 := q.AddRequest(req(protocol.CmdRender, 0, 0, 3, "s"), 1)
	if cmd2 != protocol.CmdNotDone {
		t.Fatalf("second cmd = %v, want NotDone", cmd2)
	}
	if item2 != nil {
		t.Fatalf("expected discarded item, got non-nil")
	}
	head := q.lists[TagDirty].Front().Value.(*Item)
	if len(head.Duplicates) != 0 {
		t.Fatalf("dirty item acquired a duplicate, want none")
	}
}

// Property 4: Prio, Normal, Low, Dirty, Bulk enqueued in that order; five
// pops return them in strict priority order.
func TestStrictPriorityFetchOrder(t *testing.T) {
	q := New(Limits{})
	_, rp := q.AddRequest(req(protocol.CmdRenderPrio, 0, 0, 1, "a"), 1)
	_, rn := q.AddRequest(req(protocol.CmdRender, 8, 0, 1, "a"), 1)
	_, rl := q.AddRequest(req(protocol.CmdRenderLow, 16, 0, 1, "a"), 1)
	_, rd := q.AddRequest(req(protocol.CmdDirty, 24, 0, 1, "a"), InvalidConn)
	_, rb := q.AddRequest(req(protocol.CmdRenderBulk, 32, 0, 1, "a"), 1)

	want := []*Item{rp, rn, rl, rd, rb}
	for i, w := range want {
		got := q.FetchRequest()
		if got != w {
			t.Fatalf("pop %d: got %v, want %v", i, got.Fingerprint, w.Fingerprint)
		}
	}
}

// Property 5: 2*ReqLimit+DirtyLimit+2 prio requests -> first ReqLimit fill
// RequestPrio, next DirtyLimit overflow to Dirty, remainder NotDone.
func TestOverflowAndRejectCapacityPolicy(t *testing.T) {
	const reqLimit, dirtyLimit = 4, 6
	q := New(Limits{ReqLimit: reqLimit, DirtyLimit: dirtyLimit})

	total := 2*reqLimit + dirtyLimit + 2
	var ignoreCount, notDoneCount int
	for i := 0; i < total; i++ {
		cmd, _ := q.AddRequest(req(protocol.CmdRenderPrio, int32(i*8), 0, 1, "a"), ConnID(i))
		switch cmd {
		case protocol.CmdIgnore:
			ignoreCount++
		case protocol.CmdNotDone:
			notDoneCount++
		}
	}
	if ignoreCount != reqLimit {
		t.Errorf("ignoreCount = %d, want %d", ignoreCount, reqLimit)
	}
	if notDoneCount != total-reqLimit {
		t.Errorf("notDoneCount = %d, want %d", notDoneCount, total-reqLimit)
	}
	if got := q.Len(TagRequestPrio); got != reqLimit {
		t.Errorf("Len(RequestPrio) = %d, want %d", got, reqLimit)
	}
	if got := q.Len(TagDirty); got != dirtyLimit {
		t.Errorf("Len(Dirty) = %d, want %d", got, dirtyLimit)
	}
}

// Property 6: 100 concurrent producers x 9 unique items each into Dirty ->
// final length 900, index has 900 entries; 100 concurrent consumers
// draining a pre-populated Dirty of 900 leaves length 0.
func TestConcurrentProducersAndConsumers(t *testing.T) {
	q := New(Limits{DirtyLimit: 1000})
	var wg sync.WaitGroup
	for p := 0; p < 100; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 9; i++ {
				x := int32(p*9+i) * 8
				q.AddRequest(req(protocol.CmdDirty, x, 0, 1, fmt.Sprintf("p%d", p)), InvalidConn)
			}
		}(p)
	}
	wg.Wait()

	if got := q.Len(TagDirty); got != 900 {
		t.Fatalf("Len(Dirty) = %d, want 900", got)
	}
	if got := q.IndexSize(); got != 900 {
		t.Fatalf("IndexSize = %d, want 900", got)
	}

	var cwg sync.WaitGroup
	for c := 0; c < 100; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for i := 0; i < 9; i++ {
				item := q.FetchRequest()
				if item != nil {
					q.RemoveRequest(item, 10)
				}
			}
		}()
	}
	cwg.Wait()

	if got := q.Len(TagDirty); got != 0 {
		t.Fatalf("Len(Dirty) after drain = %d, want 0", got)
	}
}

// Property 7: clear_by_fd leaves lengths unchanged; every item with that
// conn now carries InvalidConn.
func TestClearByConnInvalidatesWithoutRemoving(t *testing.T) {
	q := New(Limits{})
	const victim = ConnID(42)
	_, a := q.AddRequest(req(protocol.CmdRender, 0, 0, 1, "a"), victim)
	_, b := q.AddRequest(req(protocol.CmdRender, 8, 0, 1, "a"), 99)
	_, _ = q.AddRequest(req(protocol.CmdRender, 0, 0, 1, "a"), victim) // duplicate of a

	before := q.Len(TagRequest)
	q.ClearByConn(victim)
	after := q.Len(TagRequest)
	if before != after {
		t.Fatalf("length changed: %d -> %d", before, after)
	}
	if a.Conn != InvalidConn {
		t.Error("primary item with victim conn not invalidated")
	}
	if len(a.Duplicates) != 1 || a.Duplicates[0].Conn != InvalidConn {
		t.Error("duplicate with victim conn not invalidated")
	}
	if b.Conn != 99 {
		t.Error("unrelated item's conn was touched")
	}
}

func TestRemoveRequestAccumulatesStats(t *testing.T) {
	q := New(Limits{})
	_, item := q.AddRequest(req(protocol.CmdRenderPrio, 0, 0, 5, "a"), 1)
	popped := q.FetchRequest()
	if popped != item {
		t.Fatal("fetch mismatch")
	}
	q.RemoveRequest(item, 250)
	snap := q.Snapshot()
	if snap.TimeReqPrioRender != 250 {
		t.Errorf("TimeReqPrioRender = %d, want 250", snap.TimeReqPrioRender)
	}
	if snap.NoZoomRender[5] != 1 || snap.TimeZoomRender[5] != 250 {
		t.Errorf("zoom stats wrong: %+v", snap)
	}
	if q.IndexSize() != 0 {
		t.Errorf("index not cleared after RemoveRequest")
	}
}

func TestFingerprintDiffersByZoom(t *testing.T) {
	a := NewFingerprint("style", 8, 8, 1)
	b := NewFingerprint("style", 8, 8, 2)
	if a == b {
		t.Error("fingerprints with different z collided")
	}
}
