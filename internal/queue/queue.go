// Package queue implements the five-priority deduplicating request queue:
// a hashed pending-set for O(1) dedup, strict-priority fetch,
// overflow-to-dirty capacity policy, and fd/conn invalidation on client
// disconnect.
package queue

import (
	"container/list"
	"sync"

	"github.com/renderd-project/renderd/internal/protocol"
	"github.com/renderd-project/renderd/internal/rlog"
)

// Default capacity limits: 32 queued requests per priority list plus 1000
// dirty-marked tiles awaiting a future render.
const (
	DefaultReqLimit   = 32
	DefaultDirtyLimit = 1000
)

// Stats mirrors the source's stats_struct: cumulative counters consumed by
// the stats writer and exercised directly by tests.
type Stats struct {
	NoReqRender, NoReqPrioRender, NoReqLowRender, NoDirtyRender, NoReqBulkRender int64
	NoReqDropped                                                                int64
	TimeReqRender, TimeReqPrioRender, TimeReqLowRender, TimeReqDirty, TimeReqBulkRender int64
	NoZoomRender   []int64 // indexed by zoom level, sized maxZoom+1
	TimeZoomRender []int64
}

// DefaultMaxZoom is the MAX_ZOOM floor a deployment is expected to
// support (">= 20").
const DefaultMaxZoom = 20

// Limits configures REQ_LIMIT/DIRTY_LIMIT capacity policy and the
// per-zoom stats array size.
type Limits struct {
	ReqLimit   int
	DirtyLimit int
	MaxZoom    int
}

// Queue is the concurrent, deduplicating, multi-priority render queue.
// A single mutex guards every list, the index, and the stats block,
// matching the source's "one mutex for the whole queue" design.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	lists map[Tag]*list.List // Request, RequestPrio, RequestLow, RequestBulk, Dirty
	render *list.List

	index map[Fingerprint]*Item

	limits Limits
	stats  Stats

	closed bool
}

// New creates an empty queue with the given capacity limits.
func New(limits Limits) *Queue {
	if limits.ReqLimit <= 0 {
		limits.ReqLimit = DefaultReqLimit
	}
	if limits.DirtyLimit <= 0 {
		limits.DirtyLimit = DefaultDirtyLimit
	}
	if limits.MaxZoom <= 0 {
		limits.MaxZoom = DefaultMaxZoom
	}
	q := &Queue{
		lists: map[Tag]*list.List{
			TagRequest:     list.New(),
			TagRequestPrio: list.New(),
			TagRequestLow:  list.New(),
			TagRequestBulk: list.New(),
			TagDirty:       list.New(),
		},
		render: list.New(),
		index:  make(map[Fingerprint]*Item),
		limits: limits,
		stats: Stats{
			NoZoomRender:   make([]int64, limits.MaxZoom+1),
			TimeZoomRender: make([]int64, limits.MaxZoom+1),
		},
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// NewRequest constructs a queue item from a decoded wire request and the
// connection it arrived on (InvalidConn for none / already-gone).
func NewRequest(req *protocol.Request, conn ConnID) *Item {
	return newItem(req.StyleName, req.X, req.Y, req.Z, req.MimeType, req.Options, conn)
}

// cmdToTag maps a submission command to the priority list it targets.
// Dirty has no corresponding Tag here; it is handled as the universal
// overflow target and as a direct submission.
func cmdToTag(cmd protocol.Cmd) (Tag, bool) {
	switch cmd {
	case protocol.CmdRender:
		return TagRequest, true
	case protocol.CmdRenderPrio:
		return TagRequestPrio, true
	case protocol.CmdRenderLow:
		return TagRequestLow, true
	case protocol.CmdRenderBulk:
		return TagRequestBulk, true
	default:
		return 0, false
	}
}

// listLen returns the logical length counter for a tag's list. This line
// exists so counters used by capacity checks always agree with the
// actual list contents.
func (q *Queue) listLen(t Tag) int {
	if t == TagRender {
		return q.render.Len()
	}
	return q.lists[t].Len()
}

// AddRequest runs the full submission pipeline under the queue lock:
// dedup lookup, then (if new) capacity-gated enqueue to the requested
// priority or overflow to Dirty.
func (q *Queue) AddRequest(req *protocol.Request, conn ConnID) (protocol.Cmd, *Item) {
	item := NewRequest(req, conn)

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, found := q.index[item.Fingerprint]; found {
		switch existing.CurrentQueue {
		case TagRender, TagRequest, TagRequestPrio, TagRequestLow:
			item.CurrentQueue = TagDuplicate
			existing.Duplicates = append(existing.Duplicates, item)
			return protocol.CmdIgnore, item
		case TagDirty, TagRequestBulk:
			// Matches a request already parked on a best-effort list: the
			// source frees the new item without touching noReqDroped (that
			// counter is reserved for outright capacity rejection below).
			return protocol.CmdNotDone, nil
		}
	}

	// New fingerprint: route to the requested priority if there's room,
	// else overflow to Dirty, else reject outright.
	if req.Cmd == protocol.CmdDirty {
		if q.listLen(TagDirty) < q.limits.DirtyLimit {
			q.enqueue(TagDirty, item)
			item.Conn = InvalidConn // dirty is fire-and-forget
			return protocol.CmdNotDone, item
		}
		q.stats.NoReqDropped++
		return protocol.CmdNotDone, nil
	}

	tag, ok := cmdToTag(req.Cmd)
	if !ok {
		return protocol.CmdNotDone, nil
	}
	if q.listLen(tag) < q.limits.ReqLimit {
		q.enqueue(tag, item)
		return protocol.CmdIgnore, item
	}
	if q.listLen(TagDirty) < q.limits.DirtyLimit {
		q.enqueue(TagDirty, item)
		item.Conn = InvalidConn
		return protocol.CmdNotDone, item
	}
	q.stats.NoReqDropped++
	return protocol.CmdNotDone, nil
}

func (q *Queue) enqueue(tag Tag, item *Item) {
	item.CurrentQueue = tag
	item.OriginQueue = tag
	item.elem = q.lists[tag].PushBack(item)
	q.index[item.Fingerprint] = item
	q.cond.Signal()
}

// FetchRequest blocks until a request is available, then pops it in strict
// priority order (RequestPrio > Request > RequestLow > Dirty > RequestBulk)
// and moves it onto the render list. Returns nil if the queue was closed
// while waiting.
func (q *Queue) FetchRequest() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.allEmptyLocked() {
		q.cond.Wait()
	}
	if q.closed && q.allEmptyLocked() {
		return nil
	}

	order := []Tag{TagRequestPrio, TagRequest, TagRequestLow, TagDirty, TagRequestBulk}
	var item *Item
	for _, tag := range order {
		l := q.lists[tag]
		if front := l.Front(); front != nil {
			item = front.Value.(*Item)
			l.Remove(front)
			switch tag {
			case TagRequestPrio:
				q.stats.NoReqPrioRender++
			case TagRequest:
				q.stats.NoReqRender++
			case TagRequestLow:
				q.stats.NoReqLowRender++
			case TagDirty:
				q.stats.NoDirtyRender++
			case TagRequestBulk:
				q.stats.NoReqBulkRender++
			}
			break
		}
	}
	if item == nil {
		return nil
	}
	item.CurrentQueue = TagRender
	item.elem = q.render.PushFront(item)
	return item
}

func (q *Queue) allEmptyLocked() bool {
	for _, t := range []Tag{TagRequest, TagRequestPrio, TagRequestLow, TagRequestBulk, TagDirty} {
		if q.lists[t].Len() > 0 {
			return false
		}
	}
	return true
}

// ClearByConn invalidates every item's Conn (in the four fd-bearing lists
// and their duplicate chains) that matches conn, without removing the item
// from its list, mirroring the source's clear_by_fd on client disconnect.
func (q *Queue) ClearByConn(conn ConnID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lists := []*list.List{q.lists[TagRequest], q.render, q.lists[TagRequestPrio], q.lists[TagRequestBulk]}
	for _, l := range lists {
		for e := l.Front(); e != nil; e = e.Next() {
			item := e.Value.(*Item)
			if item.Conn == conn {
				item.Conn = InvalidConn
			}
			for _, dup := range item.Duplicates {
				if dup.Conn == conn {
					dup.Conn = InvalidConn
				}
			}
		}
	}
}

// RemoveRequest unlinks request from the render list, removes it from the
// pending-set index, and folds renderTimeMs into per-origin and per-zoom
// statistics. Must be called exactly once per fetched item; render.Pool
// and slave.Dispatcher call it before writing any response for the item.
// Removal happens under the lock before any further use of item is safe.
func (q *Queue) RemoveRequest(item *Item, renderTimeMs int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.CurrentQueue != TagRender {
		rlog.Warnf("removing request not on render list (queue=%s)", item.CurrentQueue)
	}
	if renderTimeMs > 0 {
		switch item.OriginQueue {
		case TagRequestPrio:
			q.stats.TimeReqPrioRender += renderTimeMs
		case TagRequest:
			q.stats.TimeReqRender += renderTimeMs
		case TagRequestLow:
			q.stats.TimeReqLowRender += renderTimeMs
		case TagDirty:
			q.stats.TimeReqDirty += renderTimeMs
		case TagRequestBulk:
			q.stats.TimeReqBulkRender += renderTimeMs
		}
		if z := int(item.Z); z >= 0 && z < len(q.stats.NoZoomRender) {
			q.stats.NoZoomRender[z]++
			q.stats.TimeZoomRender[z] += renderTimeMs
		}
	}
	if item.elem != nil {
		q.render.Remove(item.elem)
		item.elem = nil
	}
	delete(q.index, item.Fingerprint)
}

// Len reports the current logical length of one priority list, for tests
// and the stats writer.
func (q *Queue) Len(t Tag) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLen(t)
}

// Snapshot copies the current stats block out from under the lock. The
// per-zoom slices are deep-copied so the result is a frozen point-in-time
// view, not an alias into the live counters.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := q.stats
	snap.NoZoomRender = append([]int64(nil), q.stats.NoZoomRender...)
	snap.TimeZoomRender = append([]int64(nil), q.stats.TimeZoomRender...)
	return snap
}

// IndexSize reports the pending-set size, for dedup index tests.
func (q *Queue) IndexSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Close wakes every blocked FetchRequest call so workers can exit during
// graceful shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
