// Package stats implements the periodic stats writer: a point-in-time
// snapshot of the queue counters, written out on an interval to a
// line-based file, a JSON sidecar, and a Prometheus collector.
package stats

import (
	"github.com/renderd-project/renderd/internal/queue"
)

// Snapshot is a frozen copy of everything the writer emits each period.
// Field names follow the source's stats_struct / stats_writeout_thread
// variable names so the three emitted forms (text, JSON, Prometheus) all
// describe the same numbers.
type Snapshot struct {
	ReqQueueLength     int
	ReqPrioQueueLength int
	ReqLowQueueLength  int
	ReqBulkQueueLength int
	DirtQueueLength    int

	DroppedRequest int64

	ReqRendered      int64
	TimeRendered     int64
	ReqPrioRendered  int64
	TimePrioRendered int64
	ReqLowRendered   int64
	TimeLowRendered  int64
	ReqBulkRendered  int64
	TimeBulkRendered int64
	DirtyRendered    int64
	TimeDirtyRendered int64

	// ZoomRendered[z]/TimeRenderedZoom[z] are indexed by zoom level,
	// sized queue.Limits.MaxZoom+1.
	ZoomRendered     []int64
	TimeRenderedZoom []int64

	Disk []DiskGauge
}

// DiskStatsFunc reads the current disk gauges; overridable in tests.
// A nil or erroring func yields an empty Disk slice rather than failing
// the snapshot, since disk stats are a supplemental gauge rather than a
// mandated counter.
type DiskStatsFunc func() ([]DiskGauge, error)

// Take copies the current queue counters and per-priority queue lengths
// under the queue's lock (via Snapshot/Len), matching
// stats_writeout_thread's request_queue_copy_stats +
// request_queue_no_requests_queued calls.
func Take(q *queue.Queue, disk DiskStatsFunc) Snapshot {
	qs := q.Snapshot()

	snap := Snapshot{
		ReqQueueLength:     q.Len(queue.TagRequest),
		ReqPrioQueueLength: q.Len(queue.TagRequestPrio),
		ReqLowQueueLength:  q.Len(queue.TagRequestLow),
		ReqBulkQueueLength: q.Len(queue.TagRequestBulk),
		DirtQueueLength:    q.Len(queue.TagDirty),

		DroppedRequest: qs.NoReqDropped,

		ReqRendered:       qs.NoReqRender,
		TimeRendered:      qs.TimeReqRender,
		ReqPrioRendered:   qs.NoReqPrioRender,
		TimePrioRendered:  qs.TimeReqPrioRender,
		ReqLowRendered:    qs.NoReqLowRender,
		TimeLowRendered:   qs.TimeReqLowRender,
		ReqBulkRendered:   qs.NoReqBulkRender,
		TimeBulkRendered:  qs.TimeReqBulkRender,
		DirtyRendered:     qs.NoDirtyRender,
		TimeDirtyRendered: qs.TimeReqDirty,

		ZoomRendered:     qs.NoZoomRender,
		TimeRenderedZoom: qs.TimeZoomRender,
	}

	if disk != nil {
		if gauges, err := disk(); err == nil {
			snap.Disk = gauges
		}
	}
	return snap
}
