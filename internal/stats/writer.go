package stats

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/renderd-project/renderd/internal/queue"
	"github.com/renderd-project/renderd/internal/rlog"
)

// writeoutPeriod is stats_writeout_thread's fixed sleep(10).
const writeoutPeriod = 10 * time.Second

// maxConsecutiveFailures is how many failed writes in a row make Run give up.
const maxConsecutiveFailures = 3

// Writer periodically snapshots Queue and writes it out. StatsFile holds
// the line-based `Key: integer` format munin/legacy tooling parses;
// JSONFile is an additive jsoniter-encoded sidecar for internal/statushttp.
// Either path left empty disables that output.
type Writer struct {
	Queue     *queue.Queue
	StatsFile string
	JSONFile  string
	Period    time.Duration
	Disk      DiskStatsFunc
}

func (w *Writer) period() time.Duration {
	if w.Period > 0 {
		return w.Period
	}
	return writeoutPeriod
}

// Run writes a snapshot every period until ctx is cancelled, or until the
// primary stats file has failed to write/rename three times in a row, at
// which point it logs at ERROR and returns, mirroring
// stats_writeout_thread's "failed repeatedly, giving up" exit.
func (w *Writer) Run(ctx context.Context) {
	consecutiveFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		snap := Take(w.Queue, w.Disk)

		if w.StatsFile != "" {
			if err := writeAtomic(w.StatsFile, renderText(snap)); err != nil {
				rlog.Warnf("stats: failed to write stats file: %v", err)
				consecutiveFailures++
				if consecutiveFailures >= maxConsecutiveFailures {
					rlog.Errorf("stats: failed repeatedly to write stats, giving up")
					return
				}
				if !sleepCtx(ctx, w.period()) {
					return
				}
				continue
			}
			consecutiveFailures = 0
		}

		if w.JSONFile != "" {
			if body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(snap); err != nil {
				rlog.Warnf("stats: failed to marshal JSON sidecar: %v", err)
			} else if err := writeAtomic(w.JSONFile, body); err != nil {
				rlog.Warnf("stats: failed to write JSON sidecar: %v", err)
			}
		}

		if !sleepCtx(ctx, w.period()) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// writeAtomic writes body to path.tmp and renames it over path, matching
// stats_writeout_thread's fopen(tmpName)+fclose+rename sequence so a
// reader never observes a partially written file.
func writeAtomic(path string, body []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// renderText renders snap in the exact `Key: integer` line format and key
// names stats_writeout_thread writes, including its "Droped" spelling,
// since external tooling (munin plugins) matches on these literal keys.
func renderText(s Snapshot) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "ReqQueueLength: %d\n", s.ReqQueueLength)
	fmt.Fprintf(&b, "ReqPrioQueueLength: %d\n", s.ReqPrioQueueLength)
	fmt.Fprintf(&b, "ReqLowQueueLength: %d\n", s.ReqLowQueueLength)
	fmt.Fprintf(&b, "ReqBulkQueueLength: %d\n", s.ReqBulkQueueLength)
	fmt.Fprintf(&b, "DirtQueueLength: %d\n", s.DirtQueueLength)
	fmt.Fprintf(&b, "DropedRequest: %d\n", s.DroppedRequest)
	fmt.Fprintf(&b, "ReqRendered: %d\n", s.ReqRendered)
	fmt.Fprintf(&b, "TimeRendered: %d\n", s.TimeRendered)
	fmt.Fprintf(&b, "ReqPrioRendered: %d\n", s.ReqPrioRendered)
	fmt.Fprintf(&b, "TimePrioRendered: %d\n", s.TimePrioRendered)
	fmt.Fprintf(&b, "ReqLowRendered: %d\n", s.ReqLowRendered)
	fmt.Fprintf(&b, "TimeLowRendered: %d\n", s.TimeLowRendered)
	fmt.Fprintf(&b, "ReqBulkRendered: %d\n", s.ReqBulkRendered)
	fmt.Fprintf(&b, "TimeBulkRendered: %d\n", s.TimeBulkRendered)
	fmt.Fprintf(&b, "DirtyRendered: %d\n", s.DirtyRendered)
	fmt.Fprintf(&b, "TimeDirtyRendered: %d\n", s.TimeDirtyRendered)
	for i, n := range s.ZoomRendered {
		fmt.Fprintf(&b, "ZoomRendered%02d: %d\n", i, n)
	}
	for i, n := range s.TimeRenderedZoom {
		fmt.Fprintf(&b, "TimeRenderedZoom%02d: %d\n", i, n)
	}
	return []byte(b.String())
}
