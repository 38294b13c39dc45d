package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/renderd-project/renderd/internal/queue"
)

// Collector exposes the same counters renderText writes out as Prometheus
// gauges/counters, registered alongside (not instead of) the stats file.
type Collector struct {
	queue *queue.Queue
	disk  DiskStatsFunc

	queueLength  *prometheus.Desc
	dropped      *prometheus.Desc
	rendered     *prometheus.Desc
	renderTime   *prometheus.Desc
	zoomRendered *prometheus.Desc
	zoomTime     *prometheus.Desc
	diskRead     *prometheus.Desc
	diskWrite    *prometheus.Desc
}

func NewCollector(q *queue.Queue, disk DiskStatsFunc) *Collector {
	return &Collector{
		queue: q,
		disk:  disk,
		queueLength: prometheus.NewDesc("renderd_queue_length",
			"Current number of items queued, by priority.", []string{"priority"}, nil),
		dropped: prometheus.NewDesc("renderd_dropped_requests_total",
			"Requests dropped because the request queue was full.", nil, nil),
		rendered: prometheus.NewDesc("renderd_rendered_total",
			"Metatiles rendered, by origin queue.", []string{"priority"}, nil),
		renderTime: prometheus.NewDesc("renderd_render_milliseconds_total",
			"Cumulative render time in milliseconds, by origin queue.", []string{"priority"}, nil),
		zoomRendered: prometheus.NewDesc("renderd_zoom_rendered_total",
			"Metatiles rendered, by zoom level.", []string{"zoom"}, nil),
		zoomTime: prometheus.NewDesc("renderd_zoom_render_milliseconds_total",
			"Cumulative render time in milliseconds, by zoom level.", []string{"zoom"}, nil),
		diskRead: prometheus.NewDesc("renderd_disk_bytes_read_total",
			"Cumulative bytes read from the tile storage mountpoint.", []string{"drive"}, nil),
		diskWrite: prometheus.NewDesc("renderd_disk_bytes_written_total",
			"Cumulative bytes written to the tile storage mountpoint.", []string{"drive"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueLength
	ch <- c.dropped
	ch <- c.rendered
	ch <- c.renderTime
	ch <- c.zoomRendered
	ch <- c.zoomTime
	ch <- c.diskRead
	ch <- c.diskWrite
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := Take(c.queue, c.disk)

	ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(s.ReqQueueLength), "render")
	ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(s.ReqPrioQueueLength), "render_prio")
	ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(s.ReqLowQueueLength), "render_low")
	ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(s.ReqBulkQueueLength), "render_bulk")
	ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(s.DirtQueueLength), "dirty")

	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.DroppedRequest))

	ch <- prometheus.MustNewConstMetric(c.rendered, prometheus.CounterValue, float64(s.ReqRendered), "render")
	ch <- prometheus.MustNewConstMetric(c.rendered, prometheus.CounterValue, float64(s.ReqPrioRendered), "render_prio")
	ch <- prometheus.MustNewConstMetric(c.rendered, prometheus.CounterValue, float64(s.ReqLowRendered), "render_low")
	ch <- prometheus.MustNewConstMetric(c.rendered, prometheus.CounterValue, float64(s.ReqBulkRendered), "render_bulk")
	ch <- prometheus.MustNewConstMetric(c.rendered, prometheus.CounterValue, float64(s.DirtyRendered), "dirty")

	ch <- prometheus.MustNewConstMetric(c.renderTime, prometheus.CounterValue, float64(s.TimeRendered), "render")
	ch <- prometheus.MustNewConstMetric(c.renderTime, prometheus.CounterValue, float64(s.TimePrioRendered), "render_prio")
	ch <- prometheus.MustNewConstMetric(c.renderTime, prometheus.CounterValue, float64(s.TimeLowRendered), "render_low")
	ch <- prometheus.MustNewConstMetric(c.renderTime, prometheus.CounterValue, float64(s.TimeBulkRendered), "render_bulk")
	ch <- prometheus.MustNewConstMetric(c.renderTime, prometheus.CounterValue, float64(s.TimeDirtyRendered), "dirty")

	for zoom, n := range s.ZoomRendered {
		z := strconv.Itoa(zoom)
		ch <- prometheus.MustNewConstMetric(c.zoomRendered, prometheus.CounterValue, float64(n), z)
	}
	for zoom, n := range s.TimeRenderedZoom {
		z := strconv.Itoa(zoom)
		ch <- prometheus.MustNewConstMetric(c.zoomTime, prometheus.CounterValue, float64(n), z)
	}

	for _, d := range s.Disk {
		ch <- prometheus.MustNewConstMetric(c.diskRead, prometheus.CounterValue, float64(d.BytesRead), d.Name)
		ch <- prometheus.MustNewConstMetric(c.diskWrite, prometheus.CounterValue, float64(d.BytesWritten), d.Name)
	}
}
