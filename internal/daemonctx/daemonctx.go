// Package daemonctx threads the daemon's shared state explicitly through
// the acceptor, worker pool, slave dispatchers and stats writer, in place
// of the source's file-scope globals (`render_request_queue`, `config`)
// that every thread reached into directly. Signal handlers set an atomic
// exit flag here rather than touching queues or connections directly.
package daemonctx

import (
	"sync/atomic"

	"github.com/renderd-project/renderd/internal/config"
	"github.com/renderd-project/renderd/internal/queue"
	"github.com/renderd-project/renderd/internal/render"
	"github.com/renderd-project/renderd/internal/stats"
)

// Context bundles every piece of shared daemon state. cmd/renderd builds
// exactly one and hands it (or the specific fields each collaborator
// needs) to the acceptor, render pool, slave dispatchers and stats writer.
type Context struct {
	Config *config.Config
	Queue  *queue.Queue
	Styles *render.Registry
	Stats  *stats.Writer

	exiting int32
}

// New wires the four together. Any of styles/statsWriter may be nil if
// that subsystem wasn't configured (no map styles resolved yet, or no
// stats_file configured).
func New(cfg *config.Config, q *queue.Queue, styles *render.Registry, statsWriter *stats.Writer) *Context {
	return &Context{Config: cfg, Queue: q, Styles: styles, Stats: statsWriter}
}

// RequestShutdown sets the atomic exit flag. A signal handler calls this
// instead of reaching into Queue/Styles directly, matching the design
// note's replacement for the source's signal handlers poking globals.
func (c *Context) RequestShutdown() {
	atomic.StoreInt32(&c.exiting, 1)
}

// ShuttingDown reports whether RequestShutdown has been called.
func (c *Context) ShuttingDown() bool {
	return atomic.LoadInt32(&c.exiting) != 0
}

// Close tears down the queue (waking every blocked FetchRequest) and the
// style registry's backends/HTCP sockets/rasterizer handles. Safe to call
// once, after every worker/dispatcher goroutine has been told to stop.
func (c *Context) Close() error {
	c.Queue.Close()
	if c.Styles != nil {
		return c.Styles.Close()
	}
	return nil
}
