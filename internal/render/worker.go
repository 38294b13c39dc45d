package render

import (
	"context"
	"runtime"
	"time"

	"github.com/renderd-project/renderd/internal/metatile"
	"github.com/renderd-project/renderd/internal/protocol"
	"github.com/renderd-project/renderd/internal/queue"
	"github.com/renderd-project/renderd/internal/rerr"
	"github.com/renderd-project/renderd/internal/rlog"
)

// rasterizationCooloff protects storage/DB from repeated-failure storms by
// pausing a worker for this long after a failed render before its next pop.
const rasterizationCooloff = 10 * time.Second

// Pool is the render worker pool: N workers, each popping one item at a
// time from the shared queue, rendering it against its style's rasterizer
// handle, writing the bundle, and broadcasting an HTCP purge.
type Pool struct {
	Queue      *queue.Queue
	Styles     *Registry
	Rasterizer Rasterizer

	// FatalExit is invoked once, from whichever worker first observes a
	// storage write failure, to signal process exit the same way the
	// source signals its acceptor thread over its exit-pipe. The
	// acceptor's Stop wired here triggers the same graceful-shutdown path
	// a SIGTERM would.
	FatalExit func()

	// Respond delivers the echoed response for one item: the reply carries
	// the original style/x/y/z/mimetype/options plus cmd. Wired to the
	// acceptor's per-connection writer, keyed by item.Conn; items with
	// Conn == InvalidConn (Dirty-origin, or a disconnected client) are
	// never passed here.
	Respond func(item *queue.Item, cmd protocol.Cmd)

	// Cooloff overrides rasterizationCooloff; zero means the default 10s.
	// Tests substitute a small duration to avoid a slow suite.
	Cooloff time.Duration
}

func (p *Pool) cooloff() time.Duration {
	if p.Cooloff > 0 {
		return p.Cooloff
	}
	return rasterizationCooloff
}

// Run drives one worker loop until ctx is cancelled or the queue closes.
// Workers are started one goroutine per worker by the caller (cmd/renderd),
// mirroring the source's fixed-size render thread pool.
func (p *Pool) Run(ctx context.Context) {
	// Pin the worker to one OS thread so the file backend's thread-id
	// temp-file suffix stays unique to this worker for the whole write.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		if ctx.Err() != nil {
			return
		}
		item := p.Queue.FetchRequest()
		if item == nil {
			return // queue closed
		}
		p.renderOne(ctx, item)
	}
}

func (p *Pool) renderOne(ctx context.Context, item *queue.Item) {
	start := time.Now()
	log := rlog.WithFields(rlog.Fields{"style": item.Style, "mx": item.Mx, "my": item.My, "z": item.Z})

	style, known := p.Styles.Lookup(item.Style)
	if !known {
		log.Errorf("render: %v", rerr.ErrStyleUnknown)
		p.respond(item, protocol.CmdNotDone, start)
		return
	}
	if !style.Loaded {
		log.Errorf("render: %v (%v)", rerr.ErrStyleNotLoaded, style.LoadErr)
		p.respond(item, protocol.CmdNotDone, start)
		return
	}
	if !style.InBounds(item.X, item.Y, item.Z) {
		p.respond(item, protocol.CmdIgnore, start)
		return
	}

	bundle, err := p.rasterize(ctx, style, item)
	if err != nil {
		log.Errorf("rasterizing: %v", err)
		p.respond(item, protocol.CmdNotDone, start)
		time.Sleep(p.cooloff())
		return
	}

	encoded := metatile.Encode(bundle)
	if _, err := style.Backend.WriteMetatile(ctx, item.Style, item.Options, item.Mx, item.My, item.Z, encoded); err != nil {
		log.Errorf("writing metatile: %v", err)
		p.respond(item, protocol.CmdNotDone, start)
		if p.FatalExit != nil {
			p.FatalExit()
		}
		return
	}

	if style.HTCP != nil {
		style.HTCP.PurgeMetatile(int(item.Mx), int(item.My), int(item.Z), metatile.N)
	}

	p.respond(item, protocol.CmdDone, start)
}

func (p *Pool) rasterize(ctx context.Context, style *Style, item *queue.Item) (*metatile.Bundle, error) {
	n := metatile.N
	x0, y0, x1, y1 := style.Proj.MetatileBBox(int(item.Mx), int(item.My), int(item.Z))

	req := MetatileRequest{
		Mx: item.Mx, My: item.My, Z: item.Z,
		MetatileN:     n,
		TilePixelSize: style.Config.TileSize,
		Scale:         style.Config.Scale,
		MimeType:      item.MimeType,
		BoundX0:       x0, BoundY0: y0, BoundX1: x1, BoundY1: y1,
	}
	tiles, err := p.Rasterizer.RenderMetatile(ctx, style.Handle, req)
	if err != nil {
		return nil, rerr.Wrap(err, "rasterizer")
	}

	bundle := metatile.NewBundle(n, item.Mx, item.My, item.Z)
	bundle.Compressed = style.Config.Compress
	for _, t := range tiles {
		idx := metatile.XYZToMetaOffset(n, int(t.X), int(t.Y))
		if err := bundle.Set(idx, t.Data); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

// respond removes item from the render list and echoes cmd back to the
// primary request's connection and every duplicate's, mirroring
// send_response's walk over item->duplicates: only Render*-origin
// connections (never Dirty's FD_INVALID) receive a wire response.
func (p *Pool) respond(item *queue.Item, cmd protocol.Cmd, start time.Time) {
	elapsed := time.Since(start).Milliseconds()
	p.Queue.RemoveRequest(item, elapsed)

	if p.Respond == nil {
		return
	}
	if item.Conn != queue.InvalidConn {
		p.Respond(item, cmd)
	}
	for _, dup := range item.Duplicates {
		if dup.Conn != queue.InvalidConn {
			p.Respond(dup, cmd)
		}
	}
}
