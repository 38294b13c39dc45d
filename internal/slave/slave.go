package slave

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/renderd-project/renderd/internal/protocol"
	"github.com/renderd-project/renderd/internal/queue"
	"github.com/renderd-project/renderd/internal/rlog"
)

// reconnectBackoff is the source's fixed 30s sleep after a failed
// connect or a dead peer socket.
const reconnectBackoff = 30 * time.Second

// sendRetries/recvRetries mirror slave_thread's retry=2 send loop and
// retry=10 recv loop.
const (
	sendRetries = 2
	recvRetries = 10
)

// PeerConfig identifies one [renderd<N>] peer section.
type PeerConfig struct {
	Name       string
	SocketName string // Unix socket path; used when IPHostName == ""
	IPHostName string
	IPPort     int
}

func (c PeerConfig) addr() string {
	if c.IPPort > 0 {
		return net.JoinHostPort(c.IPHostName, strconv.Itoa(c.IPPort))
	}
	return c.SocketName
}

func (c PeerConfig) network() string {
	if c.IPPort > 0 {
		return "tcp"
	}
	return "unix"
}

// Dispatcher forwards one item at a time from the shared queue to a
// single peer. cmd/renderd runs exactly one Dispatcher per peer section;
// the peer's `num_threads` setting is not consulted.
type Dispatcher struct {
	Peer    PeerConfig
	Queue   *queue.Queue
	Backoff *BackoffStore

	// Respond delivers the peer's reply (or a NotDone fallback) back to
	// the original client connection, wired the same way render.Pool's
	// Respond is.
	Respond func(item *queue.Item, cmd protocol.Cmd)

	conn net.Conn
}

// Run drives one dispatch loop until ctx is cancelled or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.closeConn()
	for {
		if ctx.Err() != nil {
			return
		}
		if d.conn == nil {
			if !d.connect(ctx) {
				return
			}
		}

		item := d.Queue.FetchRequest()
		if item == nil {
			return // queue closed
		}
		d.dispatch(ctx, item)
	}
}

func (d *Dispatcher) connect(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		conn, err := net.Dial(d.Peer.network(), d.Peer.addr())
		if err == nil {
			d.conn = conn
			if d.Backoff != nil {
				d.Backoff.RecordSuccess(d.Peer.addr())
			}
			return true
		}
		rlog.WithFields(rlog.Fields{"peer": d.Peer.Name, "addr": d.Peer.addr()}).
			Errorf("slave: connect failed, retrying in %s: %v", reconnectBackoff, err)
		if d.Backoff != nil {
			d.Backoff.RecordFailure(d.Peer.addr(), time.Now())
		}
		if !sleepCtx(ctx, reconnectBackoff) {
			return false
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

func (d *Dispatcher) closeConn() {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

// dispatch forwards item to the peer, retrying the send per sendRetries
// and the receive per recvRetries, exactly mirroring slave_thread's
// retry loops. Any unrecoverable failure responds NotDone to the
// original client and leaves the connection closed for connect() to
// re-establish on the next iteration.
func (d *Dispatcher) dispatch(ctx context.Context, item *queue.Item) {
	forward := &protocol.Request{
		Ver: protocol.ProtoVersion, Cmd: protocol.CmdRender,
		X: item.X, Y: item.Y, Z: item.Z,
		StyleName: item.Style, MimeType: item.MimeType, Options: item.Options,
	}

	if !d.send(forward) {
		d.respond(item, protocol.CmdNotDone)
		return
	}

	resp, ok := d.recv()
	if !ok {
		rlog.WithFields(rlog.Fields{"peer": d.Peer.Name}).
			Errorf("slave: invalid reply from peer, retrying in %s", reconnectBackoff)
		d.respond(item, protocol.CmdNotDone)
		d.closeConn()
		sleepCtx(ctx, reconnectBackoff)
		return
	}
	d.respond(item, resp.Cmd)
	if resp.Cmd != protocol.CmdDone {
		// Peer reported its request did not complete; the source sleeps
		// here so a persistently failing peer can't be hammered with a
		// tight retry loop even though the socket itself stayed healthy.
		rlog.WithFields(rlog.Fields{"peer": d.Peer.Name}).Errorf("slave: peer did not complete request, sleeping %s", reconnectBackoff)
		sleepCtx(ctx, reconnectBackoff)
	}
}

func (d *Dispatcher) send(req *protocol.Request) bool {
	buf := protocol.Encode(req)
	for attempt := 0; attempt < sendRetries; attempt++ {
		if _, err := d.conn.Write(buf); err == nil {
			return true
		}
		rlog.WithFields(rlog.Fields{"peer": d.Peer.Name}).Warnf("slave: send failed, retrying")
		d.closeConn()
		if attempt == sendRetries-1 {
			break
		}
		conn, err := net.Dial(d.Peer.network(), d.Peer.addr())
		if err != nil {
			rlog.WithFields(rlog.Fields{"peer": d.Peer.Name}).Errorf("slave: reconnect failed, dropping request")
			return false
		}
		d.conn = conn
	}
	return false
}

func (d *Dispatcher) recv() (*protocol.Request, bool) {
	for attempt := 0; attempt < recvRetries; attempt++ {
		resp, err := protocol.ReadRequest(d.conn)
		if err == nil {
			return resp, true
		}
	}
	return nil, false
}

func (d *Dispatcher) respond(item *queue.Item, cmd protocol.Cmd) {
	d.Queue.RemoveRequest(item, -1)
	if d.Respond == nil {
		return
	}
	if item.Conn != queue.InvalidConn {
		d.Respond(item, cmd)
	}
	for _, dup := range item.Duplicates {
		if dup.Conn != queue.InvalidConn {
			d.Respond(dup, cmd)
		}
	}
}
