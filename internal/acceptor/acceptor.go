// Package acceptor implements the listening-socket dispatcher: accepts
// client connections, decodes one command record at a time, submits it
// to the shared queue, and writes back an immediate NotDone reply whenever
// the queue answers NotDone (a Dirty submission, an overflow onto the
// Dirty list, a duplicate of a Dirty or bulk item, or a rejection), or
// (later, asynchronously) the worker pool's
// Done/NotDone once a render completes. An Ignore result never gets an
// immediate reply — only the later Done/NotDone crosses the wire for it.
//
// The source's process_loop multiplexes every client fd through a single
// poll() loop so that one thread can serve MAX_CONNECTIONS sockets
// without per-connection stacks. Go's goroutine-per-connection model
// gets the same "acceptor never renders, never holds the queue lock
// across I/O" property without hand-rolled fd bookkeeping: each
// connection's goroutine blocks only on its own socket read.
package acceptor

import (
	stderrors "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/renderd-project/renderd/internal/protocol"
	"github.com/renderd-project/renderd/internal/queue"
	"github.com/renderd-project/renderd/internal/rlog"
)

// DefaultMaxConnections mirrors the source's compiled-in MAX_CONNECTIONS
// slot table, here just a soft cap logged and enforced at accept time
// rather than a fixed-size poll() array.
const DefaultMaxConnections = 2048

// Acceptor owns the listening socket and the live connection table.
type Acceptor struct {
	listener net.Listener
	queue    *queue.Queue
	maxConns int

	mu    sync.Mutex
	conns map[queue.ConnID]net.Conn

	nextConn int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New wraps an already-bound listener (Unix or TCP).
// maxConns <= 0 uses DefaultMaxConnections.
func New(listener net.Listener, q *queue.Queue, maxConns int) *Acceptor {
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	return &Acceptor{
		listener: listener,
		queue:    q,
		maxConns: maxConns,
		conns:    make(map[queue.ConnID]net.Conn),
		stopCh:   make(chan struct{}),
	}
}

// Serve accepts connections until Stop is called or the listener errors.
// It returns only after every in-flight connection goroutine has exited.
func (a *Acceptor) Serve() error {
	defer a.wg.Wait()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.stopCh:
				return nil
			default:
			}
			return errors.Wrap(err, "acceptor: accept")
		}

		a.mu.Lock()
		full := len(a.conns) >= a.maxConns
		a.mu.Unlock()
		if full {
			rlog.Warnf("acceptor: connection limit(%d) reached, dropping connection", a.maxConns)
			conn.Close()
			continue
		}

		id := queue.ConnID(atomic.AddInt64(&a.nextConn, 1))
		a.mu.Lock()
		a.conns[id] = conn
		a.mu.Unlock()

		a.wg.Add(1)
		go a.serveConn(id, conn)
	}
}

// Stop closes the listener, causing Serve's Accept loop to exit, and
// closes every live connection.
func (a *Acceptor) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.listener.Close()
		a.mu.Lock()
		for _, c := range a.conns {
			c.Close()
		}
		a.mu.Unlock()
	})
}

func (a *Acceptor) serveConn(id queue.ConnID, conn net.Conn) {
	defer a.wg.Done()
	defer a.forget(id)
	defer conn.Close()

	for {
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			if !stderrors.Is(err, io.EOF) {
				rlog.WithFields(rlog.Fields{"connID": id}).Debugf("acceptor: read: %v", err)
			}
			a.queue.ClearByConn(id)
			return
		}

		rlog.WithFields(rlog.Fields{"connID": id, "style": req.StyleName, "cmd": req.Cmd}).Debugf("acceptor: got command")

		cmd, _ := a.queue.AddRequest(req, id)
		if cmd == protocol.CmdNotDone {
			resp := protocol.Response(req, cmd)
			if _, err := conn.Write(protocol.Encode(resp)); err != nil {
				rlog.WithFields(rlog.Fields{"connID": id}).Debugf("acceptor: write: %v", err)
				a.queue.ClearByConn(id)
				return
			}
		}
	}
}

func (a *Acceptor) forget(id queue.ConnID) {
	a.mu.Lock()
	delete(a.conns, id)
	a.mu.Unlock()
}

// Respond is wired as the render pool's Pool.Respond callback: it looks
// up the still-open connection for item.Conn and writes the echoed
// response record, silently dropping it if the client has since gone
// away (matching the source's send_cmd, whose failure is only logged).
func (a *Acceptor) Respond(item *queue.Item, cmd protocol.Cmd) {
	a.mu.Lock()
	conn, ok := a.conns[item.Conn]
	a.mu.Unlock()
	if !ok {
		return
	}
	resp := &protocol.Request{
		Ver: 3, Cmd: cmd, X: item.X, Y: item.Y, Z: item.Z,
		StyleName: item.Style, MimeType: item.MimeType, Options: item.Options,
	}
	if _, err := conn.Write(protocol.Encode(resp)); err != nil {
		rlog.WithFields(rlog.Fields{"connID": item.Conn}).Debugf("acceptor: respond: %v", err)
	}
}
