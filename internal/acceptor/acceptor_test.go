package acceptor

import (
	"net"
	"testing"
	"time"

	"github.com/renderd-project/renderd/internal/protocol"
	"github.com/renderd-project/renderd/internal/queue"
)

func TestServeAcceptsConnectionAndRoutesRenderCommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	q := queue.New(queue.Limits{ReqLimit: 8, DirtyLimit: 8, MaxZoom: 20})
	defer q.Close()
	a := New(ln, q, 0)
	go a.Serve()
	defer a.Stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := &protocol.Request{Ver: 3, Cmd: protocol.CmdRender, X: 1, Y: 2, Z: 3, StyleName: "default", MimeType: "image/png"}
	if _, err := conn.Write(protocol.Encode(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	item := q.FetchRequest()
	if item == nil {
		t.Fatal("expected the render command to reach the queue")
	}
	if item.Style != "default" || item.X != 1 || item.Y != 2 || item.Z != 3 {
		t.Errorf("unexpected item: %+v", item)
	}
}

func TestServeWritesImmediateNotDoneForDirtyCommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	q := queue.New(queue.Limits{ReqLimit: 8, DirtyLimit: 8, MaxZoom: 20})
	defer q.Close()
	a := New(ln, q, 0)
	go a.Serve()
	defer a.Stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := &protocol.Request{Ver: 3, Cmd: protocol.CmdDirty, X: 1, Y: 2, Z: 3, StyleName: "default", MimeType: "image/png"}
	if _, err := conn.Write(protocol.Encode(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := protocol.ReadRequest(conn)
	if err != nil {
		t.Fatalf("reading immediate response: %v", err)
	}
	if resp.Cmd != protocol.CmdNotDone {
		t.Errorf("expected immediate NotDone for a dirty submission, got %v", resp.Cmd)
	}
}

func TestDisconnectInvalidatesConnWithoutRemovingTheQueuedItem(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	q := queue.New(queue.Limits{ReqLimit: 8, DirtyLimit: 8, MaxZoom: 20})
	defer q.Close()
	a := New(ln, q, 0)
	go a.Serve()
	defer a.Stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	req := &protocol.Request{Ver: 3, Cmd: protocol.CmdRender, X: 1, Y: 2, Z: 3, StyleName: "default", MimeType: "image/png"}
	if _, err := conn.Write(protocol.Encode(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Give the acceptor a moment to ingest it, then disconnect.
	time.Sleep(50 * time.Millisecond)
	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if n := q.IndexSize(); n != 1 {
		t.Fatalf("expected the request to remain queued (dedup still applies) after disconnect, got index size %d", n)
	}
	item := q.FetchRequest()
	if item == nil {
		t.Fatal("expected to still fetch the request after its client disconnected")
	}
	if item.Conn != queue.InvalidConn {
		t.Errorf("expected Conn reset to InvalidConn after clear_by_fd-equivalent, got %v", item.Conn)
	}
}

func TestRespondDeliversEchoedResponseForLiveConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	q := queue.New(queue.Limits{ReqLimit: 8, DirtyLimit: 8, MaxZoom: 20})
	defer q.Close()
	a := New(ln, q, 0)
	go a.Serve()
	defer a.Stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := &protocol.Request{Ver: 3, Cmd: protocol.CmdRender, X: 5, Y: 6, Z: 7, StyleName: "s", MimeType: "image/png"}
	conn.Write(protocol.Encode(req))
	item := q.FetchRequest()
	if item == nil {
		t.Fatal("expected item")
	}

	a.Respond(item, protocol.CmdDone)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := protocol.ReadRequest(conn)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.Cmd != protocol.CmdDone || resp.X != 5 || resp.Y != 6 || resp.Z != 7 {
		t.Errorf("unexpected echoed response: %+v", resp)
	}
}
