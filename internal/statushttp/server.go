// Package statushttp serves a read-only operational status endpoint over
// HTTP: the live stats snapshot and the style registry's load state. This
// is not a tile-serving HTTP module sitting in front of the daemon and
// serving rendered tiles; it's an operator-facing surface, the kind of
// `/status`/`/metrics` endpoint aistore's own proxy/target nodes expose.
package statushttp

import (
	"net"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/renderd-project/renderd/internal/render"
	"github.com/renderd-project/renderd/internal/rlog"
	"github.com/renderd-project/renderd/internal/stats"
)

// Server is the fasthttp-backed status listener.
type Server struct {
	Styles *render.Registry

	snapshot func() stats.Snapshot
	srv      *fasthttp.Server
}

// New wires a Server that reports snapshot() on /status and styles'
// load state on /status/styles.
func New(snapshot func() stats.Snapshot, styles *render.Registry) *Server {
	return &Server{snapshot: snapshot, Styles: styles}
}

// Serve runs the status listener on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	mux := fasthttp.Server{
		Name:    "renderd-status",
		Handler: s.handle,
	}
	s.srv = &mux
	return mux.Serve(ln)
}

// Shutdown gracefully stops the listener, letting in-flight requests finish.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/status":
		s.handleStatus(ctx)
	case "/status/styles":
		s.handleStyles(ctx)
	case "/metrics":
		fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleStatus(ctx *fasthttp.RequestCtx) {
	snap := s.snapshot()
	writeJSON(ctx, snap)
}

func (s *Server) handleStyles(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.Styles.Statuses())
}

func writeJSON(ctx *fasthttp.RequestCtx, v interface{}) {
	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		rlog.Errorf("statushttp: marshaling response: %v", err)
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
