// Command renderd is the metatile rendering daemon: it accepts render
// requests over a Unix or TCP control socket, queues and deduplicates
// them, rasterizes each metatile against its configured map style,
// writes the result to a tile backend, purges caches via HTCP, and
// forwards to any configured peer daemons.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/renderd-project/renderd/internal/acceptor"
	"github.com/renderd-project/renderd/internal/config"
	"github.com/renderd-project/renderd/internal/daemonctx"
	"github.com/renderd-project/renderd/internal/queue"
	"github.com/renderd-project/renderd/internal/render"
	"github.com/renderd-project/renderd/internal/render/mapnik"
	"github.com/renderd-project/renderd/internal/rlog"
	"github.com/renderd-project/renderd/internal/slave"
	"github.com/renderd-project/renderd/internal/stats"
	"github.com/renderd-project/renderd/internal/statushttp"
)

// Exit codes. 5 is deliberately unused, matching the source.
const (
	exitOK              = 0
	exitArgOrConfig     = 1
	exitSocketCreate    = 2
	exitBind            = 3
	exitListen          = 4
	exitSignalInstall   = 6
	exitSpawnOrOversize = 7
)

const version = "1.0.0"

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		rlog.Errorf("renderd: %v", err)
		os.Exit(exitArgOrConfig)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "renderd"
	app.Usage = "render OSM metatiles on demand"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: "/etc/renderd.conf",
			Usage: "path to the renderd INI configuration file",
		},
		cli.BoolFlag{
			Name:  "foreground",
			Usage: "stay attached and log human-readable text to stderr",
		},
		cli.IntFlag{
			Name:  "slave",
			Value: 0,
			Usage: "index of this daemon's own [renderd<N>] section",
		},
	}
	app.Action = run
	return app
}

func run(c *cli.Context) error {
	rlog.Configure(c.Bool("foreground"), false)

	cfg, err := config.Load(c.String("config"), c.Int("slave"))
	if err != nil {
		rlog.Errorf("renderd: loading config: %v", err)
		code := exitArgOrConfig
		if errors.Is(err, config.ErrInvalidEntry) {
			code = exitSpawnOrOversize
		}
		return cli.NewExitError(err.Error(), code)
	}
	active, _ := cfg.Active() // Load already guarantees this exists

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := queue.New(queue.Limits{MaxZoom: maxConfiguredZoom(cfg)})

	registry, err := render.LoadAll(ctx, mapnik.Unavailable{}, cfg.Styles)
	if err != nil {
		rlog.Errorf("renderd: loading styles: %v", err)
		return cli.NewExitError(err.Error(), exitSpawnOrOversize)
	}

	statsWriter := &stats.Writer{
		Queue:     q,
		StatsFile: active.StatsFile,
		JSONFile:  jsonSidecarPath(active.StatsFile),
		Disk:      stats.ReadDiskGauges,
	}
	dctx := daemonctx.New(cfg, q, registry, statsWriter)

	ln, err := listenControl(active)
	if err != nil {
		code := classifyListenErr(err)
		rlog.Errorf("renderd: listening on %s: %v", active.SocketName, err)
		return cli.NewExitError(err.Error(), code)
	}

	acc := acceptor.New(ln, q, acceptor.DefaultMaxConnections)

	prometheus.MustRegister(stats.NewCollector(q, stats.ReadDiskGauges))
	statusSrv := statushttp.New(func() stats.Snapshot {
		return stats.Take(q, stats.ReadDiskGauges)
	}, registry)

	var wg sync.WaitGroup

	numThreads := active.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	pool := &render.Pool{
		Queue:      q,
		Styles:     registry,
		Rasterizer: mapnik.Unavailable{},
		Respond:    acc.Respond,
		FatalExit:  func() { acc.Stop(); stop() },
	}
	for i := 0; i < numThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	for _, peer := range cfg.Peers() {
		d := &slave.Dispatcher{Peer: peer, Queue: q, Respond: acc.Respond}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(ctx)
		}()
	}

	if statsWriter.StatsFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statsWriter.Run(ctx)
		}()
	}

	if statusLn, err := listenStatus(active); err == nil && statusLn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusSrv.Serve(statusLn); err != nil {
				rlog.Errorf("renderd: status server: %v", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		dctx.RequestShutdown()
		acc.Stop()
	}()

	if err := acc.Serve(); err != nil {
		rlog.Errorf("renderd: accept loop: %v", err)
	}

	// Wake every worker/dispatcher blocked in Queue.FetchRequest before
	// waiting for them, or wg.Wait would deadlock against its own shutdown.
	stop()
	dctx.RequestShutdown()
	q.Close()
	statusSrv.Shutdown()
	wg.Wait()
	if err := dctx.Close(); err != nil {
		rlog.Errorf("renderd: closing styles: %v", err)
	}
	return nil
}

// maxConfiguredZoom returns the highest maxzoom across every configured
// style, falling back to queue.DefaultMaxZoom when no style sets one
// higher, so the queue's per-zoom stats arrays are always large enough.
func maxConfiguredZoom(cfg *config.Config) int {
	maxZoom := queue.DefaultMaxZoom
	for _, s := range cfg.Styles {
		if s.MaxZoom > maxZoom {
			maxZoom = s.MaxZoom
		}
	}
	return maxZoom
}

// jsonSidecarPath derives the additive JSON stats path from the
// configured text stats_file ("renderd.stats" -> "renderd.stats.json").
// An empty statsFile (no stats_file configured) disables both outputs.
func jsonSidecarPath(statsFile string) string {
	if statsFile == "" {
		return ""
	}
	return statsFile + ".json"
}

// listenControl binds the daemon's own control socket: a Unix socket at
// SocketName, or TCP on IPHostName:IPPort when an IP port is configured.
// A stale Unix socket file from an unclean previous exit is removed
// first, matching the source's unlink-before-bind behavior.
func listenControl(active config.SlaveSection) (net.Listener, error) {
	network, addr := unixOrTCP(active)
	if network == "unix" {
		if addr == "" {
			return nil, fmt.Errorf("renderd: no socketname or ipport configured for the active section")
		}
		os.Remove(addr)
		if dir := filepath.Dir(addr); dir != "" {
			os.MkdirAll(dir, 0o755)
		}
	}
	return net.Listen(network, addr)
}

// listenStatus optionally binds a read-only HTTP status listener one
// port above the control socket's TCP port, when the active section uses
// TCP. Unix-socket deployments have no natural port to derive from and
// simply skip the status endpoint: it's an additive convenience, not a
// required subsystem.
func listenStatus(active config.SlaveSection) (net.Listener, error) {
	if active.IPPort <= 0 {
		return nil, nil
	}
	addr := net.JoinHostPort(active.IPHostName, strconv.Itoa(active.IPPort+1))
	return net.Listen("tcp", addr)
}

func unixOrTCP(active config.SlaveSection) (network, addr string) {
	if active.IPPort > 0 {
		return "tcp", net.JoinHostPort(active.IPHostName, strconv.Itoa(active.IPPort))
	}
	return "unix", active.SocketName
}

// classifyListenErr maps a net.Listen failure back onto the source's
// distinct socket()/bind()/listen() exit codes by inspecting the
// syscall name Go's net package records on the underlying error.
// Unrecognized failures fall back to the listen-stage code.
func classifyListenErr(err error) int {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		switch {
		case strings.Contains(sysErr.Syscall, "socket"):
			return exitSocketCreate
		case strings.Contains(sysErr.Syscall, "bind"):
			return exitBind
		case strings.Contains(sysErr.Syscall, "listen"):
			return exitListen
		}
	}
	return exitListen
}
