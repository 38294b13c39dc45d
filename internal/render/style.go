package render

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/renderd-project/renderd/internal/projection"
	"github.com/renderd-project/renderd/internal/render/htcp"
	"github.com/renderd-project/renderd/internal/rlog"
	"github.com/renderd-project/renderd/internal/storage"
)

var errNoTileDir = errors.New("style has no tiledir/backend configured")

// StyleConfig is one non-reserved INI section: a map style's backend,
// Mapnik XML, projection and zoom range.
type StyleConfig struct {
	Name              string
	URI               string
	XML               string
	Host              string
	HTCPHost          string
	TileDir           string // backend URI: bare path or scheme://rest
	TileSize          int
	Scale             float64
	MinZoom, MaxZoom  int
	ParameterizeStyle string
	MimeType          string
	Ext               string
	Type              string
	Compress          bool // store metatile bundles lz4-compressed (METZ)
}

// Style is a fully resolved, possibly load-failed map style. A style stays
// in the registry after a load failure so NotDone responses can still name
// it (the `Loaded` flag, not its absence, carries that information).
type Style struct {
	Name     string
	Config   StyleConfig
	Backend  storage.Backend
	HTCP     *htcp.Notifier
	Proj     projection.Projection
	Handle   StyleHandle
	Loaded   bool
	LoadErr  error
}

// InBounds validates (x, y, z) against this style's projection extent and
// configured zoom range.
func (s *Style) InBounds(x, y, z int32) bool {
	return s.Proj.InBounds(int(x), int(y), int(z), s.Config.MinZoom, s.Config.MaxZoom)
}

// Registry holds every configured style, keyed by name, loaded once at
// startup.
type Registry struct {
	mu     sync.RWMutex
	styles map[string]*Style
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{styles: make(map[string]*Style)}
}

// Lookup returns the named style, or (nil, false) if no such section was
// configured at all. A style that was configured but failed to load is
// still returned here with ok=true and Loaded=false — callers distinguish
// "unknown style" from "style known but not usable" themselves.
func (r *Registry) Lookup(name string) (*Style, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.styles[name]
	return s, ok
}

// LoadAll loads every configured style concurrently at startup,
// error-aggregating via errgroup the same way a concurrent mountpath
// walker fans out per-path work. A single style's load failure does not
// abort the others: it is recorded on that Style with Loaded=false. The
// returned error is always nil; a cancelled ctx only reaches each
// LoadStyle call.
func LoadAll(ctx context.Context, rasterizer Rasterizer, configs []StyleConfig) (*Registry, error) {
	reg := NewRegistry()
	group, gctx := errgroup.WithContext(ctx)

	results := make([]*Style, len(configs))
	for i, cfg := range configs {
		i, cfg := i, cfg
		group.Go(func() error {
			results[i] = loadOne(gctx, rasterizer, cfg)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	reg.mu.Lock()
	for _, s := range results {
		reg.styles[s.Name] = s
	}
	reg.mu.Unlock()
	return reg, nil
}

func loadOne(ctx context.Context, rasterizer Rasterizer, cfg StyleConfig) *Style {
	s := &Style{Name: cfg.Name, Config: cfg}

	proj, ok := projection.Resolve(cfg.Type)
	if !ok {
		rlog.WithFields(rlog.Fields{"style": cfg.Name}).Debugf("srs not recognized, defaulting to web-mercator")
	}
	s.Proj = proj

	backendURI := cfg.TileDir
	if backendURI == "" {
		s.LoadErr = errNoTileDir
		rlog.WithFields(rlog.Fields{"style": cfg.Name}).Errorf("loading style: %v", s.LoadErr)
		return s
	}
	backend, err := storage.Open(backendURI)
	if err != nil {
		s.LoadErr = err
		rlog.WithFields(rlog.Fields{"style": cfg.Name}).Errorf("opening backend: %v", err)
		return s
	}
	s.Backend = backend

	if cfg.HTCPHost != "" {
		notifier, err := htcp.New(cfg.HTCPHost, cfg.Host, cfg.URI)
		if err != nil {
			rlog.WithFields(rlog.Fields{"style": cfg.Name}).Warnf("htcp notifier: %v", err)
		} else {
			s.HTCP = notifier
		}
	}

	handle, err := rasterizer.LoadStyle(ctx, cfg.XML, cfg.ParameterizeStyle)
	if err != nil {
		s.LoadErr = err
		rlog.WithFields(rlog.Fields{"style": cfg.Name}).Errorf("loading mapnik xml %s: %v", cfg.XML, err)
		return s
	}
	s.Handle = handle
	s.Loaded = true
	return s
}

// StyleStatus is a read-only summary of one registered style, for the
// status endpoint's style listing.
type StyleStatus struct {
	Name    string
	Loaded  bool
	LoadErr string
	MinZoom int
	MaxZoom int
}

// Statuses reports every registered style's load state, for
// internal/statushttp.
func (r *Registry) Statuses() []StyleStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StyleStatus, 0, len(r.styles))
	for _, s := range r.styles {
		st := StyleStatus{
			Name:    s.Name,
			Loaded:  s.Loaded,
			MinZoom: s.Config.MinZoom,
			MaxZoom: s.Config.MaxZoom,
		}
		if s.LoadErr != nil {
			st.LoadErr = s.LoadErr.Error()
		}
		out = append(out, st)
	}
	return out
}

// Close releases every loaded style's backend, HTCP socket and rasterizer
// handle.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var first error
	for _, s := range r.styles {
		if s.Backend != nil {
			if err := s.Backend.Close(); err != nil && first == nil {
				first = err
			}
		}
		if s.HTCP != nil {
			if err := s.HTCP.Close(); err != nil && first == nil {
				first = err
			}
		}
		if s.Handle != nil {
			if err := s.Handle.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
