// Package config loads the daemon's INI configuration file: one `[mapnik]`
// section, one or more `[renderd]`/`[renderd<N>]` sections describing this
// daemon and its dispatch peers, and any remaining section naming a map
// style.
package config

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/renderd-project/renderd/internal/protocol"
	"github.com/renderd-project/renderd/internal/render"
	"github.com/renderd-project/renderd/internal/slave"
)

// ErrArgument marks a bad --slave value or an INI file that couldn't be
// parsed at all — cmd/renderd maps either to the source's exit(1).
var ErrArgument = errors.New("config: argument or file could not be parsed")

// ErrInvalidEntry marks a config entry the source's load_config would have
// rejected with exit(7): too many renderd sections, an out-of-range style
// value, or no usable active section. stderrors.Is against this sentinel
// (via fmt.Errorf's %w) lets cmd/renderd tell these apart from ErrArgument.
var ErrInvalidEntry = errors.New("config: invalid or oversize entry")

// MaxSlaves is the source's compiled-in MAX_SLAVES: at most this many
// `[renderd]`/`[renderd<N>]` sections are recognized.
const MaxSlaves = 5

// Defaults mirroring the source's compiled-in constants.
const (
	DefaultSocketName     = protocol.DefaultSocket
	DefaultMapnikPlugins  = "/usr/lib/mapnik/input"
	DefaultMapnikFontDir  = "/usr/share/fonts"
	DefaultFontDirRecurse = true
	DefaultTileSize       = 256
	DefaultScale          = 1.0
	DefaultMinZoom        = 0
	DefaultMaxZoomStyle   = 18
	DefaultType           = "png image/png png256"
)

// MapnikConfig is the `[mapnik]` section.
type MapnikConfig struct {
	PluginsDir     string
	FontDir        string
	FontDirRecurse bool
}

// SlaveSection is one fully parsed `[renderd]`/`[renderd<N>]` section.
// Whichever index the CLI's --slave=N names is this daemon's own
// socket/tile_dir/stats/pid; every other configured index is a dispatch
// peer (internal/slave.PeerConfig carries only what a peer needs).
type SlaveSection struct {
	Index      int
	SocketName string
	IPHostName string
	IPPort     int
	NumThreads int
	TileDir    string
	StatsFile  string
	PIDFile    string
}

// PeerConfig projects a SlaveSection down to what internal/slave needs to
// dial and forward to it.
func (s SlaveSection) PeerConfig() slave.PeerConfig {
	name := "renderd"
	if s.Index != 0 {
		name = "renderd" + strconv.Itoa(s.Index)
	}
	return slave.PeerConfig{
		Name:       name,
		SocketName: s.SocketName,
		IPHostName: s.IPHostName,
		IPPort:     s.IPPort,
	}
}

// Config is the fully resolved, parsed configuration file.
type Config struct {
	Mapnik      MapnikConfig
	Slaves      map[int]SlaveSection
	ActiveSlave int
	Styles      []render.StyleConfig
}

// Active returns the SlaveSection the CLI selected as this daemon's own
// identity via --slave=N (default 0).
func (c *Config) Active() (SlaveSection, bool) {
	s, ok := c.Slaves[c.ActiveSlave]
	return s, ok
}

// Peers returns every configured slave section other than ActiveSlave, in
// ascending index order, as internal/slave dispatch targets.
func (c *Config) Peers() []slave.PeerConfig {
	indices := make([]int, 0, len(c.Slaves))
	for n := range c.Slaves {
		if n != c.ActiveSlave {
			indices = append(indices, n)
		}
	}
	sort.Ints(indices)

	peers := make([]slave.PeerConfig, 0, len(indices))
	for _, n := range indices {
		peers = append(peers, c.Slaves[n].PeerConfig())
	}
	return peers
}

// Load parses path and resolves it into a Config. activeSlave selects
// which `[renderd]`/`[renderd<N>]` section is this daemon's own, via
// --slave=N; it is validated against MaxSlaves, and Load also fails when
// the file has no such section or that section has no tile_dir, so
// Active() always succeeds on a Config that Load returned.
func Load(path string, activeSlave int) (*Config, error) {
	if activeSlave < 0 || activeSlave >= MaxSlaves {
		return nil, fmt.Errorf("%w: --slave=%d out of range [0,%d)", ErrArgument, activeSlave, MaxSlaves)
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %v", ErrArgument, path, err)
	}

	cfg := &Config{
		Slaves:      make(map[int]SlaveSection),
		ActiveSlave: activeSlave,
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case name == ini.DefaultSection:
			continue
		case name == "mapnik":
			cfg.Mapnik = MapnikConfig{
				PluginsDir:     sec.Key("plugins_dir").MustString(DefaultMapnikPlugins),
				FontDir:        sec.Key("font_dir").MustString(DefaultMapnikFontDir),
				FontDirRecurse: sec.Key("font_dir_recurse").MustBool(DefaultFontDirRecurse),
			}
		case strings.HasPrefix(name, "renderd"):
			idx := slaveIndex(name)
			if idx >= MaxSlaves {
				return nil, fmt.Errorf("%w: can't handle more than %d renderd sections", ErrInvalidEntry, MaxSlaves)
			}
			cfg.Slaves[idx] = SlaveSection{
				Index:      idx,
				SocketName: sec.Key("socketname").MustString(DefaultSocketName),
				IPHostName: sec.Key("iphostname").MustString(""),
				IPPort:     sec.Key("ipport").MustInt(0),
				NumThreads: sec.Key("num_threads").MustInt(-1),
				TileDir:    sec.Key("tile_dir").String(),
				StatsFile:  sec.Key("stats_file").String(),
				PIDFile:    sec.Key("pid_file").String(),
			}
		default:
			style, err := parseStyle(name, sec, cfg)
			if err != nil {
				return nil, err
			}
			cfg.Styles = append(cfg.Styles, style)
		}
	}

	active, ok := cfg.Active()
	if !ok || active.TileDir == "" {
		return nil, fmt.Errorf("%w: no valid (active) renderd config section available for --slave=%d", ErrInvalidEntry, activeSlave)
	}
	if active.NumThreads < 0 {
		active.NumThreads = runtime.NumCPU()
		cfg.Slaves[activeSlave] = active
	}

	return cfg, nil
}

// slaveIndex parses the trailing digits of a `renderd`/`renderd<N>`
// section name, defaulting to 0 exactly like the source's
// `sscanf(name, "renderd%i", &render_sec)` (no digits, or a malformed
// suffix, both fall back to section 0).
func slaveIndex(name string) int {
	suffix := strings.TrimPrefix(name, "renderd")
	if suffix == "" {
		return 0
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0
	}
	return n
}

// parseStyle resolves one non-reserved section into a render.StyleConfig.
// tiledir falls back to the active section's tile_dir, matching the
// source's `iniparser_getstring(ini, "tiledir", config.tile_dir)`.
func parseStyle(name string, sec *ini.Section, cfg *Config) (render.StyleConfig, error) {
	active, _ := cfg.Active()

	minZoom := sec.Key("minzoom").MustInt(DefaultMinZoom)
	maxZoom := sec.Key("maxzoom").MustInt(DefaultMaxZoomStyle)
	if minZoom < 0 {
		return render.StyleConfig{}, fmt.Errorf("%w: style %q: minzoom %d must be >= 0", ErrInvalidEntry, name, minZoom)
	}
	if minZoom > maxZoom {
		return render.StyleConfig{}, fmt.Errorf("%w: style %q: minzoom %d is larger than maxzoom %d", ErrInvalidEntry, name, minZoom, maxZoom)
	}

	tileSize := sec.Key("tilesize").MustInt(DefaultTileSize)
	if tileSize < 1 {
		return render.StyleConfig{}, fmt.Errorf("%w: style %q: tilesize %d is invalid", ErrInvalidEntry, name, tileSize)
	}

	scale := sec.Key("scale").MustFloat64(DefaultScale)
	if scale < 0.1 || scale > 8.0 {
		return render.StyleConfig{}, fmt.Errorf("%w: style %q: scale %v out of range [0.1,8.0]", ErrInvalidEntry, name, scale)
	}

	ext, mime, outputFormat := parseType(sec.Key("type").MustString(DefaultType))

	return render.StyleConfig{
		Name:              name,
		URI:               sec.Key("uri").MustString(""),
		XML:               sec.Key("xml").MustString(""),
		Host:              sec.Key("host").MustString(""),
		HTCPHost:          sec.Key("htcphost").MustString(""),
		TileDir:           sec.Key("tiledir").MustString(active.TileDir),
		TileSize:          tileSize,
		Scale:             scale,
		MinZoom:           minZoom,
		MaxZoom:           maxZoom,
		ParameterizeStyle: sec.Key("parameterize_style").MustString(""),
		MimeType:          mime,
		Ext:               ext,
		Type:              outputFormat,
		Compress:          sec.Key("compress").MustBool(false),
	}, nil
}

// parseType splits a `type` value ("png image/png png256") into its
// three whitespace-separated fields, matching the source's
// `sscanf(ini_type, "%[^ ] %[^ ] %[^;#]", ...)`, defaulting any missing
// field to the plain-PNG default.
func parseType(raw string) (ext, mime, outputFormat string) {
	ext, mime, outputFormat = "png", "image/png", "png256"
	fields := strings.Fields(raw)
	if len(fields) > 0 {
		ext = fields[0]
	}
	if len(fields) > 1 {
		mime = fields[1]
	}
	if len(fields) > 2 {
		outputFormat = fields[2]
	}
	return ext, mime, outputFormat
}
