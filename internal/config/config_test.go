package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/renderd-project/renderd/internal/render"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "renderd.conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const sampleConfig = `
[mapnik]
plugins_dir=/opt/mapnik/input
font_dir=/opt/fonts
font_dir_recurse=true

[renderd]
socketname=/run/renderd/renderd.sock
num_threads=4
tile_dir=/var/lib/mod_tile
stats_file=/var/run/renderd/renderd.stats
pid_file=/var/run/renderd.pid

[renderd1]
iphostname=10.0.0.9
ipport=7654
num_threads=2
tile_dir=/var/lib/mod_tile

[default]
uri=/osm/
xml=/etc/renderd/style.xml
host=tile.example.org
htcphost=239.0.0.1
tilesize=256
scale=1.0
minzoom=0
maxzoom=18
type=png image/png png256

[satellite]
uri=/sat/
xml=/etc/renderd/satellite.xml
tiledir=/var/lib/mod_tile/satellite
minzoom=2
maxzoom=10
`

func TestLoadParsesMapnikRenderdAndStyleSections(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mapnik.PluginsDir != "/opt/mapnik/input" || !cfg.Mapnik.FontDirRecurse {
		t.Errorf("unexpected mapnik config: %+v", cfg.Mapnik)
	}

	active, ok := cfg.Active()
	if !ok {
		t.Fatal("expected an active renderd section for --slave=0")
	}
	if active.TileDir != "/var/lib/mod_tile" || active.NumThreads != 4 {
		t.Errorf("unexpected active section: %+v", active)
	}

	peers := cfg.Peers()
	if len(peers) != 1 || peers[0].Name != "renderd1" || peers[0].IPPort != 7654 {
		t.Errorf("unexpected peers: %+v", peers)
	}

	if len(cfg.Styles) != 2 {
		t.Fatalf("expected 2 map styles, got %d", len(cfg.Styles))
	}

	byName := make(map[string]render.StyleConfig, len(cfg.Styles))
	for _, s := range cfg.Styles {
		byName[s.Name] = s
	}

	def, ok := byName["default"]
	if !ok || def.TileDir != "/var/lib/mod_tile" {
		t.Errorf("expected default style to inherit the active tile_dir, got %+v", def)
	}
	sat, ok := byName["satellite"]
	if !ok || sat.TileDir != "/var/lib/mod_tile/satellite" || sat.MinZoom != 2 || sat.MaxZoom != 10 {
		t.Errorf("unexpected satellite style: %+v", sat)
	}
}

func TestLoadWithSlaveOneSwapsActiveSection(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	active, ok := cfg.Active()
	if !ok || active.IPPort != 7654 {
		t.Fatalf("expected renderd1 to be active, got %+v", active)
	}

	peers := cfg.Peers()
	if len(peers) != 1 || peers[0].Name != "renderd" {
		t.Errorf("expected renderd(0) to be the only peer, got %+v", peers)
	}
}

func TestLoadRejectsMinZoomGreaterThanMaxZoom(t *testing.T) {
	path := writeConfig(t, `
[renderd]
tile_dir=/var/lib/mod_tile

[broken]
xml=/etc/renderd/broken.xml
minzoom=10
maxzoom=5
`)
	if _, err := Load(path, 0); err == nil {
		t.Fatal("expected an error for minzoom > maxzoom")
	}
}

func TestLoadRejectsMissingActiveSection(t *testing.T) {
	path := writeConfig(t, `
[renderd1]
tile_dir=/var/lib/mod_tile
`)
	if _, err := Load(path, 0); err == nil {
		t.Fatal("expected an error when --slave=0 names no configured section")
	}
}

func TestLoadRejectsOutOfRangeSlaveIndex(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	if _, err := Load(path, MaxSlaves); err == nil {
		t.Fatal("expected an error for an out-of-range --slave index")
	}
}

func TestParseTypeDefaultsMissingFields(t *testing.T) {
	ext, mime, format := parseType("")
	if ext != "png" || mime != "image/png" || format != "png256" {
		t.Errorf("unexpected defaults: %s %s %s", ext, mime, format)
	}
	ext, mime, format = parseType("jpg image/jpeg jpeg")
	if ext != "jpg" || mime != "image/jpeg" || format != "jpeg" {
		t.Errorf("unexpected parse: %s %s %s", ext, mime, format)
	}
}
