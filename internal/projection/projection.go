// Package projection implements the three hard-coded projection models a
// style's SRS string resolves to, and the bbox math used to validate and
// rasterize a metatile.
package projection

import (
	"math"
	"strings"
)

// WebMercatorBound is the EPSG:3857 full-extent bound in meters.
const WebMercatorBound = 20037508.3428

// Projection is a resolved {bound, aspect} tuple for one SRS.
type Projection struct {
	Name                           string
	BoundX0, BoundY0               float64
	BoundX1, BoundY1               float64
	AspectX, AspectY               int
}

var (
	webMercator = Projection{
		Name:    "web-mercator",
		BoundX0: -WebMercatorBound, BoundY0: -WebMercatorBound,
		BoundX1: WebMercatorBound, BoundY1: WebMercatorBound,
		AspectX: 1, AspectY: 1,
	}
	plateCarree = Projection{
		Name:    "plate-carree",
		BoundX0: -180, BoundY0: -90,
		BoundX1: 180, BoundY1: 90,
		AspectX: 2, AspectY: 1,
	}
	britishNationalGrid = Projection{
		Name:    "british-national-grid",
		BoundX0: 0, BoundY0: 0,
		BoundX1: 700000, BoundY1: 1300000,
		AspectX: 7, AspectY: 13,
	}
)

// srs match tokens, checked as substrings against a style's configured SRS.
var srsTokens = []struct {
	token string
	proj  Projection
}{
	{"900913", webMercator},
	{"3857", webMercator},
	{"EPSG:4326", plateCarree},
	{"longlat", plateCarree},
	{"27700", britishNationalGrid},
	{"OSGB", britishNationalGrid},
}

// Resolve matches srs against the known tokens, falling back to
// web-mercator (with ok=false) for anything unrecognized.
func Resolve(srs string) (p Projection, ok bool) {
	for _, t := range srsTokens {
		if strings.Contains(srs, t.token) {
			return t.proj, true
		}
	}
	return webMercator, false
}

// MetatileBBox derives the inclusive bounding box of metatile (mx, my, z):
// p0x = bx0 + (bx1-bx0)*mx/(aspectX*2^z), symmetric for y.
func (p Projection) MetatileBBox(mx, my, z int) (x0, y0, x1, y1 float64) {
	scale := math.Pow(2, float64(z))
	spanX := p.BoundX1 - p.BoundX0
	spanY := p.BoundY1 - p.BoundY0
	x0 = p.BoundX0 + spanX*float64(mx)/(float64(p.AspectX)*scale)
	x1 = p.BoundX0 + spanX*float64(mx+metatileBlock(p.AspectX, z))/(float64(p.AspectX)*scale)
	y0 = p.BoundY0 + spanY*float64(my)/(float64(p.AspectY)*scale)
	y1 = p.BoundY0 + spanY*float64(my+metatileBlock(p.AspectY, z))/(float64(p.AspectY)*scale)
	return
}

// metatileBlock returns M = min(N, aspect*2^z), the tile-block width/height
// actually covered by a metatile at this zoom (smaller than N near z=0 for
// non-square aspects).
func metatileBlock(aspect, z int) int {
	n := MetatileN
	full := aspect << uint(z)
	if full < n {
		return full
	}
	return n
}

// MetatileN is the metatile side (N), a package-level default that
// cmd/renderd does not change (kept as a var, not a const, because tests
// exercise alternate N values).
var MetatileN = 8

// InBounds validates (x, y, z) against this projection's tile-space extent
// and the style's configured zoom range.
func (p Projection) InBounds(x, y, z, minZoom, maxZoom int) bool {
	if z < minZoom || z > maxZoom {
		return false
	}
	maxX := p.AspectX << uint(z)
	maxY := p.AspectY << uint(z)
	return x >= 0 && x < maxX && y >= 0 && y < maxY
}
