package render

import "context"

// RenderedTile is one sliced sub-tile payload ready for bundling.
type RenderedTile struct {
	X, Y int32 // absolute tile coordinates within the metatile
	Data []byte
}

// Rasterizer is the Mapnik-opaque collaborator that turns a metatile's bbox
// into N*N sub-tile images. The real renderer links against Mapnik through
// cgo; this interface lets the worker pool and its tests run against a
// fake without ever naming that dependency here.
type Rasterizer interface {
	// LoadStyle parses xmlPath (and, if non-empty, applies
	// parameterizeStyle) once at startup, returning a handle reused by
	// every RenderMetatile call for this style.
	LoadStyle(ctx context.Context, xmlPath, parameterizeStyle string) (StyleHandle, error)

	// RenderMetatile rasterizes the M*M tile block covering bbox at the
	// given pixel size and buffer, producing metatileN*metatileN
	// sub-tiles encoded as mimeType. A sub-tile with no coverage (the
	// style's layers don't extend into its bbox) may be reported with
	// zero-length Data per the codec's "absent" sentinel.
	RenderMetatile(ctx context.Context, handle StyleHandle, req MetatileRequest) ([]RenderedTile, error)
}

// StyleHandle is an opaque per-style Mapnik map handle.
type StyleHandle interface {
	Close() error
}

// MetatileRequest carries everything a Rasterizer needs to produce one
// metatile's worth of sub-tile images.
type MetatileRequest struct {
	Mx, My, Z        int32
	MetatileN        int
	TilePixelSize    int
	Scale            float64
	BufferPixels     int // 0 lets the rasterizer use the stylesheet's own buffer_size
	MimeType         string
	BoundX0, BoundY0 float64
	BoundX1, BoundY1 float64
}
