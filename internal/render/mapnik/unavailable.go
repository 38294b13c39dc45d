// Package mapnik is where a real cgo Mapnik binding would live. No such
// binding appears anywhere in the available Go dependency ecosystem —
// every rasterization library the source links against is a C++ library
// with no pure-Go or pure-Go-plus-cgo equivalent available. Rather than
// fabricate one, Unavailable implements render.Rasterizer with every
// method returning a typed "not available in this build" error, the same
// treatment internal/storage/rados gives librados.
package mapnik

import (
	"context"

	"github.com/pkg/errors"

	"github.com/renderd-project/renderd/internal/render"
)

// ErrNotAvailable is returned by every Unavailable method.
var ErrNotAvailable = errors.New("mapnik: rasterization not available in this build")

// Unavailable is a render.Rasterizer stand-in for deployments built
// without a Mapnik binding. Wiring it lets cmd/renderd start, accept
// connections and queue/dedup requests, but LoadStyle fails for every
// style, so every style stays unloaded and its requests are answered
// NotDone; no rasterization or purge happens.
type Unavailable struct{}

func (Unavailable) LoadStyle(ctx context.Context, xmlPath, parameterizeStyle string) (render.StyleHandle, error) {
	return nil, errors.Wrapf(ErrNotAvailable, "loading %s", xmlPath)
}

func (Unavailable) RenderMetatile(ctx context.Context, handle render.StyleHandle, req render.MetatileRequest) ([]render.RenderedTile, error) {
	return nil, ErrNotAvailable
}
