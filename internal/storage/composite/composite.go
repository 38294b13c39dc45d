// Package composite implements the composite:{...} backend: a router that
// dispatches each metatile request to one of several
// underlying backends by zoom-level range, e.g. serving low zooms from a
// fast cache backend and high zooms from bulk filesystem storage.
package composite

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/renderd-project/renderd/internal/storage"
)

// Route assigns zoom levels [MinZoom, MaxZoom] to a backend opened from
// URI. Routes must not overlap; New sorts them by MinZoom.
type Route struct {
	MinZoom, MaxZoom int
	URI              string
}

// Backend dispatches by zoom level to one of several wrapped backends.
type Backend struct {
	routes []resolvedRoute
}

type resolvedRoute struct {
	minZoom, maxZoom int
	backend          storage.Backend
}

// New opens every route's backend and returns a router across them.
// composite:{...} is configured structurally (a list of zoom-range
// routes), not as a flat scheme remainder string, so config wiring calls
// New directly rather than going through storage.Register.
func New(routes []Route) (*Backend, error) {
	resolved := make([]resolvedRoute, 0, len(routes))
	for _, r := range routes {
		b, err := storage.Open(r.URI)
		if err != nil {
			return nil, errors.Wrapf(err, "composite: opening route %s", r.URI)
		}
		resolved = append(resolved, resolvedRoute{minZoom: r.MinZoom, maxZoom: r.MaxZoom, backend: b})
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].minZoom < resolved[j].minZoom })
	return &Backend{routes: resolved}, nil
}

func (b *Backend) resolve(z int32) (storage.Backend, error) {
	for _, r := range b.routes {
		if int(z) >= r.minZoom && int(z) <= r.maxZoom {
			return r.backend, nil
		}
	}
	return nil, errors.Errorf("composite: no route covers zoom %d", z)
}

func (b *Backend) Read(ctx context.Context, style, options string, x, y, z int32) ([]byte, bool, error) {
	r, err := b.resolve(z)
	if err != nil {
		return nil, false, err
	}
	return r.Read(ctx, style, options, x, y, z)
}

func (b *Backend) Stat(ctx context.Context, style, options string, x, y, z int32) (storage.Stat, error) {
	r, err := b.resolve(z)
	if err != nil {
		return storage.Stat{}, err
	}
	return r.Stat(ctx, style, options, x, y, z)
}

func (b *Backend) WriteMetatile(ctx context.Context, style, options string, mx, my, z int32, buf []byte) (int, error) {
	r, err := b.resolve(z)
	if err != nil {
		return 0, err
	}
	return r.WriteMetatile(ctx, style, options, mx, my, z, buf)
}

func (b *Backend) DeleteMetatile(ctx context.Context, style string, mx, my, z int32) error {
	r, err := b.resolve(z)
	if err != nil {
		return err
	}
	return r.DeleteMetatile(ctx, style, mx, my, z)
}

func (b *Backend) ExpireMetatile(ctx context.Context, style string, mx, my, z int32) error {
	r, err := b.resolve(z)
	if err != nil {
		return err
	}
	return r.ExpireMetatile(ctx, style, mx, my, z)
}

func (b *Backend) StorageID(style, options string, x, y, z int32) string {
	r, err := b.resolve(z)
	if err != nil {
		return "composite://unresolved"
	}
	return r.StorageID(style, options, x, y, z)
}

func (b *Backend) Close() error {
	var firstErr error
	for _, r := range b.routes {
		if err := r.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
