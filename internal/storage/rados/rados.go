// Package rados would implement the rados://pool/conf backend (spec
// §4.D): metatile bundles as Ceph RADOS objects. No Ceph RADOS Go binding
// exists in the available Go dependency ecosystem without wrapping the
// C librados API via cgo, so this registers the scheme with a backend
// that reports a clear, typed "not available in this build" error on every operation
// rather than silently dropping metatiles.
package rados

import (
	"context"

	"github.com/pkg/errors"

	"github.com/renderd-project/renderd/internal/storage"
)

var errUnavailable = errors.New("rados: backend not available in this build")

func init() {
	storage.Register("rados", func(rest string) (storage.Backend, error) {
		return nil, errUnavailable
	})
}

// Backend exists only to document the interface a real librados binding
// would need to satisfy; the registered rados opener always fails.
type Backend struct{}

func (b *Backend) Read(ctx context.Context, style, options string, x, y, z int32) ([]byte, bool, error) {
	return nil, false, errUnavailable
}

func (b *Backend) Stat(ctx context.Context, style, options string, x, y, z int32) (storage.Stat, error) {
	return storage.Stat{}, errUnavailable
}

func (b *Backend) WriteMetatile(ctx context.Context, style, options string, mx, my, z int32, buf []byte) (int, error) {
	return 0, errUnavailable
}

func (b *Backend) DeleteMetatile(ctx context.Context, style string, mx, my, z int32) error {
	return errUnavailable
}

func (b *Backend) ExpireMetatile(ctx context.Context, style string, mx, my, z int32) error {
	return errUnavailable
}

func (b *Backend) StorageID(style, options string, x, y, z int32) string { return "rados://unavailable" }

func (b *Backend) Close() error { return nil }
