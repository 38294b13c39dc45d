// Package nullstore implements the null:// backend: a sink that accepts
// and discards every write, and reports every read as a cache miss.
// Useful for load-testing the render pipeline without touching real
// storage.
package nullstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/renderd-project/renderd/internal/storage"
)

func init() {
	storage.Register("null", func(rest string) (storage.Backend, error) {
		return &Backend{}, nil
	})
}

// Backend discards everything; rest (the scheme remainder) is ignored.
type Backend struct{}

func (b *Backend) Read(ctx context.Context, style, options string, x, y, z int32) ([]byte, bool, error) {
	return nil, false, errors.New("nullstore: always a miss")
}

func (b *Backend) Stat(ctx context.Context, style, options string, x, y, z int32) (storage.Stat, error) {
	return storage.Stat{Size: -1, Expired: true}, nil
}

func (b *Backend) WriteMetatile(ctx context.Context, style, options string, mx, my, z int32, buf []byte) (int, error) {
	return len(buf), nil
}

func (b *Backend) DeleteMetatile(ctx context.Context, style string, mx, my, z int32) error { return nil }

func (b *Backend) ExpireMetatile(ctx context.Context, style string, mx, my, z int32) error { return nil }

func (b *Backend) StorageID(style, options string, x, y, z int32) string { return "null://discard" }

func (b *Backend) Close() error { return nil }
