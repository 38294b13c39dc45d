// Package storage defines the pluggable metatile storage backend interface
// and a scheme-routing registry that resolves a tile_dir/URI into a
// concrete Backend, using the same provider-per-scheme cloud storage
// layering a multi-backend object store uses for its own remote providers.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/renderd-project/renderd/internal/rerr"
)

// ObjectKey builds the object name an object-store backend (s3, azureblob,
// gcsbackend, hdfsbackend) uses for the metatile bundle covering (mx, my,
// z): a flat analogue of the file backend's hashed directory tree, since
// object stores have no per-directory entry-count concern to optimize for.
func ObjectKey(style, options string, mx, my, z int32) string {
	if options != "" {
		style = style + "." + options
	}
	return fmt.Sprintf("%s/%d/%d/%d.meta", style, z, mx, my)
}

// Stat mirrors the source's stat_info: filesystem-ish metadata for one
// metatile, plus the derived Expired flag.
type Stat struct {
	Size    int64
	MTime   time.Time
	ATime   time.Time
	CTime   time.Time
	Expired bool
}

// Backend is the storage_backend vtable, translated to a Go interface.
// Every concrete backend (file, s3, azureblob, gcsbackend, hdfsbackend, and
// the auxiliary stubs) satisfies this.
type Backend interface {
	// Read loads the single sub-tile (x, y, z) out of the metatile bundle
	// that contains it. Returns the raw tile bytes and whether the bundle
	// was stored lz4-compressed (METZ magic); the bytes are returned
	// as-is, still compressed, for the caller to decompress if it cares.
	Read(ctx context.Context, style, options string, x, y, z int32) (data []byte, compressed bool, err error)

	// Stat reports metadata for the metatile bundle covering (x, y, z),
	// including whether it is older than the style's planet-import time.
	Stat(ctx context.Context, style, options string, x, y, z int32) (Stat, error)

	// WriteMetatile stores a freshly rendered bundle at (mx, my, z) for
	// style, returning the number of bytes written.
	WriteMetatile(ctx context.Context, style, options string, mx, my, z int32, buf []byte) (int, error)

	// DeleteMetatile removes the bundle at (mx, my, z) entirely.
	DeleteMetatile(ctx context.Context, style string, mx, my, z int32) error

	// ExpireMetatile marks the bundle at (mx, my, z) as expired without
	// deleting it (backend-specific: for file, this rewinds mtime).
	ExpireMetatile(ctx context.Context, style string, mx, my, z int32) error

	// StorageID returns the scheme-qualified location string for
	// (style, options, x, y, z), e.g. "file:///var/lib/.../0/.../0.meta".
	StorageID(style, options string, x, y, z int32) string

	Close() error
}

// Opener constructs a Backend from the remainder of a URI after its scheme
// has been stripped (or, for the filesystem scheme, from a bare path).
type Opener func(rest string) (Backend, error)

var registry = map[string]Opener{}

// Register adds an Opener for a URI scheme (without the "://"), e.g. "s3",
// "memcached", "rados". Intended to be called from each backend package's
// init().
func Register(scheme string, open Opener) {
	registry[scheme] = open
}

// Open resolves a tile_dir/URI into a Backend: a bare absolute path is the
// filesystem backend; anything else is split on "://" and dispatched to a
// registered scheme.
func Open(uri string) (Backend, error) {
	if !strings.Contains(uri, "://") {
		open, ok := registry["file"]
		if !ok {
			return nil, errors.New("storage: no file backend registered")
		}
		return open(uri)
	}
	parts := strings.SplitN(uri, "://", 2)
	scheme, rest := parts[0], parts[1]
	open, ok := registry[scheme]
	if !ok {
		return nil, errors.Wrapf(rerr.ErrStorageWrite, "storage: unknown scheme %q", scheme)
	}
	b, err := open(rest)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", uri, err)
	}
	return b, nil
}
