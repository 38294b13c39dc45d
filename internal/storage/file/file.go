// Package file implements the mandatory filesystem storage backend: a
// hashed directory layout that spreads metatiles so no directory holds
// more than 256 entries per level, atomic write-then-rename, and
// expire-in-place via a one-time mtime rewind that preserves atime for
// external cache-purge sweepers.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/renderd-project/renderd/internal/metatile"
	"github.com/renderd-project/renderd/internal/rerr"
	"github.com/renderd-project/renderd/internal/rlog"
	"github.com/renderd-project/renderd/internal/storage"
)

// planetTimestampName is the file whose mtime marks when a style's source
// data was last imported; metatiles older than it are expired. Resolution
// order: style-specific, then global, then a fabricated fallback of "now
// minus 3 days".
const planetTimestampName = "planet-import-complete"

// MetatileN is the metatile side. It defaults to 8; cmd/renderd does not
// change it and the config file has no key for it.
var MetatileN = 8

func init() {
	storage.Register("file", func(rest string) (storage.Backend, error) {
		return New(rest)
	})
}

// Backend is the filesystem metatile store rooted at TileDir.
type Backend struct {
	TileDir string
}

// New opens a filesystem backend rooted at tileDir. tileDir need not exist
// yet; it is created lazily as metatiles are written.
func New(tileDir string) (*Backend, error) {
	if tileDir == "" {
		return nil, errors.New("file: empty tile_dir")
	}
	return &Backend{TileDir: tileDir}, nil
}

// styleDir is "<tile_dir>/<style>[.<options>]".
func (b *Backend) styleDir(style, options string) string {
	if options == "" {
		return filepath.Join(b.TileDir, style)
	}
	return filepath.Join(b.TileDir, style+"."+options)
}

// hashPath builds "<styleDir>/<z>/<h4>/<h3>/<h2>/<h1>/<h0>.meta": each hi
// packs 4 low bits of x and y at nibble position i, spreading a z/x/y
// space across up to 5 directory levels.
func hashPath(styleDir string, x, y, z int32) string {
	var h [5]byte
	ux, uy := uint32(x), uint32(y)
	for i := 0; i < 5; i++ {
		h[i] = byte(((ux>>uint(4*i))&0xF)<<4 | (uy>>uint(4*i))&0xF)
	}
	return filepath.Join(styleDir,
		fmt.Sprintf("%d", z),
		fmt.Sprintf("%d", h[4]),
		fmt.Sprintf("%d", h[3]),
		fmt.Sprintf("%d", h[2]),
		fmt.Sprintf("%d", h[1]),
		fmt.Sprintf("%d.meta", h[0]))
}

func (b *Backend) metaPath(style, options string, x, y, z int32) string {
	mx := x &^ (int32(MetatileN) - 1)
	my := y &^ (int32(MetatileN) - 1)
	return hashPath(b.styleDir(style, options), mx, my, z)
}

// Read loads sub-tile (x, y, z) out of the bundle that covers it.
func (b *Backend) Read(ctx context.Context, style, options string, x, y, z int32) ([]byte, bool, error) {
	path := b.metaPath(style, options, x, y, z)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false, errors.Wrapf(err, "file: opening metatile %s", path)
	}
	bundle, err := metatile.Decode(raw, MetatileN)
	if err != nil {
		return nil, false, errors.Wrapf(err, "file: decoding metatile %s", path)
	}
	idx := metatile.XYZToMetaOffset(MetatileN, int(x), int(y))
	data, ok := bundle.Get(idx)
	if !ok {
		return nil, bundle.Compressed, errors.Errorf("file: sub-tile %d absent in %s", idx, path)
	}
	return data, bundle.Compressed, nil
}

// planetTime resolves the import timestamp a metatile's mtime is compared
// against: the style's own marker file, the tile_dir-global one, or (if
// neither exists) a fabricated "now minus 3 days" default.
func (b *Backend) planetTime(style string) time.Time {
	styleMarker := filepath.Join(b.styleDir(style, ""), planetTimestampName)
	if fi, err := os.Stat(styleMarker); err == nil {
		return fi.ModTime()
	}
	globalMarker := filepath.Join(b.TileDir, planetTimestampName)
	if fi, err := os.Stat(globalMarker); err == nil {
		return fi.ModTime()
	}
	return time.Now().Add(-3 * 24 * time.Hour)
}

// Stat reports metadata for the metatile bundle covering (x, y, z).
func (b *Backend) Stat(ctx context.Context, style, options string, x, y, z int32) (storage.Stat, error) {
	path := b.metaPath(style, options, x, y, z)
	fi, err := os.Stat(path)
	if err != nil {
		return storage.Stat{Size: -1, Expired: true}, nil
	}
	st := statTimes(fi)
	st.Size = fi.Size()
	st.Expired = st.MTime.Before(b.planetTime(style))
	return st, nil
}

// WriteMetatile stores buf at (mx, my, z), writing to a per-goroutine temp
// file then renaming over the target so readers never observe a torn
// bundle. The temp suffix is a real OS thread id, the Go analogue of the
// source's pthread_self().
func (b *Backend) WriteMetatile(ctx context.Context, style, options string, mx, my, z int32, buf []byte) (int, error) {
	path := b.metaPath(style, options, mx, my, z)
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "file: mkdir for %s: %v", path, err)
	}
	tmp := fmt.Sprintf("%s.%d", path, unix.Gettid())
	if err := os.WriteFile(tmp, buf, 0666); err != nil {
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "file: writing temp %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "file: renaming %s to %s: %v", tmp, path, err)
	}
	return len(buf), nil
}

// DeleteMetatile removes the bundle, then prunes any now-empty parent
// directories up to (but not including) the style directory.
func (b *Backend) DeleteMetatile(ctx context.Context, style string, mx, my, z int32) error {
	path := b.metaPath(style, "", mx, my, z)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "file: deleting %s", path)
	}
	b.pruneEmptyDirs(filepath.Dir(path), b.styleDir(style, ""))
	return nil
}

// pruneEmptyDirs walks upward from leaf, removing directories left empty
// by a delete, stopping at (and never removing) stop. Directory contents
// are checked with godirwalk's Scandir so a single entry read doesn't
// require a full lstat of every child.
func (b *Backend) pruneEmptyDirs(leaf, stop string) {
	dir := leaf
	for dir != stop && dir != "." && dir != string(filepath.Separator) {
		scan, err := godirwalk.NewScanner(dir)
		if err != nil {
			return
		}
		if scan.Scan() {
			return // directory still has at least one entry
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// ExpireMetatile rewinds mtime by 20 years, once, leaving atime untouched
// so external cache-purge sweepers still see genuine last-access time. A
// tile whose mtime already lies 20 or more years in the past (what an
// earlier expire leaves behind) is left alone rather than shifted again.
func (b *Backend) ExpireMetatile(ctx context.Context, style string, mx, my, z int32) error {
	path := b.metaPath(style, "", mx, my, z)
	fi, err := os.Stat(path)
	if err != nil {
		return nil // nothing to expire
	}
	st := statTimes(fi)
	if !st.MTime.After(time.Now().AddDate(-20, 0, 0)) {
		return nil // already expired; don't shift again
	}
	newMTime := st.MTime.AddDate(-20, 0, 0)
	if err := os.Chtimes(path, st.ATime, newMTime); err != nil {
		rlog.Warnf("file: expiring %s: %v", path, err)
		return errors.Wrap(err, "file: chtimes")
	}
	return nil
}

// StorageID returns the file:// URI a client would see in logs/stats.
func (b *Backend) StorageID(style, options string, x, y, z int32) string {
	return "file://" + b.metaPath(style, options, x, y, z)
}

func (b *Backend) Close() error { return nil }
