// Package hdfsbackend implements an HDFS metatile backend, one file per
// bundle under a configured root path, mirroring the teacher's HDFS cloud
// provider.
package hdfsbackend

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/colinmarc/hdfs/v2"
	"github.com/pkg/errors"

	"github.com/renderd-project/renderd/internal/metatile"
	"github.com/renderd-project/renderd/internal/rerr"
	"github.com/renderd-project/renderd/internal/storage"
)

func init() {
	storage.Register("hdfs", func(rest string) (storage.Backend, error) {
		return New(rest)
	})
}

// Backend stores each metatile bundle as one HDFS file under Root.
// rest is "namenode:port/root/path", taken from the hdfs:// URI.
type Backend struct {
	client *hdfs.Client
	root   string
}

// New builds a Backend from the scheme-stripped hdfs:// URI remainder.
func New(rest string) (*Backend, error) {
	parts := strings.SplitN(rest, "/", 2)
	namenode := parts[0]
	root := "/"
	if len(parts) == 2 {
		root = "/" + parts[1]
	}
	client, err := hdfs.New(namenode)
	if err != nil {
		return nil, errors.Wrapf(err, "hdfsbackend: connecting to namenode %s", namenode)
	}
	return &Backend{client: client, root: root}, nil
}

func (b *Backend) path(style, options string, mx, my, z int32) string {
	return path.Join(b.root, storage.ObjectKey(style, options, mx, my, z))
}

func (b *Backend) Read(ctx context.Context, style, options string, x, y, z int32) ([]byte, bool, error) {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	f, err := b.client.Open(b.path(style, options, mx, my, z))
	if err != nil {
		return nil, false, errors.Wrap(err, "hdfsbackend: Open")
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, false, errors.Wrap(err, "hdfsbackend: reading file")
	}
	bundle, err := metatile.Decode(raw, metatile.N)
	if err != nil {
		return nil, false, errors.Wrap(err, "hdfsbackend: decoding bundle")
	}
	idx := metatile.XYZToMetaOffset(metatile.N, int(x), int(y))
	data, ok := bundle.Get(idx)
	if !ok {
		return nil, bundle.Compressed, errors.Errorf("hdfsbackend: sub-tile %d absent", idx)
	}
	return data, bundle.Compressed, nil
}

func (b *Backend) Stat(ctx context.Context, style, options string, x, y, z int32) (storage.Stat, error) {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	fi, err := b.client.Stat(b.path(style, options, mx, my, z))
	if err != nil {
		return storage.Stat{Size: -1, Expired: true}, nil
	}
	mtime := fi.ModTime()
	expired, err := b.expiredByMarker(style, mtime)
	if err != nil {
		return storage.Stat{}, err
	}
	return storage.Stat{Size: fi.Size(), MTime: mtime, ATime: mtime, CTime: mtime, Expired: expired}, nil
}

func (b *Backend) expiredByMarker(style string, mtime time.Time) (bool, error) {
	marker := path.Join(b.root, style, "planet-import-complete")
	fi, err := b.client.Stat(marker)
	if err != nil {
		return false, nil
	}
	return mtime.Before(fi.ModTime()), nil
}

func (b *Backend) WriteMetatile(ctx context.Context, style, options string, mx, my, z int32, buf []byte) (int, error) {
	target := b.path(style, options, mx, my, z)
	if err := b.client.MkdirAll(path.Dir(target), 0755); err != nil {
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "hdfsbackend: MkdirAll: %v", err)
	}
	tmp := target + ".tmp"
	w, err := b.client.CreateFile(tmp, 3, 128<<20, 0644)
	if err != nil {
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "hdfsbackend: CreateFile: %v", err)
	}
	if _, err := w.Write(buf); err != nil {
		w.Close()
		b.client.Remove(tmp)
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "hdfsbackend: Write: %v", err)
	}
	if err := w.Close(); err != nil {
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "hdfsbackend: closing writer: %v", err)
	}
	if err := b.client.Rename(tmp, target); err != nil {
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "hdfsbackend: Rename: %v", err)
	}
	return len(buf), nil
}

func (b *Backend) DeleteMetatile(ctx context.Context, style string, mx, my, z int32) error {
	if err := b.client.Remove(b.path(style, "", mx, my, z)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "hdfsbackend: Remove")
	}
	return nil
}

// ExpireMetatile rewinds mtime the same way the file backend does: HDFS
// exposes SetTimes, so the semantics carry over unchanged.
func (b *Backend) ExpireMetatile(ctx context.Context, style string, mx, my, z int32) error {
	target := b.path(style, "", mx, my, z)
	fi, err := b.client.Stat(target)
	if err != nil {
		return nil
	}
	if !fi.ModTime().After(time.Now().AddDate(-20, 0, 0)) {
		return nil
	}
	newMTime := fi.ModTime().AddDate(-20, 0, 0)
	// hdfs.FileInfo doesn't surface access time the way a POSIX stat does;
	// the closest available value is the pre-expiry mtime, passed through
	// unchanged so SetTimes at least never zeroes it to the epoch.
	if err := b.client.SetTimes(target, fi.ModTime(), newMTime); err != nil {
		return errors.Wrap(err, "hdfsbackend: SetTimes")
	}
	return nil
}

func (b *Backend) StorageID(style, options string, x, y, z int32) string {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	return "hdfs://" + b.path(style, options, mx, my, z)
}

func (b *Backend) Close() error { return b.client.Close() }
