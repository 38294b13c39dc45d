// Package gcsbackend implements a Google Cloud Storage metatile backend,
// one object per bundle.
package gcsbackend

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"

	"github.com/renderd-project/renderd/internal/metatile"
	"github.com/renderd-project/renderd/internal/rerr"
	rstorage "github.com/renderd-project/renderd/internal/storage"
)

func init() {
	rstorage.Register("gs", func(rest string) (rstorage.Backend, error) {
		return New(context.Background(), rest)
	})
}

// Backend stores each metatile bundle as one GCS object. rest is
// "bucket[/prefix]", taken from the gs://bucket[/prefix] URI.
type Backend struct {
	client     *storage.Client
	bucket     *storage.BucketHandle
	bucketName string
	prefix     string
}

// New builds a Backend from the scheme-stripped gs:// URI remainder.
func New(ctx context.Context, rest string) (*Backend, error) {
	parts := strings.SplitN(rest, "/", 2)
	bucketName := parts[0]
	var prefix string
	if len(parts) == 2 {
		prefix = parts[1]
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "gcsbackend: creating client")
	}
	return &Backend{client: client, bucket: client.Bucket(bucketName), bucketName: bucketName, prefix: prefix}, nil
}

func (b *Backend) key(style, options string, mx, my, z int32) string {
	k := rstorage.ObjectKey(style, options, mx, my, z)
	if b.prefix != "" {
		return b.prefix + "/" + k
	}
	return k
}

func (b *Backend) Read(ctx context.Context, style, options string, x, y, z int32) ([]byte, bool, error) {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	rc, err := b.bucket.Object(b.key(style, options, mx, my, z)).NewReader(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "gcsbackend: NewReader")
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, errors.Wrap(err, "gcsbackend: reading object body")
	}
	bundle, err := metatile.Decode(raw, metatile.N)
	if err != nil {
		return nil, false, errors.Wrap(err, "gcsbackend: decoding bundle")
	}
	idx := metatile.XYZToMetaOffset(metatile.N, int(x), int(y))
	data, ok := bundle.Get(idx)
	if !ok {
		return nil, bundle.Compressed, errors.Errorf("gcsbackend: sub-tile %d absent", idx)
	}
	return data, bundle.Compressed, nil
}

func (b *Backend) Stat(ctx context.Context, style, options string, x, y, z int32) (rstorage.Stat, error) {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	attrs, err := b.bucket.Object(b.key(style, options, mx, my, z)).Attrs(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return rstorage.Stat{Size: -1, Expired: true}, nil
		}
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 404 {
			return rstorage.Stat{Size: -1, Expired: true}, nil
		}
		return rstorage.Stat{}, errors.Wrap(err, "gcsbackend: Attrs")
	}
	mtime := attrs.Updated
	return rstorage.Stat{
		Size:  attrs.Size,
		MTime: mtime,
		ATime: mtime,
		CTime: attrs.Created,
		// GCS lifecycle rules, not renderd, own expiry for this backend.
		Expired: false,
	}, nil
}

func (b *Backend) WriteMetatile(ctx context.Context, style, options string, mx, my, z int32, buf []byte) (int, error) {
	w := b.bucket.Object(b.key(style, options, mx, my, z)).NewWriter(ctx)
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "gcsbackend: Write: %v", err)
	}
	if err := w.Close(); err != nil {
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "gcsbackend: closing writer: %v", err)
	}
	return len(buf), nil
}

func (b *Backend) DeleteMetatile(ctx context.Context, style string, mx, my, z int32) error {
	if err := b.bucket.Object(b.key(style, "", mx, my, z)).Delete(ctx); err != nil {
		return errors.Wrap(err, "gcsbackend: Delete")
	}
	return nil
}

// ExpireMetatile sets a custom object metadata flag; GCS objects have no
// client-writable mtime to rewind the way the file backend's does.
func (b *Backend) ExpireMetatile(ctx context.Context, style string, mx, my, z int32) error {
	_, err := b.bucket.Object(b.key(style, "", mx, my, z)).Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{"renderd-expired": "true"},
	})
	if err != nil {
		return errors.Wrap(err, "gcsbackend: Update")
	}
	return nil
}

func (b *Backend) StorageID(style, options string, x, y, z int32) string {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	return "gs://" + b.bucketName + "/" + b.key(style, options, mx, my, z)
}

func (b *Backend) Close() error { return b.client.Close() }
