// Package s3backend implements an S3-object-per-metatile storage backend,
// one bundle per object keyed by style/z/mx/my, mirroring the teacher's
// own S3 cloud-bucket provider but over the metatile domain.
package s3backend

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/pkg/errors"

	"github.com/renderd-project/renderd/internal/metatile"
	"github.com/renderd-project/renderd/internal/rerr"
	"github.com/renderd-project/renderd/internal/storage"
)

func init() {
	storage.Register("s3", func(rest string) (storage.Backend, error) {
		return New(context.Background(), rest)
	})
}

// Backend stores each metatile bundle as one S3 object. rest is
// "bucket[/prefix]", taken from the s3://bucket[/prefix] URI.
type Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// New builds a Backend from the scheme-stripped s3:// URI remainder.
func New(ctx context.Context, rest string) (*Backend, error) {
	parts := strings.SplitN(rest, "/", 2)
	bucket := parts[0]
	var prefix string
	if len(parts) == 2 {
		prefix = parts[1]
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "s3backend: loading AWS config")
	}
	client := s3.NewFromConfig(cfg)
	return &Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

func (b *Backend) key(style, options string, mx, my, z int32) string {
	key := storage.ObjectKey(style, options, mx, my, z)
	if b.prefix != "" {
		return b.prefix + "/" + key
	}
	return key
}

func (b *Backend) Read(ctx context.Context, style, options string, x, y, z int32) ([]byte, bool, error) {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(style, options, mx, my, z)),
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "s3backend: GetObject %s", b.key(style, options, mx, my, z))
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, errors.Wrap(err, "s3backend: reading object body")
	}
	bundle, err := metatile.Decode(raw, metatile.N)
	if err != nil {
		return nil, false, errors.Wrap(err, "s3backend: decoding bundle")
	}
	idx := metatile.XYZToMetaOffset(metatile.N, int(x), int(y))
	data, ok := bundle.Get(idx)
	if !ok {
		return nil, bundle.Compressed, errors.Errorf("s3backend: sub-tile %d absent", idx)
	}
	return data, bundle.Compressed, nil
}

func (b *Backend) Stat(ctx context.Context, style, options string, x, y, z int32) (storage.Stat, error) {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(style, options, mx, my, z)),
	})
	if err != nil {
		var notFound *smithyhttp.ResponseError
		if errors.As(err, &notFound) {
			return storage.Stat{Size: -1, Expired: true}, nil
		}
		return storage.Stat{}, errors.Wrap(err, "s3backend: HeadObject")
	}
	mtime := aws.ToTime(head.LastModified)
	expired, err := b.expiredByMarker(ctx, style, mtime)
	if err != nil {
		return storage.Stat{}, err
	}
	return storage.Stat{
		Size:    aws.ToInt64(head.ContentLength),
		MTime:   mtime,
		ATime:   mtime,
		CTime:   mtime,
		Expired: expired,
	}, nil
}

// expiredByMarker reads an object-store analogue of the file backend's
// planet-import-timestamp file: a style-prefixed marker object whose own
// LastModified plays the same role. Absent any marker, objects never
// expire here; expiry semantics are inherently backend-specific.
func (b *Backend) expiredByMarker(ctx context.Context, style string, mtime time.Time) (bool, error) {
	key := style + "/planet-import-complete"
	if b.prefix != "" {
		key = b.prefix + "/" + key
	}
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		return false, nil
	}
	return mtime.Before(aws.ToTime(head.LastModified)), nil
}

func (b *Backend) WriteMetatile(ctx context.Context, style, options string, mx, my, z int32, buf []byte) (int, error) {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(style, options, mx, my, z)),
		Body:   bytes.NewReader(buf),
	})
	if err != nil {
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "s3backend: Upload: %v", err)
	}
	return len(buf), nil
}

func (b *Backend) DeleteMetatile(ctx context.Context, style string, mx, my, z int32) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(style, "", mx, my, z)),
	})
	if err != nil {
		return errors.Wrap(err, "s3backend: DeleteObject")
	}
	return nil
}

// ExpireMetatile has no mtime-rewind analogue for S3 objects (PutObject
// always refreshes LastModified); instead it tags the object so a
// lifecycle rule or the stats sidecar can treat it as stale without a
// destructive rewrite.
func (b *Backend) ExpireMetatile(ctx context.Context, style string, mx, my, z int32) error {
	_, err := b.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(style, "", mx, my, z)),
		Tagging: &s3types.Tagging{
			TagSet: []s3types.Tag{{Key: aws.String("renderd-expired"), Value: aws.String(strconv.FormatInt(time.Now().Unix(), 10))}},
		},
	})
	if err != nil {
		return errors.Wrap(err, "s3backend: PutObjectTagging")
	}
	return nil
}

func (b *Backend) StorageID(style, options string, x, y, z int32) string {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	return "s3://" + b.bucket + "/" + b.key(style, options, mx, my, z)
}

func (b *Backend) Close() error { return nil }
