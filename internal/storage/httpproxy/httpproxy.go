// Package httpproxy implements the ro_http_proxy://base-url backend: a
// read-only fetch of metatiles from an upstream HTTP tile store, using
// fasthttp's client for a low-allocation HTTP surface.
package httpproxy

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/renderd-project/renderd/internal/metatile"
	"github.com/renderd-project/renderd/internal/storage"
)

func init() {
	storage.Register("ro_http_proxy", func(rest string) (storage.Backend, error) {
		return New(rest), nil
	})
}

// Backend fetches metatile bundles over HTTP from baseURL and never
// writes: WriteMetatile/DeleteMetatile/ExpireMetatile all return errors.
type Backend struct {
	baseURL string
	client  *fasthttp.Client
}

// New builds a read-only backend against baseURL (the ro_http_proxy://
// scheme remainder, re-prefixed with "http://").
func New(rest string) *Backend {
	base := rest
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Backend{baseURL: strings.TrimSuffix(base, "/"), client: &fasthttp.Client{}}
}

func (b *Backend) url(style, options string, mx, my, z int32) string {
	return b.baseURL + "/" + storage.ObjectKey(style, options, mx, my, z)
}

func (b *Backend) Read(ctx context.Context, style, options string, x, y, z int32) ([]byte, bool, error) {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(b.url(style, options, mx, my, z))
	if err := b.client.Do(req, resp); err != nil {
		return nil, false, errors.Wrap(err, "httpproxy: fetching upstream metatile")
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, false, errors.Errorf("httpproxy: upstream returned status %d", resp.StatusCode())
	}
	raw := append([]byte(nil), resp.Body()...)
	bundle, err := metatile.Decode(raw, metatile.N)
	if err != nil {
		return nil, false, errors.Wrap(err, "httpproxy: decoding bundle")
	}
	idx := metatile.XYZToMetaOffset(metatile.N, int(x), int(y))
	data, ok := bundle.Get(idx)
	if !ok {
		return nil, bundle.Compressed, errors.Errorf("httpproxy: sub-tile %d absent", idx)
	}
	return data, bundle.Compressed, nil
}

func (b *Backend) Stat(ctx context.Context, style, options string, x, y, z int32) (storage.Stat, error) {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodHead)
	req.SetRequestURI(b.url(style, options, mx, my, z))
	if err := b.client.Do(req, resp); err != nil || resp.StatusCode() != fasthttp.StatusOK {
		return storage.Stat{Size: -1, Expired: true}, nil
	}
	size, _ := strconv.ParseInt(string(resp.Header.Peek("Content-Length")), 10, 64)
	return storage.Stat{Size: size}, nil
}

func (b *Backend) WriteMetatile(ctx context.Context, style, options string, mx, my, z int32, buf []byte) (int, error) {
	return 0, errors.New("httpproxy: read-only backend, write not supported")
}

func (b *Backend) DeleteMetatile(ctx context.Context, style string, mx, my, z int32) error {
	return errors.New("httpproxy: read-only backend, delete not supported")
}

func (b *Backend) ExpireMetatile(ctx context.Context, style string, mx, my, z int32) error {
	return errors.New("httpproxy: read-only backend, expire not supported")
}

func (b *Backend) StorageID(style, options string, x, y, z int32) string {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	stripped := strings.TrimPrefix(strings.TrimPrefix(b.url(style, options, mx, my, z), "https://"), "http://")
	return "ro_http_proxy://" + stripped
}

func (b *Backend) Close() error { return nil }
