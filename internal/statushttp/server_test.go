package statushttp

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/renderd-project/renderd/internal/render"
	"github.com/renderd-project/renderd/internal/stats"
	_ "github.com/renderd-project/renderd/internal/storage/nullstore"
)

type fakeHandle struct{}

func (fakeHandle) Close() error { return nil }

type fakeRasterizer struct{}

func (fakeRasterizer) LoadStyle(ctx context.Context, xmlPath, parameterizeStyle string) (render.StyleHandle, error) {
	return fakeHandle{}, nil
}

func (fakeRasterizer) RenderMetatile(ctx context.Context, handle render.StyleHandle, req render.MetatileRequest) ([]render.RenderedTile, error) {
	return nil, nil
}

func TestServeStatusReturnsSnapshotJSON(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	snap := stats.Snapshot{ReqQueueLength: 5, DroppedRequest: 2}
	s := New(func() stats.Snapshot { return snap }, render.NewRegistry())
	go s.Serve(ln)
	defer s.Shutdown()

	resp, err := httpGet(ln.Addr().String(), "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	if !strings.Contains(resp, `"ReqQueueLength":5`) {
		t.Errorf("expected ReqQueueLength in body, got: %s", resp)
	}
	if !strings.Contains(resp, `"DroppedRequest":2`) {
		t.Errorf("expected DroppedRequest in body, got: %s", resp)
	}
}

func TestServeStylesReturnsRegistryStatuses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	reg, err := render.LoadAll(context.Background(), fakeRasterizer{}, []render.StyleConfig{
		{Name: "default", TileDir: "null://discard", XML: "default.xml", MinZoom: 0, MaxZoom: 18},
	})
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	s := New(func() stats.Snapshot { return stats.Snapshot{} }, reg)
	go s.Serve(ln)
	defer s.Shutdown()

	resp, err := httpGet(ln.Addr().String(), "/status/styles")
	if err != nil {
		t.Fatalf("GET /status/styles: %v", err)
	}
	if !strings.Contains(resp, `"Name":"default"`) || !strings.Contains(resp, `"Loaded":true`) {
		t.Errorf("expected loaded default style in body, got: %s", resp)
	}
}

func TestServeUnknownPathReturnsNotFound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	s := New(func() stats.Snapshot { return stats.Snapshot{} }, render.NewRegistry())
	go s.Serve(ln)
	defer s.Shutdown()

	resp, err := http.Get("http://" + ln.Addr().String() + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown path, got %d", resp.StatusCode)
	}
}

func httpGet(addr, path string) (string, error) {
	var resp *http.Response
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		resp, err = http.Get("http://" + addr + path)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
