package daemonctx

import (
	"testing"

	"github.com/renderd-project/renderd/internal/config"
	"github.com/renderd-project/renderd/internal/queue"
	"github.com/renderd-project/renderd/internal/render"
)

func TestRequestShutdownSetsShuttingDown(t *testing.T) {
	q := queue.New(queue.Limits{ReqLimit: 8, DirtyLimit: 8, MaxZoom: 20})
	defer q.Close()

	ctx := New(&config.Config{}, q, render.NewRegistry(), nil)
	if ctx.ShuttingDown() {
		t.Fatal("expected ShuttingDown to be false before RequestShutdown")
	}
	ctx.RequestShutdown()
	if !ctx.ShuttingDown() {
		t.Error("expected ShuttingDown to be true after RequestShutdown")
	}
}

func TestCloseTearsDownQueueAndStyles(t *testing.T) {
	q := queue.New(queue.Limits{ReqLimit: 8, DirtyLimit: 8, MaxZoom: 20})
	ctx := New(&config.Config{}, q, render.NewRegistry(), nil)

	done := make(chan struct{})
	go func() {
		q.FetchRequest() // blocks until Close wakes it
		close(done)
	}()

	if err := ctx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-done
}
