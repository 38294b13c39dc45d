package storage_test

import (
	"context"
	"testing"

	"github.com/renderd-project/renderd/internal/storage"
	_ "github.com/renderd-project/renderd/internal/storage/file"
	_ "github.com/renderd-project/renderd/internal/storage/nullstore"
)

func TestOpenRoutesBarePathToFileBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("Open(%q): %v", dir, err)
	}
	defer b.Close()
	if b.StorageID("s", "", 0, 0, 0) == "" {
		t.Error("expected non-empty storage id")
	}
}

func TestOpenRoutesUnknownSchemeToError(t *testing.T) {
	_, err := storage.Open("bogus://nowhere")
	if err == nil {
		t.Fatal("expected error for unregistered scheme")
	}
}

func TestOpenRoutesNullScheme(t *testing.T) {
	b, err := storage.Open("null://discard")
	if err != nil {
		t.Fatalf("Open(null://): %v", err)
	}
	ctx := context.Background()
	if _, err := b.WriteMetatile(ctx, "s", "", 0, 0, 0, []byte("x")); err != nil {
		t.Errorf("nullstore write failed: %v", err)
	}
	if _, _, err := b.Read(ctx, "s", "", 0, 0, 0); err == nil {
		t.Error("expected nullstore read to always miss")
	}
}

func TestObjectKeyIncludesOptions(t *testing.T) {
	plain := storage.ObjectKey("s", "", 8, 8, 3)
	withOpts := storage.ObjectKey("s", "grey", 8, 8, 3)
	if plain == withOpts {
		t.Error("expected options to change the object key")
	}
}
