package metatile

import "testing"

func TestXYZToMetaOffset(t *testing.T) {
	if got := XYZToMetaOffset(8, 16, 17); got != (0*8 + 1) {
		t.Errorf("got %d", got)
	}
	if got := XYZToMetaOffset(8, 23, 23); got != (7*8 + 7) {
		t.Errorf("got %d", got)
	}
}

func TestRoundTripFullBundle(t *testing.T) {
	const n = 8
	b := NewBundle(n, 16, 16, 5)
	want := make([][]byte, n*n)
	for i := 0; i < n*n; i++ {
		tile := []byte{byte(i), byte(i + 1), byte(i + 2)}
		want[i] = tile
		if err := b.Set(i, tile); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	raw := Encode(b)

	got, err := Decode(raw, n)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.X != 16 || got.Y != 16 || got.Z != 5 {
		t.Errorf("coords mismatch: %+v", got)
	}
	for i := 0; i < n*n; i++ {
		tile, ok := got.Get(i)
		if !ok {
			t.Fatalf("sub-tile %d missing", i)
		}
		if string(tile) != string(want[i]) {
			t.Errorf("sub-tile %d = %v, want %v", i, tile, want[i])
		}
	}

	// encode(decode(b)) == b
	raw2 := Encode(got)
	if len(raw) != len(raw2) {
		t.Fatalf("re-encoded length mismatch: %d vs %d", len(raw), len(raw2))
	}
	for i := range raw {
		if raw[i] != raw2[i] {
			t.Fatalf("re-encoded byte %d mismatch", i)
		}
	}
}

func TestPartialBundleAbsentSubTilesReadZeroLength(t *testing.T) {
	const n = 2
	b := NewBundle(n, 0, 0, 1)
	if err := b.Set(0, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(1, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(2, []byte("world")); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(3, []byte{}); err != nil {
		t.Fatal(err)
	}
	raw := Encode(b)
	got, err := Decode(raw, n)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := got.Get(1); ok {
		t.Error("expected sub-tile 1 absent")
	}
	if _, ok := got.Get(3); ok {
		t.Error("expected sub-tile 3 absent")
	}
	if tile, ok := got.Get(0); !ok || string(tile) != "hello" {
		t.Errorf("sub-tile 0 = %v, %v", tile, ok)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	raw := make([]byte, headerSize(8))
	copy(raw[0:4], "JUNK")
	if _, err := Decode(raw, 8); err == nil {
		t.Fatal("expected bad-magic error")
	}
}

func TestDecodeRejectsCountMismatch(t *testing.T) {
	b := NewBundle(8, 0, 0, 0)
	raw := Encode(b)
	if _, err := Decode(raw, 4); err == nil {
		t.Fatal("expected count-mismatch error")
	}
}

func TestDecodeRejectsTruncatedFile(t *testing.T) {
	b := NewBundle(2, 0, 0, 0)
	_ = b.Set(0, []byte("0123456789"))
	raw := Encode(b)
	if _, err := Decode(raw[:len(raw)-5], 2); err == nil {
		t.Fatal("expected truncated-file error")
	}
}

func TestCompressedMagicAccepted(t *testing.T) {
	const want = "this is a sub-tile payload, repeated, repeated, repeated"
	b := NewBundle(1, 0, 0, 0)
	b.Compressed = true
	if err := b.Set(0, []byte(want)); err != nil {
		t.Fatal(err)
	}
	raw := Encode(b)
	if string(raw[0:4]) != MagicCompressed {
		t.Fatalf("expected compressed magic, got %q", raw[0:4])
	}

	got, err := Decode(raw, 1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Compressed {
		t.Error("expected Compressed flag set")
	}

	stored, ok := got.Get(0)
	if !ok {
		t.Fatal("expected sub-tile 0 present")
	}
	if string(stored) == want {
		t.Fatal("Get returned plaintext; expected still lz4-compressed bytes")
	}
	plain, err := lz4Decompress(stored)
	if err != nil {
		t.Fatalf("lz4Decompress: %v", err)
	}
	if string(plain) != want {
		t.Errorf("decompressed = %q, want %q", plain, want)
	}
}

func TestLZ4CompressDecompressRoundTrip(t *testing.T) {
	want := []byte("0123456789abcdefghijklmnopqrstuvwxyz0123456789abcdefghijklmnopqrstuvwxyz")
	compressed, err := lz4Compress(want)
	if err != nil {
		t.Fatalf("lz4Compress: %v", err)
	}
	if len(compressed) == 0 {
		t.Fatal("lz4Compress returned empty output")
	}
	plain, err := lz4Decompress(compressed)
	if err != nil {
		t.Fatalf("lz4Decompress: %v", err)
	}
	if string(plain) != string(want) {
		t.Errorf("round-trip = %q, want %q", plain, want)
	}
}
