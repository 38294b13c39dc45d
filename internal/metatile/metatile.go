// Package metatile implements the on-disk NxN tile-bundle format: a magic
// header, an offset/size index row-major by (ox*N+oy), and the concatenated
// raw tile payload.
package metatile

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"
)

// MagicPlain and MagicCompressed are the two accepted header sentinels.
// A MagicCompressed bundle stores each present sub-tile independently
// lz4-compressed; the index's offsets/sizes still address the file exactly
// as for a plain bundle, just over compressed bytes instead of raw ones.
const (
	MagicPlain      = "META"
	MagicCompressed = "METZ"
	magicLen        = 4
)

// Entry is one row of the offset table: absolute file offset and byte size.
// Size == 0 means the sub-tile is intentionally absent (partial bundle).
type Entry struct {
	Offset int32
	Size   int32
}

// Bundle is a decoded (or in-progress) metatile: N*N tiles sharing one file.
type Bundle struct {
	N          int
	X, Y, Z    int32
	Compressed bool
	entries    []Entry
	payload    []byte // concatenation of each sub-tile's bytes, in index order
	raw        []byte // set only for bundles produced by Decode
}

// NewBundle allocates an empty bundle for metatile origin (x, y, z) with an
// N*N index table, all entries initially absent (size 0).
func NewBundle(n int, x, y, z int32) *Bundle {
	return &Bundle{
		N: n, X: x, Y: y, Z: z,
		entries: make([]Entry, n*n),
	}
}

// N is the configured metatile side shared by storage backends that don't
// carry their own Bundle around (object-store backends decode a bundle
// fresh on every read). It defaults to 8; cmd/renderd does not change it
// and the config file has no key for it.
var N = 8

// XYZToMetaOffset computes (x mod N)*N + (y mod N), the index into the
// bundle's row-major offset table for sub-tile (x, y).
func XYZToMetaOffset(n, x, y int) int {
	return (x%n)*n + (y % n)
}

// Set stores the bytes for sub-tile index idx (as returned by
// XYZToMetaOffset). An empty payload legally marks the sub-tile absent.
// When b.Compressed is set (by the caller, before any Set call), tile is
// lz4-compressed before storage; Get returns the stored, still-compressed
// bytes and leaves decompression to the caller.
func (b *Bundle) Set(idx int, tile []byte) error {
	if idx < 0 || idx >= len(b.entries) {
		return errors.Errorf("sub-tile index %d out of range [0,%d)", idx, len(b.entries))
	}
	stored := tile
	if b.Compressed && len(tile) > 0 {
		compressed, err := lz4Compress(tile)
		if err != nil {
			return errors.Wrap(err, "metatile: lz4 compress")
		}
		stored = compressed
	}
	b.entries[idx] = Entry{Size: int32(len(stored))}
	if len(stored) > 0 {
		b.payload = append(b.payload, stored...)
	}
	return nil
}

// lz4Compress and lz4Decompress wrap pierrec/lz4's frame format for one
// sub-tile's bytes at a time, the unit METZ bundles compress independently
// so a single sub-tile can still be read without touching its neighbors.
func lz4Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}

// reassemble builds the concatenated sub-tile payload and reassigns each
// entry's Offset to its position in that new payload, starting at startOff.
// Bytes come from b.payload when it's populated (the Set/worker path, built
// by concatenating Set() calls in index order 0..N*N-1); otherwise, for a
// bundle that came from Decode and was never re-Set, they're sliced out of
// b.raw at each entry's original (pre-reassignment) offset.
func reassemble(b *Bundle, entries []Entry, startOff int32) []byte {
	cur := startOff
	var out []byte
	if len(b.payload) == 0 && b.raw != nil {
		for i := range entries {
			sz := entries[i].Size
			off := entries[i].Offset
			if sz > 0 {
				out = append(out, b.raw[off:off+sz]...)
			}
			entries[i].Offset = cur
			cur += sz
		}
		return out
	}
	pos := 0
	for i := range entries {
		sz := entries[i].Size
		entries[i].Offset = cur
		if sz > 0 {
			out = append(out, b.payload[pos:pos+int(sz)]...)
			pos += int(sz)
		}
		cur += sz
	}
	return out
}

func headerSize(n int) int {
	return magicLen + 4 + 4 + 4 + 4 + n*n*8 // magic + count + x + y + z + index rows
}

// Encode serializes the bundle into the on-disk metatile layout: header,
// offset/size index, then concatenated sub-tile payload.
func Encode(b *Bundle) []byte {
	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	headerLen := headerSize(b.N)
	payload := reassemble(b, entries, int32(headerLen))

	buf := make([]byte, headerLen+len(payload))
	magic := MagicPlain
	if b.Compressed {
		magic = MagicCompressed
	}
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(b.N*b.N))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(b.X))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(b.Y))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(b.Z))
	pos := 20
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(e.Offset))
		binary.LittleEndian.PutUint32(buf[pos+4:pos+8], uint32(e.Size))
		pos += 8
	}
	copy(buf[headerLen:], payload)
	b.entries = entries
	return buf
}

// Decode validates and parses a bundle from raw file bytes. N is the
// configured metatile side the caller expects; a count mismatch is rejected.
func Decode(raw []byte, n int) (*Bundle, error) {
	if len(raw) < headerSize(n) {
		return nil, errors.New("metatile: file too small to contain header")
	}
	magic := string(raw[0:4])
	compressed := false
	switch magic {
	case MagicPlain:
	case MagicCompressed:
		compressed = true
	default:
		return nil, errors.Errorf("metatile: bad magic %q", magic)
	}
	count := int32(binary.LittleEndian.Uint32(raw[4:8]))
	if count != int32(n*n) {
		return nil, errors.Errorf("metatile: header count %d != %d", count, n*n)
	}
	x := int32(binary.LittleEndian.Uint32(raw[8:12]))
	y := int32(binary.LittleEndian.Uint32(raw[12:16]))
	z := int32(binary.LittleEndian.Uint32(raw[16:20]))

	entries := make([]Entry, count)
	pos := 20
	for i := range entries {
		entries[i].Offset = int32(binary.LittleEndian.Uint32(raw[pos : pos+4]))
		entries[i].Size = int32(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		pos += 8
	}

	b := &Bundle{N: n, X: x, Y: y, Z: z, Compressed: compressed, entries: entries}

	for _, e := range entries {
		if e.Size == 0 {
			continue
		}
		end := int64(e.Offset) + int64(e.Size)
		if e.Offset < 0 || end > int64(len(raw)) {
			return nil, errors.Errorf("metatile: sub-tile offset+size %d exceeds file length %d", end, len(raw))
		}
	}
	b.raw = raw
	return b, nil
}

// Get returns the bytes for sub-tile idx and whether it is present.
func (b *Bundle) Get(idx int) ([]byte, bool) {
	if idx < 0 || idx >= len(b.entries) {
		return nil, false
	}
	e := b.entries[idx]
	if e.Size == 0 {
		return nil, false
	}
	if b.raw != nil {
		return b.raw[e.Offset : e.Offset+e.Size], true
	}
	// Bundle built via Set/Encode without round-tripping through raw bytes:
	// reconstruct from the in-memory payload buffer using the same
	// deterministic offset assignment Encode uses.
	full := Encode(b)
	return full[e.Offset : e.Offset+e.Size], true
}

// Entry exposes the raw index row for sub-tile idx (offset/size), mainly for
// tests asserting on the on-disk table shape.
func (b *Bundle) Entry(idx int) Entry { return b.entries[idx] }
