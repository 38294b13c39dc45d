package queue

import (
	"container/list"

	"github.com/OneOfOne/xxhash"
)

// Tag identifies which list an item currently lives on.
type Tag int

const (
	TagRequest Tag = iota
	TagRequestPrio
	TagRequestLow
	TagRequestBulk
	TagDirty
	TagRender
	TagDuplicate
)

func (t Tag) String() string {
	switch t {
	case TagRequest:
		return "Request"
	case TagRequestPrio:
		return "RequestPrio"
	case TagRequestLow:
		return "RequestLow"
	case TagRequestBulk:
		return "RequestBulk"
	case TagDirty:
		return "Dirty"
	case TagRender:
		return "Render"
	case TagDuplicate:
		return "Duplicate"
	default:
		return "Unknown"
	}
}

// InvalidConn is the sentinel "no client waiting" connection handle,
// analogous to the source's FD_INVALID.
const InvalidConn ConnID = -1

// ConnID identifies the client connection a response must be written to;
// the acceptor assigns these and they stand in for the source's raw fd.
type ConnID int64

// Fingerprint identifies a (style, metatile) pair for deduplication. The
// style name is folded through xxhash rather than the source's byte-sum,
// combined with z/mx/my the same way calcHashKey does, so two
// fingerprints collide only when every field genuinely matches.
type Fingerprint struct {
	StyleHash uint64
	Z, Mx, My int32
}

// NewFingerprint computes the fingerprint for a metatile request.
func NewFingerprint(style string, mx, my, z int32) Fingerprint {
	return Fingerprint{
		StyleHash: xxhash.Checksum64([]byte(style)),
		Z:         z,
		Mx:        mx,
		My:        my,
	}
}

// Item wraps one render request as it moves through the queue.
type Item struct {
	Style          string
	X, Y, Z        int32
	Mx, My         int32
	MimeType       string
	Options        string
	Conn           ConnID // InvalidConn for dirty / disconnected clients
	CurrentQueue   Tag
	OriginQueue    Tag
	Fingerprint    Fingerprint
	Duplicates     []*Item // items that arrived while an equivalent was in-flight

	elem *list.Element // this item's node in whichever list currently holds it
}

func newItem(style string, x, y, z int32, mime, options string, conn ConnID) *Item {
	n := int32(metatileN)
	mx := x &^ (n - 1)
	my := y &^ (n - 1)
	return &Item{
		Style: style, X: x, Y: y, Z: z,
		Mx: mx, My: my,
		MimeType: mime, Options: options,
		Conn:        conn,
		Fingerprint: NewFingerprint(style, mx, my, z),
	}
}

// metatileN is the metatile side; it defaults to 8 and cmd/renderd does
// not call SetMetatileSize.
var metatileN = 8

// SetMetatileSize configures N for newItem's mx/my derivation. Must be
// called (if at all) before the queue starts accepting requests.
func SetMetatileSize(n int) { metatileN = n }
