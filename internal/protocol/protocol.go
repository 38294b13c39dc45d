// Package protocol implements the fixed-size client/daemon wire records
// across the three historical protocol versions.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Cmd is the wire command / response tag.
type Cmd int32

const (
	CmdIgnore Cmd = iota
	CmdRender
	CmdDirty
	CmdDone
	CmdNotDone
	CmdRenderPrio
	CmdRenderBulk
	CmdRenderLow
)

func (c Cmd) String() string {
	switch c {
	case CmdIgnore:
		return "Ignore"
	case CmdRender:
		return "Render"
	case CmdDirty:
		return "Dirty"
	case CmdDone:
		return "Done"
	case CmdNotDone:
		return "NotDone"
	case CmdRenderPrio:
		return "RenderPrio"
	case CmdRenderBulk:
		return "RenderBulk"
	case CmdRenderLow:
		return "RenderLow"
	default:
		return "Unknown"
	}
}

const (
	// NameFieldLen is the size of each NUL-padded name field (xmlname/mimetype/options).
	NameFieldLen = 41
	// ProtoVersion is the current (v3) wire revision the daemon speaks.
	ProtoVersion = 3
	// DefaultSocket is the default Unix control socket path.
	DefaultSocket = "/run/renderd/renderd.sock"
)

// Sizes of the three historical fixed records, host-endian ints + padded arrays.
const (
	v1Size = 4*5 + 0
	v2Size = v1Size + NameFieldLen
	v3Size = v2Size + 2*NameFieldLen
)

// RecordSize returns the on-wire byte size a client declaring ver must send.
func RecordSize(ver int) (int, error) {
	switch ver {
	case 1:
		return v1Size, nil
	case 2:
		return v2Size, nil
	case 3:
		return v3Size, nil
	default:
		return 0, errors.Errorf("unsupported protocol version %d", ver)
	}
}

// Request is an in-memory, version-upgraded command record. Every ingested
// version is normalized to this shape: v1 sets StyleName to "default";
// v1/v2 set MimeType to "image/png" and Options to "".
type Request struct {
	Ver       int32
	Cmd       Cmd
	X, Y, Z   int32
	StyleName string
	MimeType  string
	Options   string
}

type wireHeader struct {
	Ver int32
	Cmd int32
	X   int32
	Y   int32
	Z   int32
}

// ReadRequest reads exactly one record from r, sized to declared ver's v3
// record length (the daemon always reads the current v3 size and upgrades
// in place; short reads are a protocol error and the connection must close).
func ReadRequest(r io.Reader) (*Request, error) {
	buf := make([]byte, v3Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "short read on command record")
	}
	return decode(buf)
}

func decode(buf []byte) (*Request, error) {
	if len(buf) < v1Size {
		return nil, errors.New("record too small for v1 header")
	}
	var hdr wireHeader
	if err := binary.Read(bytes.NewReader(buf[:v1Size]), binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "decoding header")
	}

	req := &Request{
		Ver: hdr.Ver,
		Cmd: Cmd(hdr.Cmd),
		X:   hdr.X,
		Y:   hdr.Y,
		Z:   hdr.Z,
	}

	switch hdr.Ver {
	case 1:
		req.StyleName = "default"
		req.MimeType = "image/png"
		req.Options = ""
	case 2:
		if len(buf) < v2Size {
			return nil, errors.New("record too small for v2 body")
		}
		req.StyleName = cstr(buf[v1Size:v2Size])
		req.MimeType = "image/png"
		req.Options = ""
	case 3:
		if len(buf) < v3Size {
			return nil, errors.New("record too small for v3 body")
		}
		req.StyleName = cstr(buf[v1Size : v1Size+NameFieldLen])
		req.MimeType = cstr(buf[v1Size+NameFieldLen : v1Size+2*NameFieldLen])
		req.Options = cstr(buf[v1Size+2*NameFieldLen : v1Size+3*NameFieldLen])
	default:
		return nil, errors.Errorf("unsupported protocol version %d", hdr.Ver)
	}
	return req, nil
}

// Encode writes req as a full v3 record (the daemon always replies in v3
// shape; old clients only read the leading fields they understand).
func Encode(req *Request) []byte {
	buf := make([]byte, v3Size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(req.Ver))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(req.Cmd))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(req.X))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(req.Y))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(req.Z))
	putCStr(buf[v1Size:v1Size+NameFieldLen], req.StyleName)
	putCStr(buf[v1Size+NameFieldLen:v1Size+2*NameFieldLen], req.MimeType)
	putCStr(buf[v1Size+2*NameFieldLen:v1Size+3*NameFieldLen], req.Options)
	return buf
}

// Response builds the echoed-coordinates reply record: carries
// Done|NotDone|Ignore and the original (style, x, y, z).
func Response(orig *Request, cmd Cmd) *Request {
	return &Request{
		Ver:       orig.Ver,
		Cmd:       cmd,
		X:         orig.X,
		Y:         orig.Y,
		Z:         orig.Z,
		StyleName: orig.StyleName,
		MimeType:  orig.MimeType,
		Options:   orig.Options,
	}
}

func cstr(b []byte) string {
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}

func putCStr(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}
