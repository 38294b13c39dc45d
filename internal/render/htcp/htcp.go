// Package htcp sends HTCP CLR ("clear") purge datagrams for freshly
// rendered metatiles, so a front-line HTTP cache (e.g. Apache/Varnish
// fronting mod_tile) drops its copy of each affected tile.
package htcp

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"

	"github.com/pkg/errors"
	"github.com/teris-io/shortid"

	"github.com/renderd-project/renderd/internal/rlog"
)

// Notifier sends HTCP CLR packets to one HTCP cache peer over UDP, the Go
// analogue of the source's init_cache_expire/cache_expire socket pair.
type Notifier struct {
	conn *net.UDPConn
	host string
	uri  string
}

// New dials a UDP "connection" to htcpHost:4827 (the source's fixed HTCP
// port) for purge notifications about tiles served at "http://host/uri".
func New(htcpHost, host, uri string) (*Notifier, error) {
	if htcpHost == "" {
		return nil, nil
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(htcpHost, "4827"))
	if err != nil {
		return nil, errors.Wrapf(err, "htcp: resolving %s", htcpHost)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "htcp: dialing %s", htcpHost)
	}
	return &Notifier{conn: conn, host: host, uri: uri}, nil
}

// PurgeMetatile sends one CLR datagram per sub-tile covered by the
// metatile at (mx, my, z), matching metaTile::expire_tiles's "limit =
// min(N, 2^z)" loop from gen_tile.cpp.
func (n *Notifier) PurgeMetatile(mx, my, z, metatileN int) {
	if n == nil {
		return
	}
	limit := metatileN
	if full := 1 << uint(z); full < limit {
		limit = full
	}
	txnBase := transactionID()
	for ox := 0; ox < limit; ox++ {
		for oy := 0; oy < limit; oy++ {
			url := fmt.Sprintf("http://%s%s%d/%d/%d.png", n.host, n.uri, z, mx+ox, my+oy)
			if err := n.clear(url, txnBase+uint32(ox*limit+oy)); err != nil {
				rlog.Warnf("htcp: purge %s: %v", url, err)
			}
		}
	}
}

// transactionID folds a fresh shortid through FNV-32a into the 32-bit
// transaction id used as the base for one purge batch; each datagram adds
// its sub-tile index to it. The source always sends the constant 255,
// which is also the fallback here if shortid fails. The id is not logged.
func transactionID() uint32 {
	id, err := shortid.Generate()
	if err != nil {
		return 255
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}

// clear builds and sends one HTCP CLR datagram per the RFC layout the
// source hand-assembles byte by byte in cache_expire_url.
func (n *Notifier) clear(url string, txnID uint32) error {
	const method = "HEAD"
	const version = "HTTP/1.1"
	// dataLen covers everything from this length field itself through the
	// trailing (empty) request-headers field: 2 (itself) + 8 (opcode,
	// reserved, txnid, reserved, reason) + 2+len(method) + 2+len(url) +
	// 2+len(version) + 2 (headers length).
	dataLen := 2 + 8 + 2 + len(method) + 2 + len(url) + 2 + len(version) + 2
	totalLen := 4 + dataLen

	buf := make([]byte, totalLen)
	pos := 0
	binary.BigEndian.PutUint16(buf[pos:], uint16(totalLen))
	pos += 2
	buf[pos] = 0 // major version
	pos++
	buf[pos] = 0 // minor version
	pos++
	binary.BigEndian.PutUint16(buf[pos:], uint16(dataLen))
	pos += 2
	buf[pos] = 4 // opcode CLR
	pos++
	buf[pos] = 0 // reserved
	pos++
	binary.BigEndian.PutUint32(buf[pos:], txnID)
	pos += 4
	buf[pos] = 0
	pos++
	buf[pos] = 0 // HTCP reason
	pos++

	pos = putString(buf, pos, method)
	pos = putString(buf, pos, url)
	pos = putString(buf, pos, version)
	binary.BigEndian.PutUint16(buf[pos:], 0) // no request headers

	_, err := n.conn.Write(buf)
	return err
}

func putString(buf []byte, pos int, s string) int {
	binary.BigEndian.PutUint16(buf[pos:], uint16(len(s)))
	pos += 2
	copy(buf[pos:], s)
	return pos + len(s)
}

func (n *Notifier) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}
	return n.conn.Close()
}
