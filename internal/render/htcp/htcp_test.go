package htcp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func TestNewReturnsNilNotifierForEmptyHost(t *testing.T) {
	n, err := New("", "tile.example", "/osm/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n != nil {
		t.Error("expected a nil Notifier when no htcphost is configured")
	}
	// PurgeMetatile and Close must tolerate a nil receiver.
	n.PurgeMetatile(0, 0, 4, 8)
	if err := n.Close(); err != nil {
		t.Errorf("Close on nil notifier: %v", err)
	}
}

func TestClearDatagramLengthFieldsAreConsistent(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer pc.Close()

	addr := pc.LocalAddr().(*net.UDPAddr)
	n, err := New(addr.IP.String(), "tile.example", "/osm/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Redial against the ephemeral test listener's actual port rather than
	// the fixed HTCP port 4827.
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	n.conn.Close()
	n.conn = conn

	if err := n.clear("http://tile.example/osm/4/8/8.png", 42); err != nil {
		t.Fatalf("clear: %v", err)
	}

	pc.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 2048)
	nRead, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	pkt := buf[:nRead]

	totalLen := binary.BigEndian.Uint16(pkt[0:2])
	if int(totalLen) != len(pkt) {
		t.Errorf("total length field %d != actual datagram length %d", totalLen, len(pkt))
	}
	dataLen := binary.BigEndian.Uint16(pkt[4:6])
	if int(dataLen) != len(pkt)-4 {
		t.Errorf("data length field %d != len(pkt)-4 = %d", dataLen, len(pkt)-4)
	}
	if pkt[6] != 4 {
		t.Errorf("expected opcode 4 (CLR), got %d", pkt[6])
	}
	txnID := binary.BigEndian.Uint32(pkt[8:12])
	if txnID != 42 {
		t.Errorf("expected transaction id 42, got %d", txnID)
	}
}

func TestPurgeMetatileLimitsToMapSizeAtLowZoom(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer pc.Close()
	addr := pc.LocalAddr().(*net.UDPAddr)

	n, err := New(addr.IP.String(), "tile.example", "/osm/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	n.conn.Close()
	n.conn = conn

	// z=1 means only a 2x2 tile space exists, even though metatileN=8.
	n.PurgeMetatile(0, 0, 1, 8)

	pc.SetReadDeadline(time.Now().Add(time.Second))
	count := 0
	buf := make([]byte, 2048)
	for {
		pc.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, _, err := pc.ReadFrom(buf); err != nil {
			break
		}
		count++
	}
	if count != 4 {
		t.Errorf("expected 4 purge datagrams (2x2) at z=1, got %d", count)
	}
}
