package rcp

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/LemmyAI/rcp/internal/protocol"
)

// Tester speaks raw headers over a bare UDP socket. Protocol tests use it
// to forge handshakes, out-of-order batches and duplicates against a real
// Socket without a second engine in the way.
type Tester struct {
	conn *net.UDPConn
}

// NewTester creates an unbound tester.
func NewTester() *Tester {
	return &Tester{}
}

// Bind attaches the tester to a local UDP port (0 for OS-assigned).
func (t *Tester) Bind(port uint16) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	t.conn = conn
	return nil
}

// LocalPort returns the tester's bound port.
func (t *Tester) LocalPort() uint16 {
	if t.conn == nil {
		return 0
	}
	return uint16(t.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Send transmits an arbitrary header and payload to address:port.
func (t *Tester) Send(h protocol.Header, payload []byte, address string, port uint16) error {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(address, strconv.Itoa(int(port))))
	if err != nil {
		return fmt.Errorf("resolve addr: %w", err)
	}
	_, err = t.conn.WriteToUDP(protocol.Encode(h, payload), raddr)
	return err
}

// Receive waits up to timeout for one datagram and returns its header,
// payload and origin.
func (t *Tester) Receive(timeout time.Duration) (protocol.Header, []byte, *net.UDPAddr, error) {
	buf := make([]byte, 64*1024)
	t.conn.SetReadDeadline(time.Now().Add(timeout))
	n, from, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return protocol.Header{}, nil, nil, err
	}
	h, err := protocol.ParseHeader(buf[:n])
	if err != nil {
		return protocol.Header{}, nil, nil, err
	}
	payload := make([]byte, n-protocol.HeaderSize)
	copy(payload, buf[protocol.HeaderSize:n])
	return h, payload, from, nil
}

// Close releases the tester's socket.
func (t *Tester) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
}
