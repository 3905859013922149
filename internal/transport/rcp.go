package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/LemmyAI/rcp/internal/protocol"
	"github.com/LemmyAI/rcp/internal/rcp"
)

// RCPTransport implements Transport on top of the RCP engine. The server
// side accepts one peer at a time and goes back to listening when the
// session ends; the client side dials with Connect.
type RCPTransport struct {
	config Config
	sock   *rcp.Socket

	handlers struct {
		message    MessageHandler
		connect    ConnectHandler
		disconnect DisconnectHandler
	}

	mu   sync.Mutex
	peer string // current session's remote address, "" when idle

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRCPTransport creates a new engine-backed transport.
func NewRCPTransport(config Config) *RCPTransport {
	return &RCPTransport{
		config: config,
		sock:   rcp.NewSocket(engineConfig(config)),
		stopCh: make(chan struct{}),
	}
}

func engineConfig(c Config) rcp.Config {
	ec := rcp.DefaultConfig()
	ec.MaxDatagramSize = c.MaxMessageSize
	ec.TimeoutTotal = c.TimeoutTotal
	ec.TimeoutShort = c.TimeoutShort
	return ec
}

// Listen binds the engine socket and starts accepting peers. Only the port
// of addr is used; the socket listens on all interfaces.
func (t *RCPTransport) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve udp addr: %w", err)
	}
	if err := t.sock.Bind(uint16(udpAddr.Port)); err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	t.wg.Add(1)
	go t.serveLoop()
	return nil
}

// Connect dials a remote transport. The session is pumped in the
// background like an accepted one.
func (t *RCPTransport) Connect(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("split addr: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("parse port: %w", err)
	}

	if !t.sock.IsBound() {
		if err := t.sock.Bind(rcp.AnyPort); err != nil {
			return fmt.Errorf("bind: %w", err)
		}
	}
	if err := t.sock.Connect(host, uint16(port)); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	peer := t.peerAddr()
	t.setPeer(peer)
	if t.handlers.connect != nil {
		t.handlers.connect(peer)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.pump(peer)
		t.setPeer("")
		if t.handlers.disconnect != nil {
			t.handlers.disconnect(peer)
		}
	}()
	return nil
}

// Close shuts down the transport and any active session.
func (t *RCPTransport) Close() error {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	t.sock.Cancel()
	t.sock.Disconnect()
	t.sock.Unbind()
	t.wg.Wait()
	return nil
}

// SendUnreliable sends data without guaranteed delivery.
func (t *RCPTransport) SendUnreliable(addr string, data []byte) error {
	return t.send(addr, data, false)
}

// SendReliable sends data with guaranteed, ordered delivery.
func (t *RCPTransport) SendReliable(addr string, data []byte) error {
	return t.send(addr, data, true)
}

func (t *RCPTransport) send(addr string, data []byte, reliable bool) error {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == "" || addr != peer {
		return ErrUnknownPeer
	}
	return t.sock.Send(data, reliable)
}

// OnMessage registers a handler for incoming messages.
func (t *RCPTransport) OnMessage(handler MessageHandler) {
	t.handlers.message = handler
}

// OnConnect registers a handler for new sessions.
func (t *RCPTransport) OnConnect(handler ConnectHandler) {
	t.handlers.connect = handler
}

// OnDisconnect registers a handler for ended sessions.
func (t *RCPTransport) OnDisconnect(handler DisconnectHandler) {
	t.handlers.disconnect = handler
}

// LocalAddr returns the bound port on the loopback address 127.0.0.1.
func (t *RCPTransport) LocalAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(t.sock.LocalPort())))
}

// serveLoop accepts peers one after another until Close.
func (t *RCPTransport) serveLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		if err := t.sock.Accept(); err != nil {
			if errors.Is(err, rcp.ErrCancelled) || errors.Is(err, rcp.ErrNotBound) {
				return
			}
			// Accept attempt timed out, keep listening.
			continue
		}

		peer := t.peerAddr()
		t.setPeer(peer)
		if t.handlers.connect != nil {
			t.handlers.connect(peer)
		}

		t.pump(peer)

		t.setPeer("")
		if t.handlers.disconnect != nil {
			t.handlers.disconnect(peer)
		}
	}
}

// pump delivers received packets to the message handler until the session
// ends.
func (t *RCPTransport) pump(peer string) {
	var pkt protocol.Packet
	for {
		err := t.sock.Receive(&pkt)
		if err != nil {
			if errors.Is(err, rcp.ErrTimeout) {
				// Idle session, keep pumping.
				continue
			}
			return
		}
		if t.handlers.message != nil {
			t.handlers.message(peer, pkt.Data, pkt.Reliable)
		}
	}
}

func (t *RCPTransport) peerAddr() string {
	return net.JoinHostPort(t.sock.RemoteAddr(), strconv.Itoa(int(t.sock.RemotePort())))
}

func (t *RCPTransport) setPeer(peer string) {
	t.mu.Lock()
	t.peer = peer
	t.mu.Unlock()
}
