// Package rcp implements a reliable, connection-oriented, message-preserving
// transport over UDP. Each Socket speaks to exactly one remote peer at a
// time. Messages keep their boundaries; per message the caller chooses
// reliable delivery (retransmitted until acknowledged, surfaced in the
// sender's batch order) or best-effort (fire and forget, interleaved in
// arrival order).
//
// Two actors share a Socket: the caller's goroutines, entering through the
// public API, and one background I/O goroutine driving timers and socket
// reads after a connection is established. A single mutex guards the shared
// session state; the condition variable bound to it wakes blocked receivers.
package rcp

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LemmyAI/rcp/internal/protocol"
)

// state is the connection phase of a socket.
type state int

const (
	stateDisconnected state = iota
	stateConnected
	stateClosing
)

// Socket is a reliable message transport endpoint over UDP.
type Socket struct {
	config Config

	mu       sync.Mutex
	recvCond *sync.Cond // bound to mu; signaled on commit, teardown, tick

	conn      *net.UDPConn
	localPort uint16

	state    state
	blocking bool

	// Session counters. localSeq stamps every outgoing datagram,
	// localBatch only reliable ones; remoteSeq is the highest sequence
	// heard from the peer, remoteBatch the highest batch committed in
	// order, remoteBatchReserved the highest batch reserved or committed.
	localSeq            uint32
	localBatch          uint32
	remoteSeq           uint32
	remoteBatch         uint32
	remoteBatchReserved uint32

	remoteAddr *net.UDPAddr

	queue  *deliveryQueue
	recent recentTable

	timeLastSend time.Time
	timeLastRecv time.Time

	// closedByPeer distinguishes "session existed and died" from "never
	// connected" for callers woken out of a blocking receive.
	closedByPeer bool

	runIO atomic.Bool
	ioWG  sync.WaitGroup

	// cancelEpoch invalidates all currently blocked calls when bumped.
	cancelEpoch atomic.Uint64
}

// NewSocket creates an unbound socket.
func NewSocket(config Config) *Socket {
	s := &Socket{
		config:   config,
		blocking: config.Blocking,
		queue:    newDeliveryQueue(),
		recent:   make(recentTable),
	}
	s.recvCond = sync.NewCond(&s.mu)
	return s
}

// Bind attaches the socket to a local UDP port. AnyPort requests an
// OS-assigned one.
func (s *Socket) Bind(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return ErrAlreadyBound
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	s.conn = conn
	s.localPort = uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	s.closedByPeer = false
	return nil
}

// Unbind tears down any session and releases the port.
func (s *Socket) Unbind() {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return
	}
	if s.state != stateDisconnected {
		s.teardownLocked()
	}
	conn := s.conn
	s.conn = nil
	s.localPort = 0
	s.mu.Unlock()

	conn.Close()
	s.ioWG.Wait()
}

// IsBound reports whether the socket holds a local port.
func (s *Socket) IsBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// IsConnected reports whether a session is established.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected
}

// LocalPort returns the bound port, 0 if unbound.
func (s *Socket) LocalPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPort
}

// RemoteAddr returns the peer's IP address, "" outside a session.
func (s *Socket) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteAddr == nil {
		return ""
	}
	return s.remoteAddr.IP.String()
}

// RemotePort returns the peer's port, 0 outside a session.
func (s *Socket) RemotePort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteAddr == nil {
		return 0
	}
	return uint16(s.remoteAddr.Port)
}

// SetBlocking toggles the default blocking mode for connect, accept and
// receive.
func (s *Socket) SetBlocking(blocking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocking = blocking
}

// GetBlocking returns the current blocking mode.
func (s *Socket) GetBlocking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocking
}

// Cancel aborts every currently blocked call with ErrCancelled. The
// session itself is untouched; future calls block normally. The wakeup
// reaches the selector via a self-addressed CANCEL datagram.
func (s *Socket) Cancel() {
	s.cancelEpoch.Add(1)

	s.mu.Lock()
	if s.conn != nil {
		h := protocol.Header{Seq: s.localSeq, Flags: protocol.FlagCANCEL}
		s.conn.WriteToUDP(protocol.Encode(h, nil), &net.UDPAddr{
			IP:   net.IPv4(127, 0, 0, 1),
			Port: int(s.localPort),
		})
	}
	s.recvCond.Broadcast()
	s.mu.Unlock()
}

// Connect performs an active open toward address:port. Blocks until the
// handshake completes, the total timeout expires, or Cancel fires.
func (s *Socket) Connect(address string, port uint16) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotBound
	}
	if s.state != stateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	if !s.blocking {
		s.mu.Unlock()
		return ErrWouldBlock
	}
	epoch := s.cancelEpoch.Load()

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(address, strconv.Itoa(int(port))))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("resolve remote addr: %w", err)
	}

	now := time.Now()
	s.resetSessionLocked(now)
	s.remoteAddr = raddr

	syn := protocol.Header{Seq: s.localSeq, Batch: s.localBatch, Flags: protocol.FlagSYN | protocol.FlagREL}
	s.localSeq++
	s.localBatch++
	wire := protocol.Encode(syn, nil)
	s.recent.insert(syn, wire, now)
	s.conn.WriteToUDP(wire, raddr)
	s.timeLastSend = now
	conn := s.conn
	s.mu.Unlock()

	deadline := time.Now().Add(s.config.TimeoutTotal)
	buf := make([]byte, s.config.MaxDatagramSize)
	for {
		if s.cancelEpoch.Load() != epoch {
			s.abortHandshake()
			return ErrCancelled
		}
		if !time.Now().Before(deadline) {
			s.abortHandshake()
			return ErrTimeout
		}

		conn.SetReadDeadline(time.Now().Add(s.config.TimeoutShort))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				// Resend the SYN and keep waiting.
				s.mu.Lock()
				if rp, ok := s.recent[syn.Batch]; ok {
					conn.WriteToUDP(rp.wire, raddr)
					rp.lastResend = time.Now()
					s.timeLastSend = rp.lastResend
				}
				s.mu.Unlock()
				continue
			}
			s.abortHandshake()
			return fmt.Errorf("handshake read: %w", err)
		}

		h, perr := protocol.ParseHeader(buf[:n])
		if perr != nil || h.Has(protocol.FlagCANCEL) {
			continue
		}
		if !udpAddrEqual(from, raddr) {
			continue
		}
		if h.Has(protocol.FlagSYN | protocol.FlagACK) {
			s.mu.Lock()
			s.recent.ack(syn.Batch)
			s.remoteSeq = h.Seq
			s.remoteBatch = h.Batch
			s.remoteBatchReserved = h.Batch
			s.timeLastRecv = time.Now()
			s.sendControlLocked(protocol.FlagACK, h.Batch)
			s.state = stateConnected
			s.startIOLocked()
			s.mu.Unlock()
			return nil
		}
	}
}

// Accept performs a passive open: waits for a SYN, replies SYN+ACK and
// establishes the session with the sender.
func (s *Socket) Accept() error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotBound
	}
	if s.state != stateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	if !s.blocking {
		s.mu.Unlock()
		return ErrWouldBlock
	}
	epoch := s.cancelEpoch.Load()
	s.resetSessionLocked(time.Now())
	conn := s.conn
	s.mu.Unlock()

	deadline := time.Now().Add(s.config.TimeoutTotal)
	buf := make([]byte, s.config.MaxDatagramSize)
	for {
		if s.cancelEpoch.Load() != epoch {
			return ErrCancelled
		}
		if !time.Now().Before(deadline) {
			return ErrTimeout
		}

		conn.SetReadDeadline(time.Now().Add(s.config.TimeoutShort))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("accept read: %w", err)
		}

		h, perr := protocol.ParseHeader(buf[:n])
		if perr != nil || h.Has(protocol.FlagCANCEL) {
			continue
		}
		if !h.Has(protocol.FlagSYN) || h.Has(protocol.FlagACK) {
			continue
		}

		now := time.Now()
		s.mu.Lock()
		s.remoteAddr = from
		s.remoteSeq = h.Seq
		s.remoteBatch = h.Batch
		s.remoteBatchReserved = h.Batch
		s.timeLastRecv = now

		synack := protocol.Header{
			Seq:   s.localSeq,
			Batch: s.localBatch,
			Flags: protocol.FlagSYN | protocol.FlagACK | protocol.FlagREL,
		}
		s.localSeq++
		s.localBatch++
		wire := protocol.Encode(synack, nil)
		s.recent.insert(synack, wire, now)
		s.conn.WriteToUDP(wire, from)
		s.timeLastSend = now

		s.state = stateConnected
		s.startIOLocked()
		s.mu.Unlock()
		return nil
	}
}

// Disconnect closes the session gracefully: FIN, wait for the peer's
// FIN+ACK up to the total timeout, then reset. No-op outside CONNECTED.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.state != stateConnected {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	fin := protocol.Header{Seq: s.localSeq, Batch: s.localBatch, Flags: protocol.FlagFIN | protocol.FlagREL}
	s.localSeq++
	s.localBatch++
	wire := protocol.Encode(fin, nil)
	s.recent.insert(fin, wire, now)
	s.conn.WriteToUDP(wire, s.remoteAddr)
	s.timeLastSend = now
	s.state = stateClosing

	deadline := now.Add(s.config.TimeoutTotal)
	for s.state == stateClosing && time.Now().Before(deadline) {
		s.recvCond.Wait()
	}
	if s.state != stateDisconnected {
		s.teardownLocked()
	}
	s.mu.Unlock()

	s.stopIO()
}

// Send transmits data to the peer. Reliable messages are assigned a batch
// number, tracked for retransmission and delivered in order on the far
// side; best-effort messages are fire and forget. Send returns once the
// datagram is handed to the UDP layer, not once it is acknowledged.
func (s *Socket) Send(data []byte, reliable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateConnected {
		return ErrNotConnected
	}
	if len(data)+protocol.HeaderSize > s.config.MaxDatagramSize {
		return ErrMessageTooBig
	}

	h := protocol.Header{Seq: s.localSeq}
	s.localSeq++
	if reliable {
		h.Batch = s.localBatch
		s.localBatch++
		h.Flags |= protocol.FlagREL
	}

	now := time.Now()
	wire := protocol.Encode(h, data)
	if _, err := s.conn.WriteToUDP(wire, s.remoteAddr); err != nil {
		return fmt.Errorf("send datagram: %w", err)
	}
	if reliable {
		s.recent.insert(h, wire, now)
	}
	s.timeLastSend = now
	return nil
}

// SendPacket transmits a caller-built packet honoring its Reliable flag.
func (s *Socket) SendPacket(p *protocol.Packet) error {
	return s.Send(p.Data, p.Reliable)
}

// Receive pops the next deliverable message into p. In blocking mode it
// waits until a message commits, the session ends, the total timeout
// expires, or Cancel fires. Committed messages remain drainable after the
// session ends.
func (s *Socket) Receive(p *protocol.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch := s.cancelEpoch.Load()
	deadline := time.Now().Add(s.config.TimeoutTotal)
	for {
		if sl, ok := s.queue.popFrontCommitted(); ok {
			p.Data = sl.payload
			p.Reliable = sl.reliable
			return nil
		}
		if s.state == stateDisconnected {
			if s.closedByPeer {
				return ErrPeerClosed
			}
			return ErrNotConnected
		}
		if !s.blocking {
			return ErrWouldBlock
		}
		if s.cancelEpoch.Load() != epoch {
			return ErrCancelled
		}
		if !time.Now().Before(deadline) {
			return ErrTimeout
		}
		s.recvCond.Wait()
	}
}

// DebugState returns a one-line summary of the session counters.
func (s *Socket) DebugState() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := map[state]string{
		stateDisconnected: "DISCONNECTED",
		stateConnected:    "CONNECTED",
		stateClosing:      "CLOSING",
	}
	return fmt.Sprintf("state=%s seq=%d batch=%d rseq=%d rbatch=%d rreserved=%d pending=%d queued=%d",
		states[s.state], s.localSeq, s.localBatch,
		s.remoteSeq, s.remoteBatch, s.remoteBatchReserved,
		len(s.recent), s.queue.len())
}

// --- Internal helpers ---

// sendControlLocked emits a control datagram (ACK, KEP, FIN+ACK). Control
// datagrams consume a sequence number but never a batch number; the batch
// field names the batch being acknowledged, when any.
func (s *Socket) sendControlLocked(flags uint32, batch uint32) {
	h := protocol.Header{Seq: s.localSeq, Batch: batch, Flags: flags}
	s.localSeq++
	if s.conn != nil && s.remoteAddr != nil {
		s.conn.WriteToUDP(protocol.Encode(h, nil), s.remoteAddr)
		s.timeLastSend = time.Now()
	}
}

// resetSessionLocked zeroes all per-session state for a fresh handshake.
func (s *Socket) resetSessionLocked(now time.Time) {
	s.localSeq = 0
	s.localBatch = 0
	s.remoteSeq = 0
	s.remoteBatch = 0
	s.remoteBatchReserved = 0
	s.remoteAddr = nil
	s.queue.clear()
	s.recent.clear()
	s.timeLastSend = now
	s.timeLastRecv = now
	s.closedByPeer = false
}

// teardownLocked ends the session: undeliverable queue slots are dropped,
// pending packets forgotten, blocked callers woken. Committed slots before
// the first hole stay drainable.
func (s *Socket) teardownLocked() {
	s.state = stateDisconnected
	s.closedByPeer = true
	s.recent.clear()
	s.queue.dropReservations()
	s.remoteAddr = nil
	s.runIO.Store(false)
	s.recvCond.Broadcast()
}

// abortHandshake rolls back a failed connect attempt.
func (s *Socket) abortHandshake() {
	s.mu.Lock()
	s.resetSessionLocked(time.Now())
	s.state = stateDisconnected
	s.mu.Unlock()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
