package rcp

import (
	"errors"
	"testing"
	"time"

	"github.com/LemmyAI/rcp/internal/protocol"
)

// testConfig keeps protocol timers short so sessions live and die fast.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TimeoutShort = 40 * time.Millisecond
	cfg.TimeoutTotal = 800 * time.Millisecond
	return cfg
}

// newPair establishes a session between two sockets on loopback.
func newPair(t *testing.T) (*Socket, *Socket) {
	t.Helper()

	a := NewSocket(testConfig())
	if err := a.Bind(AnyPort); err != nil {
		t.Fatalf("bind a: %v", err)
	}
	b := NewSocket(testConfig())
	if err := b.Bind(AnyPort); err != nil {
		t.Fatalf("bind b: %v", err)
	}

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- a.Accept() }()

	if err := b.Connect("127.0.0.1", a.LocalPort()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := <-acceptErr; err != nil {
		t.Fatalf("accept: %v", err)
	}

	t.Cleanup(func() {
		a.Unbind()
		b.Unbind()
	})
	return a, b
}

// handshake drives the raw side of a session: tester connects to sock.
func handshake(t *testing.T, sock *Socket, tester *Tester) {
	t.Helper()

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- sock.Accept() }()

	syn := protocol.Header{Seq: 0, Batch: 0, Flags: protocol.FlagSYN | protocol.FlagREL}
	if err := tester.Send(syn, nil, "127.0.0.1", sock.LocalPort()); err != nil {
		t.Fatalf("send SYN: %v", err)
	}

	h, _, _, err := tester.Receive(time.Second)
	if err != nil {
		t.Fatalf("wait SYN+ACK: %v", err)
	}
	if !h.Has(protocol.FlagSYN | protocol.FlagACK) {
		t.Fatalf("expected SYN+ACK, got flags %x", h.Flags)
	}
	ack := protocol.Header{Seq: 1, Batch: h.Batch, Flags: protocol.FlagACK}
	if err := tester.Send(ack, nil, "127.0.0.1", sock.LocalPort()); err != nil {
		t.Fatalf("send ACK: %v", err)
	}

	if err := <-acceptErr; err != nil {
		t.Fatalf("accept: %v", err)
	}
}

// waitAcks drains tester traffic until n acks for batch arrived or the
// deadline passed; returns the count seen.
func waitAcks(tester *Tester, batch uint32, n int, deadline time.Duration) int {
	count := 0
	end := time.Now().Add(deadline)
	for count < n && time.Now().Before(end) {
		h, _, _, err := tester.Receive(time.Until(end))
		if err != nil {
			break
		}
		if h.Has(protocol.FlagACK) && !h.Has(protocol.FlagSYN) && h.Batch == batch {
			count++
		}
	}
	return count
}

func TestHandshakeAndEcho(t *testing.T) {
	a, b := newPair(t)

	if !a.IsConnected() || !b.IsConnected() {
		t.Fatal("sockets not connected after handshake")
	}

	if err := b.Send([]byte("ping"), true); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	var pkt protocol.Packet
	if err := a.Receive(&pkt); err != nil {
		t.Fatalf("receive ping: %v", err)
	}
	if string(pkt.Data) != "ping" || !pkt.Reliable {
		t.Fatalf("got %q reliable=%v", pkt.Data, pkt.Reliable)
	}

	if err := a.Send([]byte("pong"), true); err != nil {
		t.Fatalf("send pong: %v", err)
	}
	if err := b.Receive(&pkt); err != nil {
		t.Fatalf("receive pong: %v", err)
	}
	if string(pkt.Data) != "pong" {
		t.Fatalf("got %q", pkt.Data)
	}

	b.Disconnect()
	if b.IsConnected() {
		t.Error("b still connected after disconnect")
	}

	end := time.Now().Add(testConfig().TimeoutTotal)
	for a.IsConnected() && time.Now().Before(end) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.IsConnected() {
		t.Error("a did not observe the FIN within the total timeout")
	}
}

func TestOutOfOrderReassembly(t *testing.T) {
	sock := NewSocket(testConfig())
	if err := sock.Bind(AnyPort); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer sock.Unbind()

	tester := NewTester()
	if err := tester.Bind(AnyPort); err != nil {
		t.Fatalf("bind tester: %v", err)
	}
	defer tester.Close()

	handshake(t, sock, tester)

	rel := protocol.FlagREL
	tester.Send(protocol.Header{Seq: 2, Batch: 1, Flags: rel}, []byte("one"), "127.0.0.1", sock.LocalPort())
	tester.Send(protocol.Header{Seq: 3, Batch: 3, Flags: rel}, []byte("three"), "127.0.0.1", sock.LocalPort())

	var pkt protocol.Packet
	if err := sock.Receive(&pkt); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(pkt.Data) != "one" {
		t.Fatalf("expected 'one' first, got %q", pkt.Data)
	}

	// Batch 3 is committed behind the batch-2 hole and must stay there.
	sock.SetBlocking(false)
	if err := sock.Receive(&pkt); err != ErrWouldBlock {
		t.Fatalf("hole not respected: err=%v data=%q", err, pkt.Data)
	}

	tester.Send(protocol.Header{Seq: 4, Batch: 2, Flags: rel}, []byte("two"), "127.0.0.1", sock.LocalPort())

	sock.SetBlocking(true)
	if err := sock.Receive(&pkt); err != nil {
		t.Fatalf("receive two: %v", err)
	}
	if string(pkt.Data) != "two" {
		t.Fatalf("expected 'two', got %q", pkt.Data)
	}
	if err := sock.Receive(&pkt); err != nil {
		t.Fatalf("receive three: %v", err)
	}
	if string(pkt.Data) != "three" {
		t.Fatalf("expected 'three', got %q", pkt.Data)
	}
}

func TestReliableBestEffortInterleave(t *testing.T) {
	sock := NewSocket(testConfig())
	if err := sock.Bind(AnyPort); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer sock.Unbind()

	tester := NewTester()
	if err := tester.Bind(AnyPort); err != nil {
		t.Fatalf("bind tester: %v", err)
	}
	defer tester.Close()

	handshake(t, sock, tester)

	tester.Send(protocol.Header{Seq: 2, Batch: 1, Flags: protocol.FlagREL}, []byte("r1"), "127.0.0.1", sock.LocalPort())
	tester.Send(protocol.Header{Seq: 3}, []byte("x"), "127.0.0.1", sock.LocalPort())
	tester.Send(protocol.Header{Seq: 4, Batch: 2, Flags: protocol.FlagREL}, []byte("r2"), "127.0.0.1", sock.LocalPort())

	var got []string
	var reliable []string
	for i := 0; i < 3; i++ {
		var pkt protocol.Packet
		if err := sock.Receive(&pkt); err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		got = append(got, string(pkt.Data))
		if pkt.Reliable {
			reliable = append(reliable, string(pkt.Data))
		}
	}

	if len(reliable) != 2 || reliable[0] != "r1" || reliable[1] != "r2" {
		t.Errorf("reliable order violated: %v (all: %v)", reliable, got)
	}
	foundX := false
	for _, m := range got {
		if m == "x" {
			foundX = true
		}
	}
	if !foundX {
		t.Errorf("best-effort message lost: %v", got)
	}
}

func TestDuplicateReliableIdempotent(t *testing.T) {
	sock := NewSocket(testConfig())
	if err := sock.Bind(AnyPort); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer sock.Unbind()

	tester := NewTester()
	if err := tester.Bind(AnyPort); err != nil {
		t.Fatalf("bind tester: %v", err)
	}
	defer tester.Close()

	handshake(t, sock, tester)

	h := protocol.Header{Seq: 2, Batch: 1, Flags: protocol.FlagREL}
	for i := 0; i < 3; i++ {
		h.Seq = uint32(2 + i)
		tester.Send(h, []byte("once"), "127.0.0.1", sock.LocalPort())
	}

	if n := waitAcks(tester, 1, 3, time.Second); n != 3 {
		t.Errorf("expected 3 acks, got %d", n)
	}

	var pkt protocol.Packet
	if err := sock.Receive(&pkt); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(pkt.Data) != "once" {
		t.Fatalf("got %q", pkt.Data)
	}

	sock.SetBlocking(false)
	if err := sock.Receive(&pkt); err != ErrWouldBlock {
		t.Errorf("duplicate was delivered twice: %v", err)
	}
}

func TestKeepaliveDuringSilence(t *testing.T) {
	sock := NewSocket(testConfig())
	if err := sock.Bind(AnyPort); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer sock.Unbind()

	tester := NewTester()
	if err := tester.Bind(AnyPort); err != nil {
		t.Fatalf("bind tester: %v", err)
	}
	defer tester.Close()

	handshake(t, sock, tester)

	// With no user traffic the socket must emit a KEP within a few short
	// timeouts.
	end := time.Now().Add(3 * testConfig().TimeoutShort)
	for time.Now().Before(end) {
		h, _, _, err := tester.Receive(time.Until(end))
		if err != nil {
			break
		}
		if h.Has(protocol.FlagKEP) {
			return
		}
	}
	t.Error("no keepalive observed during silence")
}

func TestPeerVanishes(t *testing.T) {
	a, b := newPair(t)

	recvErr := make(chan error, 1)
	go func() {
		var pkt protocol.Packet
		recvErr <- a.Receive(&pkt)
	}()

	// The peer goes away without a FIN.
	b.Unbind()

	select {
	case err := <-recvErr:
		if err == nil {
			t.Fatal("blocked receive succeeded with a dead peer")
		}
	case <-time.After(2 * testConfig().TimeoutTotal):
		t.Fatal("blocked receive did not return after the peer vanished")
	}

	end := time.Now().Add(testConfig().TimeoutTotal)
	for a.IsConnected() && time.Now().Before(end) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.IsConnected() {
		t.Error("socket still connected after the receive timeout")
	}
}

func TestCancelUnblocksReceive(t *testing.T) {
	a, _ := newPair(t)

	recvErr := make(chan error, 1)
	go func() {
		var pkt protocol.Packet
		recvErr <- a.Receive(&pkt)
	}()

	time.Sleep(30 * time.Millisecond)
	a.Cancel()

	select {
	case err := <-recvErr:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * testConfig().TimeoutShort):
		t.Fatal("cancel did not unblock receive within a scheduler tick")
	}

	if !a.IsConnected() {
		t.Error("cancel tore down the connection")
	}

	// A fresh receive is not cancelled; only calls in flight were.
	a.SetBlocking(false)
	var pkt protocol.Packet
	if err := a.Receive(&pkt); err != ErrWouldBlock {
		t.Errorf("expected ErrWouldBlock after cancel, got %v", err)
	}
}

func TestAPIErrors(t *testing.T) {
	s := NewSocket(testConfig())

	if err := s.Connect("127.0.0.1", 1); err != ErrNotBound {
		t.Errorf("connect unbound: %v", err)
	}
	if err := s.Accept(); err != ErrNotBound {
		t.Errorf("accept unbound: %v", err)
	}
	if err := s.Send([]byte("x"), true); err != ErrNotConnected {
		t.Errorf("send disconnected: %v", err)
	}

	if err := s.Bind(AnyPort); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer s.Unbind()

	if err := s.Bind(AnyPort); err != ErrAlreadyBound {
		t.Errorf("double bind: %v", err)
	}
	if !s.IsBound() {
		t.Error("IsBound false after bind")
	}
	if s.LocalPort() == 0 {
		t.Error("no port assigned for AnyPort bind")
	}

	s.SetBlocking(false)
	if s.GetBlocking() {
		t.Error("blocking flag did not toggle")
	}
	if err := s.Connect("127.0.0.1", 1); err != ErrWouldBlock {
		t.Errorf("non-blocking connect: %v", err)
	}
	if err := s.Accept(); err != ErrWouldBlock {
		t.Errorf("non-blocking accept: %v", err)
	}

	var pkt protocol.Packet
	if err := s.Receive(&pkt); err != ErrNotConnected {
		t.Errorf("receive disconnected: %v", err)
	}
}

func TestSendPacket(t *testing.T) {
	a, b := newPair(t)

	out := protocol.Packet{Data: []byte("boxed"), Reliable: true}
	if err := b.SendPacket(&out); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	var in protocol.Packet
	if err := a.Receive(&in); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(in.Data) != "boxed" || !in.Reliable {
		t.Fatalf("got %q reliable=%v", in.Data, in.Reliable)
	}
}

func TestOversizedSendRejected(t *testing.T) {
	_, b := newPair(t)

	big := make([]byte, testConfig().MaxDatagramSize)
	if err := b.Send(big, true); err != ErrMessageTooBig {
		t.Errorf("expected ErrMessageTooBig, got %v", err)
	}
}

func TestRetransmissionDeliversAfterLoss(t *testing.T) {
	sock := NewSocket(testConfig())
	if err := sock.Bind(AnyPort); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer sock.Unbind()

	tester := NewTester()
	if err := tester.Bind(AnyPort); err != nil {
		t.Fatalf("bind tester: %v", err)
	}
	defer tester.Close()

	handshake(t, sock, tester)

	if err := sock.Send([]byte("must-arrive"), true); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Ignore the first transmission: the engine must resend the identical
	// bytes until acked.
	var first, second []byte
	end := time.Now().Add(time.Second)
	for time.Now().Before(end) {
		h, payload, _, err := tester.Receive(time.Until(end))
		if err != nil {
			break
		}
		if !h.Has(protocol.FlagREL) || h.Has(protocol.FlagSYN) {
			continue
		}
		if first == nil {
			first = protocol.Encode(h, payload)
			continue
		}
		second = protocol.Encode(h, payload)
		tester.Send(protocol.Header{Seq: 100, Batch: h.Batch, Flags: protocol.FlagACK}, nil, "127.0.0.1", sock.LocalPort())
		break
	}

	if second == nil {
		t.Fatal("no retransmission observed")
	}
	if string(first) != string(second) {
		t.Error("retransmission differs from the original bytes")
	}
}
