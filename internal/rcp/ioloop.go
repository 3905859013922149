package rcp

import (
	"net"
	"time"

	"github.com/LemmyAI/rcp/internal/protocol"
)

// startIOLocked launches the background I/O goroutine. Called with s.mu
// held, once the handshake has succeeded.
func (s *Socket) startIOLocked() {
	s.runIO.Store(true)
	s.ioWG.Add(1)
	go s.ioLoop()
}

// stopIO asks the I/O goroutine to exit and waits for it. A self-addressed
// wakeup unblocks a read in flight.
func (s *Socket) stopIO() {
	s.runIO.Store(false)

	s.mu.Lock()
	if s.conn != nil {
		h := protocol.Header{Seq: s.localSeq, Flags: protocol.FlagCANCEL}
		s.conn.WriteToUDP(protocol.Encode(h, nil), &net.UDPAddr{
			IP:   net.IPv4(127, 0, 0, 1),
			Port: int(s.localPort),
		})
	}
	s.mu.Unlock()

	s.ioWG.Wait()
}

// ioLoop is the single background task driving the session: it waits on
// the socket until the next timer deadline, processes whatever datagram
// arrives, and otherwise dispatches the due timer event. The mutex is held
// only across shared-state mutation, never across the read.
func (s *Socket) ioLoop() {
	defer s.ioWG.Done()

	buf := make([]byte, s.config.MaxDatagramSize)
	for s.runIO.Load() {
		s.mu.Lock()
		ev := s.nextEventLocked(time.Now())
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(ev.remaining))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				s.dispatchTimers()
				continue
			}
			if !s.runIO.Load() {
				return
			}
			// Socket gone under us.
			s.mu.Lock()
			s.teardownLocked()
			s.mu.Unlock()
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, from)
	}
}

// dispatchTimers fires the due timer event, if still due after re-checking
// under the lock. Every tick also wakes timed waiters so they can observe
// their own deadlines.
func (s *Socket) dispatchTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	ev := s.nextEventLocked(now)
	if ev.remaining <= 0 {
		switch ev.kind {
		case eventAckResend:
			if s.conn != nil && s.remoteAddr != nil {
				s.conn.WriteToUDP(ev.resend.wire, s.remoteAddr)
				ev.resend.lastResend = now
				s.timeLastSend = now
			}
		case eventKeepalive:
			s.sendControlLocked(protocol.FlagKEP, 0)
		case eventAckTimeout, eventRecvTimeout, eventReserveTimeout:
			s.teardownLocked()
		case eventReloop:
			// Nothing due; the broadcast below is the whole point.
		}
	}
	s.recvCond.Broadcast()
}

// handleDatagram validates and processes one incoming datagram.
func (s *Socket) handleDatagram(data []byte, from *net.UDPAddr) {
	h, err := protocol.ParseHeader(data)
	if err != nil {
		return
	}
	payload := data[protocol.HeaderSize:]

	s.mu.Lock()
	defer s.mu.Unlock()

	if h.Has(protocol.FlagCANCEL) {
		// Loopback wakeup from Cancel or stopIO. Anything else carrying
		// CANCEL is bogus and dropped; the check below never matches a
		// remote sender.
		if from.IP.IsLoopback() && uint16(from.Port) == s.localPort && h.Seq == s.localSeq {
			s.recvCond.Broadcast()
		}
		return
	}
	if !udpAddrEqual(from, s.remoteAddr) {
		return
	}

	if h.Seq > s.remoteSeq {
		s.remoteSeq = h.Seq
	}
	s.timeLastRecv = time.Now()

	switch {
	case h.Has(protocol.FlagKEP):
		// Liveness only.

	case h.Has(protocol.FlagACK):
		s.recent.ack(h.Batch)
		if h.Has(protocol.FlagFIN) && s.state == stateClosing {
			s.teardownLocked()
		} else if h.Has(protocol.FlagSYN) && h.Has(protocol.FlagREL) {
			// Retransmitted SYN+ACK: our ack got lost, repeat it.
			s.sendControlLocked(protocol.FlagACK, h.Batch)
		}

	case h.Has(protocol.FlagSYN):
		// Duplicate handshake from the current peer; never resets the
		// session.
		if h.Has(protocol.FlagREL) {
			s.sendControlLocked(protocol.FlagACK, h.Batch)
		}

	case h.Has(protocol.FlagFIN):
		s.sendControlLocked(protocol.FlagFIN|protocol.FlagACK, h.Batch)
		s.teardownLocked()

	case h.Has(protocol.FlagREL):
		if s.state == stateConnected {
			s.handleReliableLocked(h, payload)
		} else {
			// Closing: acknowledge so the peer stops resending, but
			// deliver nothing new.
			s.sendControlLocked(protocol.FlagACK, h.Batch)
		}

	default:
		// Best-effort data: committed immediately in arrival order,
		// bypassing reservations entirely.
		if s.state == stateConnected {
			s.queue.pushCommitted(payload, false)
			s.recvCond.Broadcast()
		}
	}
}

// handleReliableLocked runs the ordered-delivery logic for a reliable data
// packet. Every path acknowledges the batch: the peer retransmits until it
// hears the ack, so duplicates are routine.
func (s *Socket) handleReliableLocked(h protocol.Header, payload []byte) {
	b := h.Batch
	switch {
	case b <= s.remoteBatch:
		// Already committed in order.

	case b <= s.remoteBatchReserved:
		// Either fills a hole or duplicates an out-of-order commit.
		if s.queue.commitReserved(b, payload) == nil {
			s.advanceRemoteBatchLocked()
			s.recvCond.Broadcast()
		}

	case b == s.remoteBatchReserved+1:
		// The next expected batch.
		s.queue.pushCommitted(payload, true)
		s.remoteBatchReserved = b
		s.advanceRemoteBatchLocked()
		s.recvCond.Broadcast()

	default:
		// Arrived ahead: reserve a slot for every missing batch, then
		// commit this one behind them.
		now := time.Now()
		for m := s.remoteBatchReserved + 1; m < b; m++ {
			s.queue.reserve(m, now)
		}
		s.queue.pushCommitted(payload, true)
		s.remoteBatchReserved = b
		s.recvCond.Broadcast()
	}
	s.sendControlLocked(protocol.FlagACK, b)
}

// advanceRemoteBatchLocked moves remoteBatch past every batch whose slot
// is committed. A batch ≤ remoteBatchReserved without a reservation entry
// is committed by construction.
func (s *Socket) advanceRemoteBatchLocked() {
	for s.remoteBatch < s.remoteBatchReserved && !s.queue.hasReservation(s.remoteBatch+1) {
		s.remoteBatch++
	}
}
