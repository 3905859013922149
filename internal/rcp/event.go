package rcp

import "time"

// eventKind enumerates the timer events the I/O loop can wake up for.
type eventKind int

const (
	eventReloop         eventKind = iota // bounded fallback tick
	eventAckResend                       // resend the stalest unacked packet
	eventAckTimeout                      // a reliable packet went unacked too long
	eventKeepalive                       // link idle, emit KEP
	eventRecvTimeout                     // nothing heard from the peer too long
	eventReserveTimeout                  // a reserved hole never filled
)

// event is the next thing the I/O loop must do and how long until then.
type event struct {
	kind      eventKind
	remaining time.Duration
	resend    *recentPacket // set for eventAckResend
}

// nextEventLocked computes the nearest deadline across retransmission,
// keepalive, liveness and reservation timers. Callers hold s.mu.
func (s *Socket) nextEventLocked(now time.Time) event {
	kind := eventReloop
	deadline := now.Add(s.config.TimeoutShort)
	var resend *recentPacket

	if rp, ok := s.recent.oldestResend(); ok {
		if d := rp.lastResend.Add(s.config.TimeoutShort); d.Before(deadline) {
			kind, deadline, resend = eventAckResend, d, rp
		}
	}
	if t, ok := s.recent.oldestFirstSend(); ok {
		if d := t.Add(s.config.TimeoutTotal); d.Before(deadline) {
			kind, deadline, resend = eventAckTimeout, d, nil
		}
	}
	if d := s.timeLastSend.Add(s.config.TimeoutShort); d.Before(deadline) {
		kind, deadline, resend = eventKeepalive, d, nil
	}
	if d := s.timeLastRecv.Add(s.config.TimeoutTotal); d.Before(deadline) {
		kind, deadline, resend = eventRecvTimeout, d, nil
	}
	if t, ok := s.queue.oldestReservation(); ok {
		if d := t.Add(s.config.TimeoutTotal); d.Before(deadline) {
			kind, deadline, resend = eventReserveTimeout, d, nil
		}
	}

	remaining := deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return event{kind: kind, remaining: remaining, resend: resend}
}
