package rcp

import (
	"time"

	"github.com/LemmyAI/rcp/internal/protocol"
)

// recentPacket is a reliable packet awaiting acknowledgment. The wire
// bytes are kept verbatim so a resend is byte-identical to the original.
type recentPacket struct {
	header     protocol.Header
	wire       []byte
	firstSend  time.Time
	lastResend time.Time
}

// recentTable maps batch number to its pending reliable packet.
type recentTable map[uint32]*recentPacket

// insert records a freshly transmitted reliable packet.
func (t recentTable) insert(h protocol.Header, wire []byte, now time.Time) {
	t[h.Batch] = &recentPacket{header: h, wire: wire, firstSend: now, lastResend: now}
}

// ack removes the entry for batch. No-op if absent; acks may arrive in
// any order, and duplicated.
func (t recentTable) ack(batch uint32) {
	delete(t, batch)
}

// oldestResend returns the entry least recently (re)sent.
func (t recentTable) oldestResend() (*recentPacket, bool) {
	var oldest *recentPacket
	for _, rp := range t {
		if oldest == nil || rp.lastResend.Before(oldest.lastResend) {
			oldest = rp
		}
	}
	return oldest, oldest != nil
}

// oldestFirstSend returns the earliest first-transmission time.
func (t recentTable) oldestFirstSend() (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, rp := range t {
		if !found || rp.firstSend.Before(oldest) {
			oldest = rp.firstSend
			found = true
		}
	}
	return oldest, found
}

func (t recentTable) clear() {
	for k := range t {
		delete(t, k)
	}
}
