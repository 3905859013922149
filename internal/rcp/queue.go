package rcp

import "time"

// slot is one entry of the delivery queue: either a committed message
// ready for the caller, or a hole reserved for a reliable batch that has
// not arrived yet.
type slot struct {
	payload   []byte
	reliable  bool
	committed bool
	batch     uint32 // batch bound to a reserved slot
}

// reservation indexes an outstanding hole by its queue position and
// records when it was created, for timeout accounting.
type reservation struct {
	index   uint64
	created time.Time
}

// deliveryQueue is the receive-side queue. Slots are addressed by
// absolute position (monotonic across the queue's lifetime) so the
// reservation map stays valid when the front is popped.
type deliveryQueue struct {
	slots    []slot
	off      uint64 // absolute index of slots[0]
	reserved map[uint32]reservation
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{reserved: make(map[uint32]reservation)}
}

func (q *deliveryQueue) len() int {
	return len(q.slots)
}

// pushCommitted appends a committed slot and returns its absolute index.
func (q *deliveryQueue) pushCommitted(payload []byte, reliable bool) uint64 {
	q.slots = append(q.slots, slot{payload: payload, reliable: reliable, committed: true})
	return q.off + uint64(len(q.slots)) - 1
}

// reserve appends a hole bound to batch and records the reservation.
func (q *deliveryQueue) reserve(batch uint32, now time.Time) uint64 {
	q.slots = append(q.slots, slot{batch: batch})
	idx := q.off + uint64(len(q.slots)) - 1
	q.reserved[batch] = reservation{index: idx, created: now}
	return idx
}

// commitReserved converts the hole bound to batch into a committed slot.
func (q *deliveryQueue) commitReserved(batch uint32, payload []byte) error {
	res, ok := q.reserved[batch]
	if !ok {
		return errUnknownReservation
	}
	s := &q.slots[res.index-q.off]
	s.payload = payload
	s.reliable = true
	s.committed = true
	delete(q.reserved, batch)
	return nil
}

func (q *deliveryQueue) hasReservation(batch uint32) bool {
	_, ok := q.reserved[batch]
	return ok
}

// oldestReservation returns the creation time of the oldest hole.
func (q *deliveryQueue) oldestReservation() (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, res := range q.reserved {
		if !found || res.created.Before(oldest) {
			oldest = res.created
			found = true
		}
	}
	return oldest, found
}

// popFrontCommitted removes and returns the head slot if it is committed.
func (q *deliveryQueue) popFrontCommitted() (slot, bool) {
	if len(q.slots) == 0 || !q.slots[0].committed {
		return slot{}, false
	}
	s := q.slots[0]
	q.slots[0] = slot{} // release payload
	q.slots = q.slots[1:]
	q.off++
	return s, true
}

// dropReservations truncates the queue from the first hole onward.
// Committed slots behind a hole are undeliverable without breaking batch
// order, so they go with it; the committed prefix stays drainable.
func (q *deliveryQueue) dropReservations() {
	if len(q.reserved) == 0 {
		return
	}
	first := q.off + uint64(len(q.slots))
	for _, res := range q.reserved {
		if res.index < first {
			first = res.index
		}
	}
	for i := first - q.off; i < uint64(len(q.slots)); i++ {
		q.slots[i] = slot{}
	}
	q.slots = q.slots[:first-q.off]
	q.reserved = make(map[uint32]reservation)
}

func (q *deliveryQueue) clear() {
	q.slots = nil
	q.off = 0
	q.reserved = make(map[uint32]reservation)
}
