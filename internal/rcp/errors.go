package rcp

import "errors"

var (
	ErrNotBound         = errors.New("socket not bound")
	ErrAlreadyBound     = errors.New("socket already bound")
	ErrNotConnected     = errors.New("socket not connected")
	ErrAlreadyConnected = errors.New("socket already connected")
	ErrWouldBlock       = errors.New("operation would block")
	ErrCancelled        = errors.New("operation cancelled")
	ErrTimeout          = errors.New("operation timed out")
	ErrPeerClosed       = errors.New("connection closed by peer")
	ErrMessageTooBig    = errors.New("message exceeds max datagram size")
)

// errUnknownReservation reports a commit for a batch with no reserved slot.
var errUnknownReservation = errors.New("no reservation for batch")
