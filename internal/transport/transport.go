// Package transport provides a network abstraction layer over the RCP
// engine. This allows swapping the real engine, future QUIC, or mock
// implementations without changing application logic.
package transport

import (
	"errors"
	"time"
)

// ErrUnknownPeer is returned when sending to an address with no session.
var ErrUnknownPeer = errors.New("no session with this peer")

// Transport is the interface for network communication. An instance
// speaks to one peer at a time; Listen waits for peers sequentially.
type Transport interface {
	// Listen starts listening on the given address.
	Listen(addr string) error

	// Close shuts down the transport.
	Close() error

	// SendUnreliable sends data without guaranteed delivery.
	SendUnreliable(addr string, data []byte) error

	// SendReliable sends data with guaranteed, ordered delivery.
	SendReliable(addr string, data []byte) error

	// OnMessage registers a handler for incoming messages.
	OnMessage(handler MessageHandler)

	// OnConnect registers a handler for new sessions.
	OnConnect(handler ConnectHandler)

	// OnDisconnect registers a handler for ended sessions.
	OnDisconnect(handler DisconnectHandler)

	// LocalAddr returns the local address we're listening on.
	LocalAddr() string
}

// MessageHandler is called when a message is received. reliable reports
// how the sender shipped it.
type MessageHandler func(addr string, data []byte, reliable bool)

// ConnectHandler is called when a session is established.
type ConnectHandler func(addr string)

// DisconnectHandler is called when a session ends.
type DisconnectHandler func(addr string)

// Config holds transport configuration.
type Config struct {
	MaxMessageSize int
	TimeoutTotal   time.Duration
	TimeoutShort   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 1400, // Safe for UDP
		TimeoutTotal:   5 * time.Second,
		TimeoutShort:   200 * time.Millisecond,
	}
}
