package rcp

import "time"

// AnyPort requests an OS-assigned port from Bind.
const AnyPort uint16 = 0

// Config holds engine tuning.
type Config struct {
	// TimeoutTotal is the session-loss horizon: an unacknowledged reliable
	// packet, a silent peer, or an unfilled reservation older than this
	// tears the connection down. It also bounds each blocking call.
	TimeoutTotal time.Duration

	// TimeoutShort is the retransmit/keepalive period and the granularity
	// of longer waits.
	TimeoutShort time.Duration

	// Blocking sets the default blocking mode for connect/accept/receive.
	Blocking bool

	// MaxDatagramSize caps the full datagram (header + payload).
	MaxDatagramSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TimeoutTotal:    5000 * time.Millisecond,
		TimeoutShort:    200 * time.Millisecond,
		Blocking:        true,
		MaxDatagramSize: 1400, // Safe for UDP
	}
}
