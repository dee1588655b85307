package transport

import "time"

// Wire limits.
const (
	// Max bytes per websocket frame read. Credential documents with key material
	// are larger than chat frames, so this is generous.
	maxFrameBytes = 1 << 20 // 1 MiB

	// Max message text length (runes) accepted by SendText.
	maxMessageChars = 4000
)

const (
	defaultDialTimeout    = 15 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultRequestTimeout = 20 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	defaultEventBuffer = 256
	minEventBuffer     = 16
)
