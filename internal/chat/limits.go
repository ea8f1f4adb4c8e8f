package chat

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

const (
	// DefaultFlushInterval is the periodic write-back cadence across all cached rooms.
	DefaultFlushInterval = 60 * time.Second

	// DefaultPageSize is the history page size for hydration and pagination.
	DefaultPageSize = 30
)
