package chat

import "errors"

// Error taxonomy. No error here is allowed to crash the process; each is
// recovered at the operation boundary that raised it.
var (
	// ErrMalformedPayload marks a send whose payload matches neither the text
	// nor the file shape, or whose file side-effect sequence failed. The
	// message is not appended or broadcast; only the sender is notified.
	ErrMalformedPayload = errors.New("chat: malformed payload")

	// ErrNotJoined marks a room event from a session that never joined the room.
	ErrNotJoined = errors.New("chat: not joined")
)

// transientStoreErr reports whether a store error is a transient outage
// rather than a missing record. Outages defer work (flush retries next tick,
// hydration serves an empty page); they are never fatal.
func transientStoreErr(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}
