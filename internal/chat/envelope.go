package chat

import (
	"encoding/json"
	"time"

	v1 "parley/contracts/chat/v1"
)

// newEnvelope wraps a payload into a v1 envelope with a fresh ULID.
func newEnvelope(typ string, payload any, now time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	id, _ := NewEnvelopeID(now)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: raw,
	}
}

// wireMessages converts canonical messages to their wire representation.
func wireMessages(msgs []Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Wire())
	}
	return out
}
