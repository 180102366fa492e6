package bus

import (
	"time"

	"github.com/xraph/txflow/id"
)

// Event is the envelope published to a channel and delivered to
// subscribers.
type Event struct {
	// ID uniquely identifies this event. Assigned at publish time if unset.
	ID id.EventID `json:"id"`

	// Channel is the named channel the event was published on.
	Channel string `json:"channel"`

	// Type identifies the kind of event (e.g. "job.succeeded").
	Type string `json:"type"`

	// Payload is the event-specific data, typically JSON.
	Payload []byte `json:"payload,omitempty"`

	// Origin identifies the publisher (worker ID, service name).
	Origin string `json:"origin,omitempty"`

	// Timestamp is when the event was published. Assigned at publish
	// time if unset.
	Timestamp time.Time `json:"ts"`
}
