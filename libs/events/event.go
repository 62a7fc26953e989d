// Package events defines the domain events carried on the activity bus.
//
// Every event has an immutable id, a UTC occurrence time and a stable type
// discriminator. The lower-cased type doubles as the AMQP routing key, so types
// must not contain topic wildcards.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidType = errors.New("invalid event type")

// MaxTypeLen is the longest type that fits an AMQP short string, which carries
// both the routing key and the type property.
const MaxTypeLen = 255

// Event is the contract every domain event satisfies.
type Event interface {
	EventID() uuid.UUID
	OccurredAt() time.Time
	EventType() string
}

// Base carries the envelope fields shared by all events. It is populated once by
// NewBase and exposes read-only accessors.
type Base struct {
	ID   uuid.UUID `json:"eventId"`
	At   time.Time `json:"occurredAt"`
	Type string    `json:"eventType"`
}

func NewBase(eventType string) Base {
	return Base{
		ID:   uuid.New(),
		At:   time.Now().UTC(),
		Type: eventType,
	}
}

func (b Base) EventID() uuid.UUID    { return b.ID }
func (b Base) OccurredAt() time.Time { return b.At }
func (b Base) EventType() string     { return b.Type }

// RoutingKey is the topic routing key for an event type.
func RoutingKey(eventType string) string {
	return strings.ToLower(strings.TrimSpace(eventType))
}

// ValidateType rejects types that would not route as a single literal key.
func ValidateType(eventType string) error {
	if strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidType)
	}
	if strings.ContainsAny(eventType, "*# \t\r\n") {
		return fmt.Errorf("%w: %q contains wildcard or whitespace", ErrInvalidType, eventType)
	}
	if n := max(len(eventType), len(RoutingKey(eventType))); n > MaxTypeLen {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidType, n, MaxTypeLen)
	}
	return nil
}

// Envelope is the minimal view of a message body a generic consumer needs.
type Envelope struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredAt time.Time       `json:"occurredAt"`
	Raw        json.RawMessage `json:"-"`
}

// DecodeEnvelope parses the envelope fields of a JSON body. The body must be a
// JSON object; unknown fields are kept in Raw for typed decoding later.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env.Raw = append(json.RawMessage(nil), body...)
	return env, nil
}

// Decode unmarshals the full body into a typed event.
func Decode[T any](env Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Raw, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}
