package amqpx

import (
	"fmt"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const HeaderCorrelationID = "correlation-id"

// EventMeta is the canonical metadata carried on bus messages across services.
type EventMeta struct {
	EventID       string
	EventType     string
	CorrelationID string
	RoutingKey    string
}

func ExtractEventMeta(d amqp.Delivery) EventMeta {
	eventType := d.Type
	if eventType == "" {
		eventType = d.RoutingKey
	}
	correlationID := d.CorrelationId
	if correlationID == "" {
		correlationID = HeaderString(d.Headers, HeaderCorrelationID)
	}
	return EventMeta{
		EventID:       d.MessageId,
		EventType:     eventType,
		CorrelationID: correlationID,
		RoutingKey:    d.RoutingKey,
	}
}

// HeaderString reads a header as text. Brokers and other clients may hand the
// same logical value back as a string, a byte slice or an integer.
func HeaderString(h amqp.Table, key string) string {
	if h == nil {
		return ""
	}
	switch v := h[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	default:
		return fmt.Sprint(v)
	}
}

// HeaderInt parses a header as a non-negative integer; ok is false when the
// header is absent or unparseable.
func HeaderInt(h amqp.Table, key string) (int, bool) {
	raw := strings.TrimSpace(HeaderString(h, key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// CloneTable copies a header table so a republish never mutates the delivery.
func CloneTable(h amqp.Table) amqp.Table {
	out := make(amqp.Table, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}
