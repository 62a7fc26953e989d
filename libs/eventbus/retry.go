package eventbus

import (
	"strconv"

	"github.com/md-rashed-zaman/activitybus/libs/amqpx"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultMaxRetries = 3
	HeaderRetryCount  = "x-retry-count"
)

// RetryState is the typed form of the retry headers a message carries.
type RetryState struct {
	RetryCount    int
	CorrelationID string
}

// ReadRetryState decodes retry headers. A missing or unparseable count is 0.
func ReadRetryState(h amqp.Table) RetryState {
	n, _ := amqpx.HeaderInt(h, HeaderRetryCount)
	return RetryState{
		RetryCount:    n,
		CorrelationID: amqpx.HeaderString(h, amqpx.HeaderCorrelationID),
	}
}

// Apply returns a copy of h carrying s. The count is written as a decimal
// string for compatibility with other clients on the same queues.
func (s RetryState) Apply(h amqp.Table) amqp.Table {
	out := amqpx.CloneTable(h)
	out[HeaderRetryCount] = strconv.Itoa(s.RetryCount)
	if s.CorrelationID != "" {
		out[amqpx.HeaderCorrelationID] = s.CorrelationID
	}
	return out
}

// republishing clones the delivery's properties and body for a retry or
// dead-letter hop.
func republishing(d amqp.Delivery, s RetryState) amqp.Publishing {
	mode := d.DeliveryMode
	if mode == 0 {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		Headers:         s.Apply(d.Headers),
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    mode,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}
