package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/activitybus/libs/amqpx"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	HeaderReplayedAt = "x-replayed-at"

	defaultDeadLetterBatch = 50
)

// DeadLetter is a read-only view of a message parked in a dead-letter queue.
type DeadLetter struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	CorrelationID string    `json:"correlationId"`
	RoutingKey    string    `json:"routingKey"`
	RetryCount    int       `json:"retryCount"`
	Timestamp     time.Time `json:"timestamp"`
	Body          string    `json:"body"`
}

func deadLetterFrom(d amqp.Delivery) DeadLetter {
	meta := amqpx.ExtractEventMeta(d)
	return DeadLetter{
		EventID:       meta.EventID,
		EventType:     meta.EventType,
		CorrelationID: meta.CorrelationID,
		RoutingKey:    d.RoutingKey,
		RetryCount:    ReadRetryState(d.Headers).RetryCount,
		Timestamp:     d.Timestamp,
		Body:          string(d.Body),
	}
}

// PeekDeadLetters returns up to limit messages from the topology's DLQ without
// removing them. Messages are fetched unacknowledged and requeued afterwards.
func PeekDeadLetters(ctx context.Context, opener amqpx.ChannelOpener, t Topology, limit int) ([]DeadLetter, error) {
	t = t.withDefaults()
	if limit <= 0 {
		limit = defaultDeadLetterBatch
	}
	ch, err := opener.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	var held []amqp.Delivery
	defer func() {
		for _, d := range held {
			_ = d.Nack(false, true)
		}
	}()

	out := make([]DeadLetter, 0, limit)
	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, ok, err := ch.Get(t.DeadLetterQueue(), false)
		if err != nil {
			return out, fmt.Errorf("get from %s: %w", t.DeadLetterQueue(), err)
		}
		if !ok {
			break
		}
		held = append(held, d)
		out = append(out, deadLetterFrom(d))
	}
	return out, nil
}

// ReplayDeadLetters moves up to limit messages from the DLQ back to the primary
// exchange with a fresh retry budget. It returns how many were replayed. A
// message whose republish fails is requeued on the DLQ and replay stops.
func ReplayDeadLetters(ctx context.Context, opener amqpx.ChannelOpener, t Topology, limit int, logger *slog.Logger) (int, error) {
	t = t.withDefaults()
	if limit <= 0 {
		limit = defaultDeadLetterBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := opener.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	replayed := 0
	for replayed < limit {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		d, ok, err := ch.Get(t.DeadLetterQueue(), false)
		if err != nil {
			return replayed, fmt.Errorf("get from %s: %w", t.DeadLetterQueue(), err)
		}
		if !ok {
			break
		}

		msg := republishing(d, RetryState{})
		delete(msg.Headers, HeaderRetryCount)
		msg.Headers[HeaderReplayedAt] = time.Now().UTC().Format(time.RFC3339)

		if err := ch.PublishWithContext(ctx, t.Exchange(), d.RoutingKey, false, false, msg); err != nil {
			_ = d.Nack(false, true)
			return replayed, fmt.Errorf("%w: replay %s: %w", ErrPublish, d.MessageId, err)
		}
		if err := d.Ack(false); err != nil {
			// Already republished; the DLQ copy comes back after the channel closes.
			logger.Error("dlq ack failed", "event_id", d.MessageId, "err", err)
		}
		replayed++
		logger.Info("dead letter replayed", "event_id", d.MessageId, "event_type", d.Type, "routing_key", d.RoutingKey)
	}
	return replayed, nil
}
