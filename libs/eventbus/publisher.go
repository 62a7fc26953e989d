package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/activitybus/libs/amqpx"
	"github.com/md-rashed-zaman/activitybus/libs/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type PublisherOptions struct {
	Topology Topology
	Activity *ActivityLog
	AppID    string
}

// Publisher sends domain events to the primary exchange of its topology. It owns
// a single channel; Publish calls are serialized on it.
type Publisher struct {
	opener   amqpx.ChannelOpener
	logger   *slog.Logger
	topology Topology
	activity *ActivityLog
	appID    string
	tracer   trace.Tracer

	mu      sync.Mutex
	ch      amqpx.Channel
	started bool
	// attempted is set by Start and cleared by Close; a failed attempt leaves
	// it set so Publish retries the start on demand.
	attempted bool
	lastErr   error
}

// MaxCorrelationIDLen is the AMQP short string limit of the correlation-id
// property.
const MaxCorrelationIDLen = 255

func NewPublisher(opener amqpx.ChannelOpener, logger *slog.Logger, opts PublisherOptions) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		opener:   opener,
		logger:   logger.With("component", "publisher"),
		topology: opts.Topology.withDefaults(),
		activity: opts.Activity,
		appID:    opts.AppID,
		tracer:   otel.Tracer("eventbus"),
	}
}

// Start declares the topology and opens the publishing channel. Calling it
// on a started publisher does nothing. After a failed Start, Publish retries
// the start itself, so a broker that recovers later is picked up.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempted = true
	return p.startLocked(ctx)
}

// StartWithin retries Start with exponential backoff until it succeeds or
// timeout elapses, returning the last error in that case.
func (p *Publisher) StartWithin(ctx context.Context, timeout, maxInterval time.Duration) error {
	if maxInterval <= 0 {
		maxInterval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(500*time.Millisecond, maxInterval)
	b.MaxInterval = maxInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.Start(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("publisher start failed", "err", err, "retry_in", next)
		}),
	)
	return err
}

func (p *Publisher) startLocked(ctx context.Context) error {
	if p.started {
		return nil
	}
	if err := p.topology.Declare(ctx, p.opener, p.logger); err != nil {
		p.lastErr = err
		return err
	}
	ch, err := p.opener.Channel()
	if err != nil {
		p.lastErr = fmt.Errorf("%w: %w", ErrPublish, err)
		return p.lastErr
	}
	p.ch = ch
	p.started = true
	p.lastErr = nil
	p.logger.Info("publisher started", "exchange", p.topology.Exchange())
	return nil
}

// Started reports whether the publishing channel is ready for use.
func (p *Publisher) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// LastError is the error of the most recent failed start, nil once started.
func (p *Publisher) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

type publishConfig struct {
	correlationID string
}

type PublishOption func(*publishConfig)

// WithCorrelationID tags the message with an existing correlation id instead of
// the event id.
func WithCorrelationID(id string) PublishOption {
	return func(c *publishConfig) { c.correlationID = id }
}

// CorrelationID is the correlation id opts select, or fallback when none does.
func CorrelationID(fallback string, opts ...PublishOption) string {
	cfg := publishConfig{correlationID: fallback}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.correlationID
}

// Publish sends ev with persistent delivery. Every call records exactly one
// Published or Failed activity. Failures are returned wrapped in ErrPublish.
func (p *Publisher) Publish(ctx context.Context, ev events.Event, opts ...PublishOption) error {
	if ev == nil {
		return p.fail(uuid.Nil, "", fmt.Errorf("%w: nil event", ErrInvalidEvent))
	}
	eventID, eventType := ev.EventID(), ev.EventType()
	if err := events.ValidateType(eventType); err != nil {
		return p.fail(eventID, eventType, fmt.Errorf("%w: %w", ErrInvalidEvent, err))
	}

	cfg := publishConfig{correlationID: CorrelationID(eventID.String(), opts...)}
	if len(cfg.correlationID) > MaxCorrelationIDLen {
		return p.fail(eventID, eventType, fmt.Errorf("%w: correlation id is %d bytes, limit %d",
			ErrInvalidEvent, len(cfg.correlationID), MaxCorrelationIDLen))
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return p.fail(eventID, eventType, fmt.Errorf("%w: marshal: %w", ErrInvalidEvent, err))
	}

	exchange := p.topology.Exchange()
	routingKey := events.RoutingKey(eventType)

	ctx, span := p.tracer.Start(ctx, "amqp.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", exchange),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
			attribute.String("messaging.message_id", eventID.String()),
		),
	)
	defer span.End()

	headers := amqp.Table{amqpx.HeaderCorrelationID: cfg.correlationID}
	headers = amqpx.InjectTraceHeaders(ctx, headers)

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: cfg.correlationID,
		MessageId:     eventID.String(),
		Timestamp:     ev.OccurredAt(),
		Type:          eventType,
		AppId:         p.appID,
		Body:          body,
	}

	if err := p.send(ctx, exchange, routingKey, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.fail(eventID, eventType, err)
	}

	details := fmt.Sprintf("Exchange=%s; RoutingKey=%s; CorrelationID=%s", exchange, routingKey, cfg.correlationID)
	p.activity.Record(Activity{EventID: eventID, EventType: eventType, Status: StatusPublished, Details: details})
	publishedTotal.WithLabelValues(publishLabel(eventType), string(StatusPublished)).Inc()
	p.logger.Info("event published", "event_type", eventType, "event_id", eventID, "routing_key", routingKey, "correlation_id", cfg.correlationID)
	return nil
}

func (p *Publisher) send(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		if !p.attempted {
			return ErrNotStarted
		}
		if err := p.startLocked(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrNotStarted, err)
		}
	}
	if p.ch == nil || p.ch.IsClosed() {
		p.logger.Warn("publishing channel closed, reopening")
		ch, err := p.opener.Channel()
		if err != nil {
			return err
		}
		p.ch = ch
	}
	return p.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
}

func (p *Publisher) fail(eventID uuid.UUID, eventType string, err error) error {
	if !errors.Is(err, ErrPublish) {
		err = fmt.Errorf("%w: %w", ErrPublish, err)
	}
	p.activity.Record(Activity{EventID: eventID, EventType: eventType, Status: StatusFailed, Details: err.Error()})
	publishedTotal.WithLabelValues(publishLabel(eventType), string(StatusFailed)).Inc()
	p.logger.Error("event publish failed", "event_type", eventType, "event_id", eventID, "err", err)
	return err
}

// Close releases the publishing channel. Publish after Close reports ErrNotStarted.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	p.attempted = false
	if p.ch == nil || p.ch.IsClosed() {
		p.ch = nil
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
