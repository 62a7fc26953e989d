package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
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

const unknownCorrelationID = "unknown"

var errStreamClosed = errors.New("delivery stream closed")

// Outcome is the terminal state of one delivery.
type Outcome string

const (
	OutcomeAcked          Outcome = "acked"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
	// OutcomeRequeued means the retry or dead-letter hop could not be
	// published, so the delivery went back to its queue unchanged.
	OutcomeRequeued Outcome = "requeued"
)

type ConsumerOptions struct {
	Topology   Topology
	Dispatcher *Dispatcher
	Activity   *ActivityLog
	MaxRetries int
	Prefetch   int
	// StartupTimeout bounds the first attempt to declare topology and start
	// consuming. Later reconnects retry until the context is done.
	StartupTimeout time.Duration
	// ReconnectInterval caps the delay between reconnect attempts.
	ReconnectInterval time.Duration
	ConsumerTag       string
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	o.Topology = o.Topology.withDefaults()
	if o.Dispatcher == nil {
		o.Dispatcher = NewDispatcher(nil)
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 30 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 10 * time.Second
	}
	if o.ConsumerTag == "" {
		o.ConsumerTag = o.Topology.Queue() + "-" + uuid.NewString()[:8]
	}
	return o
}

// Consumer reads the primary queue of its topology and settles every delivery
// exactly once: ack on success, otherwise republish to the retry exchange (or
// the dead-letter exchange once MaxRetries is spent) and ack.
type Consumer struct {
	opener amqpx.ChannelOpener
	logger *slog.Logger
	opts   ConsumerOptions
	tracer trace.Tracer

	running   atomic.Bool
	consuming atomic.Bool

	mu      sync.Mutex
	lastErr error
}

func NewConsumer(opener amqpx.ChannelOpener, logger *slog.Logger, opts ConsumerOptions) *Consumer {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		opener: opener,
		logger: logger.With("component", "consumer", "queue", opts.Topology.Queue()),
		opts:   opts,
		tracer: otel.Tracer("eventbus"),
	}
}

func (c *Consumer) Queue() string { return c.opts.Topology.Queue() }

// Running is true from the start of Run until it returns.
func (c *Consumer) Running() bool { return c.running.Load() }

// Consuming is true while a channel is attached and deliveries are flowing.
func (c *Consumer) Consuming() bool { return c.consuming.Load() }

func (c *Consumer) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Consumer) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

type session struct {
	ch         amqpx.Channel
	deliveries <-chan amqp.Delivery
}

// Run consumes until ctx is done and then returns nil. If the first attempt to
// attach does not succeed within StartupTimeout, Run logs the failure and
// returns it wrapped in ErrConsumerStopped.
func (c *Consumer) Run(ctx context.Context) error {
	queue := c.Queue()
	c.running.Store(true)
	consumerRunning.WithLabelValues(queue).Set(1)
	defer func() {
		c.consuming.Store(false)
		c.running.Store(false)
		consumerRunning.WithLabelValues(queue).Set(0)
	}()

	c.logger.Info("consumer starting")
	s, err := backoff.Retry(ctx, func() (session, error) {
		return c.attach(ctx)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxElapsedTime(c.opts.StartupTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("consumer attach failed", "err", err, "retry_in", next)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.setErr(err)
		c.logger.Error("consumer failed to start", "err", err)
		return fmt.Errorf("%w: %w", ErrConsumerStopped, err)
	}

	for {
		err := c.consume(ctx, s)
		if !s.ch.IsClosed() {
			_ = s.ch.Close()
		}
		c.consuming.Store(false)
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}
		c.setErr(err)
		c.logger.Warn("consumer channel lost, reconnecting", "err", err)

		next, ok := c.reattach(ctx)
		if !ok {
			c.logger.Info("consumer stopped")
			return nil
		}
		s = next
	}
}

func (c *Consumer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(500*time.Millisecond, c.opts.ReconnectInterval)
	b.MaxInterval = c.opts.ReconnectInterval
	return b
}

func (c *Consumer) attach(ctx context.Context) (session, error) {
	if err := c.opts.Topology.Declare(ctx, c.opener, c.logger); err != nil {
		return session{}, err
	}
	ch, err := c.opener.Channel()
	if err != nil {
		return session{}, err
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return session{}, fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(c.Queue(), c.opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return session{}, fmt.Errorf("consume: %w", err)
	}
	c.consuming.Store(true)
	c.setErr(nil)
	c.logger.Info("consumer listening", "prefetch", c.opts.Prefetch, "max_retries", c.opts.MaxRetries)
	return session{ch: ch, deliveries: deliveries}, nil
}

func (c *Consumer) reattach(ctx context.Context) (session, bool) {
	b := c.newBackOff()
	for {
		select {
		case <-ctx.Done():
			return session{}, false
		case <-time.After(b.NextBackOff()):
		}
		s, err := c.attach(ctx)
		if err == nil {
			return s, true
		}
		c.setErr(err)
		c.logger.Warn("consumer reconnect failed", "err", err)
	}
}

func (c *Consumer) consume(ctx context.Context, s session) error {
	for {
		if ctx.Err() != nil {
			_ = s.ch.Cancel(c.opts.ConsumerTag, false)
			return nil
		}
		select {
		case <-ctx.Done():
			_ = s.ch.Cancel(c.opts.ConsumerTag, false)
			return nil
		case d, ok := <-s.deliveries:
			if !ok {
				return errStreamClosed
			}
			// The in-flight delivery is settled even if shutdown starts meanwhile.
			c.Handle(context.WithoutCancel(ctx), s.ch, d)
		}
	}
}

// Handle runs one delivery through the state machine and settles it on ch.
func (c *Consumer) Handle(ctx context.Context, ch amqpx.Channel, d amqp.Delivery) Outcome {
	meta := amqpx.ExtractEventMeta(d)
	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = unknownCorrelationID
	}

	ctx = amqpx.ExtractTraceContext(ctx, d)
	ctx, span := c.tracer.Start(ctx, "amqp.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.source", c.Queue()),
			attribute.String("messaging.rabbitmq.routing_key", d.RoutingKey),
		),
	)
	defer span.End()

	env, err := events.DecodeEnvelope(d.Body)
	if env.EventType == "" {
		env.EventType = d.RoutingKey
	}
	eventID := parseEventID(env.EventID, meta.EventID)
	if err == nil {
		err = c.dispatch(ctx, env)
	}

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("ack failed", "event_type", env.EventType, "event_id", eventID, "err", ackErr)
		}
		c.opts.Activity.Record(Activity{EventID: eventID, EventType: env.EventType, Status: StatusConsumed,
			Details: fmt.Sprintf("Queue=%s; CorrelationID=%s", c.Queue(), correlationID)})
		consumedTotal.WithLabelValues(c.Queue(), consumeLabel(c.opts.Dispatcher, env.EventType)).Inc()
		c.logger.Info("event consumed", "event_type", env.EventType, "event_id", eventID, "correlation_id", correlationID)
		c.logger.Debug("event payload", "event_type", env.EventType, "payload", string(d.Body))
		return OutcomeAcked
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Error("event processing failed", "event_type", env.EventType, "event_id", eventID, "correlation_id", correlationID, "err", err)
	return c.fail(ctx, ch, d, eventID, env.EventType, correlationID, err)
}

func (c *Consumer) dispatch(ctx context.Context, env events.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.opts.Dispatcher.Dispatch(ctx, env)
}

func (c *Consumer) fail(ctx context.Context, ch amqpx.Channel, d amqp.Delivery, eventID uuid.UUID, eventType, correlationID string, cause error) Outcome {
	state := ReadRetryState(d.Headers)
	if state.CorrelationID == "" && d.CorrelationId != "" {
		state.CorrelationID = d.CorrelationId
	}

	exchange := c.opts.Topology.RetryExchange()
	outcome := OutcomeRetryScheduled
	next := state
	if state.RetryCount >= c.opts.MaxRetries {
		exchange = c.opts.Topology.DeadLetterExchange()
		outcome = OutcomeDeadLettered
	} else {
		next.RetryCount++
	}

	if err := ch.PublishWithContext(ctx, exchange, d.RoutingKey, false, false, republishing(d, next)); err != nil {
		c.logger.Error("republish failed, requeueing", "exchange", exchange, "event_type", eventType, "event_id", eventID, "err", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("nack failed", "event_type", eventType, "event_id", eventID, "err", nackErr)
		}
		c.opts.Activity.Record(Activity{EventID: eventID, EventType: eventType, Status: StatusFailed,
			Details: fmt.Sprintf("Requeued; republish to %s failed: %v; cause: %v", exchange, err, cause)})
		requeuedTotal.WithLabelValues(c.Queue(), consumeLabel(c.opts.Dispatcher, eventType)).Inc()
		return OutcomeRequeued
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed", "event_type", eventType, "event_id", eventID, "err", err)
	}

	var details string
	if outcome == OutcomeDeadLettered {
		details = fmt.Sprintf("DeadLettered after %d retries; Exchange=%s; Error=%v", state.RetryCount, exchange, cause)
		deadLetteredTotal.WithLabelValues(c.Queue(), consumeLabel(c.opts.Dispatcher, eventType)).Inc()
		c.logger.Warn("event sent to dead-letter queue", "event_type", eventType, "event_id", eventID, "correlation_id", correlationID, "retries", state.RetryCount)
	} else {
		details = fmt.Sprintf("RetryScheduled %d/%d; Exchange=%s; Error=%v", next.RetryCount, c.opts.MaxRetries, exchange, cause)
		retriedTotal.WithLabelValues(c.Queue(), consumeLabel(c.opts.Dispatcher, eventType)).Inc()
		c.logger.Warn("event retry scheduled", "event_type", eventType, "event_id", eventID, "correlation_id", correlationID, "retry", next.RetryCount)
	}
	c.opts.Activity.Record(Activity{EventID: eventID, EventType: eventType, Status: StatusFailed, Details: details})
	return outcome
}

func parseEventID(candidates ...string) uuid.UUID {
	for _, s := range candidates {
		if id, err := uuid.Parse(s); err == nil {
			return id
		}
	}
	return uuid.Nil
}
