package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/md-rashed-zaman/activitybus/libs/amqpx"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange   = "activity.events"
	DefaultRetryDelay = 5 * time.Second

	retrySuffix      = ".retry"
	deadLetterSuffix = ".dlq"
	matchAll         = "#"
)

// Binding routes messages from an exchange owned by someone else into a
// topology's primary queue.
type Binding struct {
	Exchange string
	Key      string
}

// Topology names a primary/retry/dead-letter triple. Each exchange and its queue
// share a name:
//
//	<Name>        primary; consumers read here
//	<Name>.retry  holds failed messages for RetryDelay, then dead-letters them back to <Name>
//	<Name>.dlq    terminal
type Topology struct {
	Name           string
	RetryDelay     time.Duration
	SourceBindings []Binding
}

func DefaultTopology() Topology {
	return Topology{Name: DefaultExchange, RetryDelay: DefaultRetryDelay}
}

// MaxRetryDelay is the largest x-message-ttl the broker accepts, a signed
// 32-bit count of milliseconds.
const MaxRetryDelay = math.MaxInt32 * time.Millisecond

func (t Topology) withDefaults() Topology {
	if t.Name == "" {
		t.Name = DefaultExchange
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = DefaultRetryDelay
	}
	if t.RetryDelay > MaxRetryDelay {
		t.RetryDelay = MaxRetryDelay
	}
	return t
}

func (t Topology) Exchange() string           { return t.withDefaults().Name }
func (t Topology) RetryExchange() string      { return t.Exchange() + retrySuffix }
func (t Topology) DeadLetterExchange() string { return t.Exchange() + deadLetterSuffix }

func (t Topology) Queue() string           { return t.Exchange() }
func (t Topology) RetryQueue() string      { return t.RetryExchange() }
func (t Topology) DeadLetterQueue() string { return t.DeadLetterExchange() }

type queueSpec struct {
	name string
	args amqp.Table
}

func (t Topology) queues() []queueSpec {
	t = t.withDefaults()
	return []queueSpec{
		{name: t.Queue(), args: amqp.Table{"x-dead-letter-exchange": t.RetryExchange()}},
		{name: t.RetryQueue(), args: amqp.Table{
			"x-message-ttl":          int32(t.RetryDelay / time.Millisecond),
			"x-dead-letter-exchange": t.Exchange(),
		}},
		{name: t.DeadLetterQueue()},
	}
}

func (t Topology) exchanges() []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, b := range t.SourceBindings {
		add(b.Exchange)
	}
	add(t.Exchange())
	add(t.RetryExchange())
	add(t.DeadLetterExchange())
	return out
}

// Declare creates the exchanges, queues and bindings on a dedicated channel and
// closes it afterwards. It is idempotent. A queue that exists with different
// arguments is deleted and redeclared.
func (t Topology) Declare(ctx context.Context, opener amqpx.ChannelOpener, logger *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTopology, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &declarer{opener: opener, logger: logger}
	defer d.close()
	if err := d.reset(); err != nil {
		return fmt.Errorf("%w: %w", ErrTopology, err)
	}

	for _, name := range t.exchanges() {
		if err := d.ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: exchange %s: %w", ErrTopology, name, err)
		}
	}
	for _, q := range t.queues() {
		if err := d.declareQueue(q); err != nil {
			return fmt.Errorf("%w: queue %s: %w", ErrTopology, q.name, err)
		}
	}

	binds := []Binding{
		{Exchange: t.Exchange(), Key: matchAll},
	}
	for _, b := range t.SourceBindings {
		if b.Exchange != t.Exchange() || b.Key != matchAll {
			binds = append(binds, b)
		}
	}
	for _, b := range binds {
		if err := d.ch.QueueBind(t.Queue(), b.Key, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("%w: bind %s to %s: %w", ErrTopology, t.Queue(), b.Exchange, err)
		}
	}
	if err := d.ch.QueueBind(t.RetryQueue(), matchAll, t.RetryExchange(), false, nil); err != nil {
		return fmt.Errorf("%w: bind %s: %w", ErrTopology, t.RetryQueue(), err)
	}
	if err := d.ch.QueueBind(t.DeadLetterQueue(), matchAll, t.DeadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("%w: bind %s: %w", ErrTopology, t.DeadLetterQueue(), err)
	}

	logger.Debug("topology declared", "exchange", t.Exchange(), "source_bindings", len(t.SourceBindings))
	return nil
}

type declarer struct {
	opener amqpx.ChannelOpener
	logger *slog.Logger
	ch     amqpx.Channel
}

// reset replaces the current channel. The broker closes a channel on any
// channel-level exception, so every 406 needs a fresh one.
func (d *declarer) reset() error {
	d.close()
	ch, err := d.opener.Channel()
	if err != nil {
		return err
	}
	d.ch = ch
	return nil
}

func (d *declarer) close() {
	if d.ch != nil && !d.ch.IsClosed() {
		_ = d.ch.Close()
	}
	d.ch = nil
}

func (d *declarer) declareQueue(q queueSpec) error {
	_, err := d.ch.QueueDeclare(q.name, true, false, false, false, q.args)
	if err == nil || !amqpx.IsPreconditionFailed(err) {
		return err
	}

	d.logger.Warn("queue arguments changed, recreating queue", "queue", q.name, "err", err)
	if err := d.reset(); err != nil {
		return err
	}
	if _, err := d.ch.QueueDelete(q.name, false, false, false); err != nil {
		d.logger.Warn("queue delete failed", "queue", q.name, "err", err)
		if err := d.reset(); err != nil {
			return err
		}
	}
	_, err = d.ch.QueueDeclare(q.name, true, false, false, false, q.args)
	return err
}
