package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/md-rashed-zaman/activitybus/libs/amqpx"
	"github.com/md-rashed-zaman/activitybus/libs/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeBinding struct {
	Queue, Key, Exchange string
}

type publishedMsg struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// fakeBroker is an in-memory stand-in for the broker side of a connection. It
// keeps declared state and every published message; it does not route.
type fakeBroker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]amqp.Table
	bindings  map[fakeBinding]bool
	published []publishedMsg
	channels  []*fakeChannel
	consumer  *fakeChannel
	parked    map[string][]amqp.Delivery
	nextTag   uint64

	openErr    error
	publishErr map[string]error
	deleteErr  error
	consumeErr error
	declares   int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges:  map[string]string{},
		queues:     map[string]amqp.Table{},
		bindings:   map[fakeBinding]bool{},
		publishErr: map[string]error{},
		parked:     map[string][]amqp.Delivery{},
	}
}

// park puts d on queue for Get to return.
func (b *fakeBroker) park(queue string, d amqp.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parked[queue] = append(b.parked[queue], d)
}

func (b *fakeBroker) parkedIn(queue string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Delivery(nil), b.parked[queue]...)
}

func (b *fakeBroker) Channel() (amqpx.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	ch := &fakeChannel{b: b}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *fakeBroker) setOpenErr(err error) {
	b.mu.Lock()
	b.openErr = err
	b.mu.Unlock()
}

func (b *fakeBroker) setPublishErr(exchange string, err error) {
	b.mu.Lock()
	b.publishErr[exchange] = err
	b.mu.Unlock()
}

// deliver pushes d to the channel currently consuming.
func (b *fakeBroker) deliver(t *testing.T, d amqp.Delivery) {
	t.Helper()
	b.mu.Lock()
	ch := b.consumer
	b.mu.Unlock()
	require.NotNil(t, ch, "no active consumer")
	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.False(t, ch.closed, "consumer channel closed")
	ch.deliveries <- d
}

func (b *fakeBroker) activeConsumer() *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumer
}

func (c *fakeChannel) prefetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetch
}

func (b *fakeBroker) consuming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumer != nil && !b.consumer.IsClosed()
}

// dropChannels closes every open channel, as a broker restart would.
func (b *fakeBroker) dropChannels() {
	b.mu.Lock()
	chans := append([]*fakeChannel(nil), b.channels...)
	b.mu.Unlock()
	for _, ch := range chans {
		ch.closeWith(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})
	}
}

func (b *fakeBroker) messages() []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMsg(nil), b.published...)
}

func (b *fakeBroker) messagesTo(exchange string) []publishedMsg {
	var out []publishedMsg
	for _, m := range b.messages() {
		if m.Exchange == exchange {
			out = append(out, m)
		}
	}
	return out
}

type fakeChannel struct {
	b *fakeBroker

	mu         sync.Mutex
	closed     bool
	watchers   []chan *amqp.Error
	deliveries chan amqp.Delivery
	prefetch   int
	cancelled  bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.exchanges[name] = kind
	return nil
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if c.IsClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	c.b.mu.Lock()
	c.b.declares++
	existing, ok := c.b.queues[name]
	if ok && !sameArgs(existing, args) {
		c.b.mu.Unlock()
		err := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg"}
		c.closeWith(err)
		return amqp.Queue{}, err
	}
	c.b.queues[name] = args
	c.b.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.bindings[fakeBinding{Queue: name, Key: key, Exchange: exchange}] = true
	return nil
}

func (c *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	if c.IsClosed() {
		return 0, amqp.ErrClosed
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if err := c.b.deleteErr; err != nil {
		c.b.deleteErr = nil
		return 0, err
	}
	delete(c.b.queues, name)
	return 0, nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if err := c.b.publishErr[exchange]; err != nil {
		return err
	}
	c.b.published = append(c.b.published, publishedMsg{Exchange: exchange, Key: key, Msg: msg})
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if c.IsClosed() {
		return nil, amqp.ErrClosed
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.b.consumeErr != nil {
		return nil, c.b.consumeErr
	}
	c.mu.Lock()
	c.deliveries = make(chan amqp.Delivery, 16)
	c.mu.Unlock()
	c.b.consumer = c
	return c.deliveries, nil
}

func (c *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	if c.IsClosed() {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	msgs := c.b.parked[queue]
	if len(msgs) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := msgs[0]
	c.b.parked[queue] = msgs[1:]
	c.b.nextTag++
	d.DeliveryTag = c.b.nextTag
	d.Acknowledger = &queueAck{b: c.b, queue: queue, d: d}
	return d, true, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	return nil
}

func (c *fakeChannel) NotifyClose(w chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(w)
		return w
	}
	c.watchers = append(c.watchers, w)
	return w
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *fakeChannel) closeWith(reason *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.deliveries != nil {
		close(c.deliveries)
	}
	for _, w := range c.watchers {
		if reason != nil {
			select {
			case w <- reason:
			default:
			}
		}
		close(w)
	}
	c.watchers = nil
}

type nackCall struct {
	Tag     uint64
	Requeue bool
}

// fakeAck records how each delivery was settled.
type fakeAck struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []nackCall
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, nackCall{Tag: tag, Requeue: requeue})
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAck) settlements() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks) + len(a.nacks)
}

func (a *fakeAck) ackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks)
}

// queueAck settles a message fetched with Get; a requeueing nack puts it back.
type queueAck struct {
	b       *fakeBroker
	queue   string
	d       amqp.Delivery
	settled string
}

func (a *queueAck) Ack(uint64, bool) error {
	a.settled = "ack"
	return nil
}

func (a *queueAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.settled = "nack"
	if requeue {
		d := a.d
		d.Acknowledger = nil
		d.Redelivered = true
		a.b.park(a.queue, d)
	}
	return nil
}

func (a *queueAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// deliveryFor builds a delivery the way the publisher would have sent ev.
func deliveryFor(t *testing.T, ack amqp.Acknowledger, tag uint64, ev events.Event, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	if headers == nil {
		headers = amqp.Table{}
	}
	return amqp.Delivery{
		Acknowledger:  ack,
		DeliveryTag:   tag,
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.EventID().String(),
		CorrelationId: ev.EventID().String(),
		Timestamp:     ev.OccurredAt(),
		Type:          ev.EventType(),
		RoutingKey:    events.RoutingKey(ev.EventType()),
		Body:          body,
	}
}

// redeliver turns a republished message back into a delivery, as the retry
// queue's dead-letter hop would.
func redeliver(ack amqp.Acknowledger, tag uint64, m publishedMsg) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  ack,
		DeliveryTag:   tag,
		Headers:       m.Msg.Headers,
		ContentType:   m.Msg.ContentType,
		DeliveryMode:  m.Msg.DeliveryMode,
		MessageId:     m.Msg.MessageId,
		CorrelationId: m.Msg.CorrelationId,
		Timestamp:     m.Msg.Timestamp,
		Type:          m.Msg.Type,
		RoutingKey:    m.Key,
		Body:          m.Msg.Body,
	}
}
