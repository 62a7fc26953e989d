package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/activitybus/libs/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingDispatcher(err error) *Dispatcher {
	return NewDispatcher(func(context.Context, events.Envelope) error { return err })
}

func newTestConsumer(b *fakeBroker, log *ActivityLog, d *Dispatcher) *Consumer {
	return NewConsumer(b, discardLogger(), ConsumerOptions{
		Topology:          DefaultTopology(),
		Dispatcher:        d,
		Activity:          log,
		StartupTimeout:    200 * time.Millisecond,
		ReconnectInterval: 10 * time.Millisecond,
	})
}

func openChannel(t *testing.T, b *fakeBroker) *fakeChannel {
	t.Helper()
	ch, err := b.Channel()
	require.NoError(t, err)
	return ch.(*fakeChannel)
}

func TestHandle_SuccessAcks(t *testing.T) {
	b := newFakeBroker()
	log := NewActivityLog(10)
	ack := &fakeAck{}
	c := newTestConsumer(b, log, nil)

	ev := events.NewTaskUpdated(uuid.New(), "t", "Done")
	out := c.Handle(context.Background(), openChannel(t, b), deliveryFor(t, ack, 1, ev, nil))

	assert.Equal(t, OutcomeAcked, out)
	assert.Equal(t, []uint64{1}, ack.acks)
	assert.Empty(t, b.messages())
	recent := log.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, StatusConsumed, recent[0].Status)
	assert.Equal(t, ev.EventID(), recent[0].EventID)
	assert.Equal(t, "TaskUpdatedEvent", recent[0].EventType)
}

func TestHandle_FirstFailureSchedulesRetry(t *testing.T) {
	b := newFakeBroker()
	log := NewActivityLog(10)
	ack := &fakeAck{}
	c := newTestConsumer(b, log, failingDispatcher(errors.New("boom")))

	ev := events.NewProjectCreated(uuid.New(), "X")
	d := deliveryFor(t, ack, 7, ev, nil)
	out := c.Handle(context.Background(), openChannel(t, b), d)

	assert.Equal(t, OutcomeRetryScheduled, out)
	assert.Equal(t, []uint64{7}, ack.acks)
	retries := b.messagesTo("activity.events.retry")
	require.Len(t, retries, 1)
	assert.Equal(t, "projectcreatedevent", retries[0].Key)
	assert.Equal(t, "1", retries[0].Msg.Headers[HeaderRetryCount])
	assert.Equal(t, d.Body, retries[0].Msg.Body)
	assert.Equal(t, d.MessageId, retries[0].Msg.MessageId)
	assert.Equal(t, d.CorrelationId, retries[0].Msg.CorrelationId)
	assert.Equal(t, amqp.Persistent, retries[0].Msg.DeliveryMode)
	assert.NotContains(t, d.Headers, HeaderRetryCount, "delivery headers must not be mutated")

	recent := log.Recent(1)
	assert.Equal(t, StatusFailed, recent[0].Status)
	assert.Contains(t, recent[0].Details, "boom")
}

func TestHandle_RetryCountBoundary(t *testing.T) {
	tests := []struct {
		name     string
		header   any
		outcome  Outcome
		exchange string
		next     string
	}{
		{name: "missing header", header: nil, outcome: OutcomeRetryScheduled, exchange: "activity.events.retry", next: "1"},
		{name: "garbage header", header: "abc", outcome: OutcomeRetryScheduled, exchange: "activity.events.retry", next: "1"},
		{name: "one", header: "1", outcome: OutcomeRetryScheduled, exchange: "activity.events.retry", next: "2"},
		{name: "two", header: "2", outcome: OutcomeRetryScheduled, exchange: "activity.events.retry", next: "3"},
		{name: "exhausted", header: "3", outcome: OutcomeDeadLettered, exchange: "activity.events.dlq", next: "3"},
		{name: "past budget", header: "5", outcome: OutcomeDeadLettered, exchange: "activity.events.dlq", next: "5"},
		{name: "integer typed header", header: int32(3), outcome: OutcomeDeadLettered, exchange: "activity.events.dlq", next: "3"},
		{name: "byte header", header: []byte("2"), outcome: OutcomeRetryScheduled, exchange: "activity.events.retry", next: "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBroker()
			ack := &fakeAck{}
			c := newTestConsumer(b, nil, failingDispatcher(errors.New("boom")))
			headers := amqp.Table{}
			if tt.header != nil {
				headers[HeaderRetryCount] = tt.header
			}

			out := c.Handle(context.Background(), openChannel(t, b), deliveryFor(t, ack, 1, events.NewTaskDeleted(uuid.New()), headers))

			assert.Equal(t, tt.outcome, out)
			assert.Equal(t, 1, ack.settlements())
			msgs := b.messagesTo(tt.exchange)
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.next, msgs[0].Msg.Headers[HeaderRetryCount])
			assert.Len(t, b.messages(), 1)
		})
	}
}

func TestHandle_AlwaysFailingEndsInDeadLetterQueue(t *testing.T) {
	b := newFakeBroker()
	log := NewActivityLog(DefaultActivityCapacity)
	ack := &fakeAck{}
	var calls atomic.Int32
	c := newTestConsumer(b, log, NewDispatcher(func(context.Context, events.Envelope) error {
		calls.Add(1)
		return errors.New("handler always fails")
	}))
	ch := openChannel(t, b)

	ev := events.NewProjectCreated(uuid.New(), "X")
	d := deliveryFor(t, ack, 1, ev, nil)
	var outcomes []Outcome
	for tag := uint64(1); tag <= 10; tag++ {
		out := c.Handle(context.Background(), ch, d)
		outcomes = append(outcomes, out)
		if out == OutcomeDeadLettered {
			break
		}
		retries := b.messagesTo("activity.events.retry")
		d = redeliver(ack, tag+1, retries[len(retries)-1])
	}

	assert.Equal(t, []Outcome{OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeDeadLettered}, outcomes)
	assert.Equal(t, int32(4), calls.Load(), "one original attempt plus three retries")
	assert.Len(t, b.messagesTo("activity.events.retry"), 3)

	dlq := b.messagesTo("activity.events.dlq")
	require.Len(t, dlq, 1)
	assert.Equal(t, "3", dlq[0].Msg.Headers[HeaderRetryCount])
	assert.Equal(t, ev.EventID().String(), dlq[0].Msg.MessageId)
	assert.Equal(t, 4, ack.ackCount())

	sum := Summarize(log.Recent(DefaultActivityCapacity))
	assert.Equal(t, 4, sum.FailedCount)
	assert.Equal(t, 0, sum.ConsumedCount)
}

func TestHandle_TransientFailureRecoversOnRetry(t *testing.T) {
	b := newFakeBroker()
	log := NewActivityLog(10)
	ack := &fakeAck{}
	var calls atomic.Int32
	c := newTestConsumer(b, log, NewDispatcher(func(context.Context, events.Envelope) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}))
	ch := openChannel(t, b)

	ev := events.NewTaskCreated(uuid.New(), uuid.New(), "t")
	require.Equal(t, OutcomeRetryScheduled, c.Handle(context.Background(), ch, deliveryFor(t, ack, 1, ev, nil)))
	retry := b.messagesTo("activity.events.retry")[0]
	require.Equal(t, OutcomeAcked, c.Handle(context.Background(), ch, redeliver(ack, 2, retry)))

	assert.Empty(t, b.messagesTo("activity.events.dlq"))
	sum := Summarize(log.Recent(10))
	assert.Equal(t, 1, sum.FailedCount)
	assert.Equal(t, 1, sum.ConsumedCount)
	assert.Equal(t, ev.EventID(), log.Recent(1)[0].EventID)
}

func TestHandle_UndecodableBodyGoesThroughRetry(t *testing.T) {
	b := newFakeBroker()
	log := NewActivityLog(10)
	ack := &fakeAck{}
	c := newTestConsumer(b, log, nil)

	d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, RoutingKey: "taskcreatedevent", Body: []byte("{not json")}
	out := c.Handle(context.Background(), openChannel(t, b), d)

	assert.Equal(t, OutcomeRetryScheduled, out)
	retries := b.messagesTo("activity.events.retry")
	require.Len(t, retries, 1)
	assert.Equal(t, "taskcreatedevent", retries[0].Key)
	assert.Equal(t, "taskcreatedevent", log.Recent(1)[0].EventType)
	assert.Equal(t, uuid.Nil, log.Recent(1)[0].EventID)
}

func TestHandle_PanicIsContained(t *testing.T) {
	b := newFakeBroker()
	ack := &fakeAck{}
	c := newTestConsumer(b, nil, NewDispatcher(func(context.Context, events.Envelope) error {
		panic("nil map")
	}))

	out := c.Handle(context.Background(), openChannel(t, b), deliveryFor(t, ack, 1, events.NewTaskDeleted(uuid.New()), nil))
	assert.Equal(t, OutcomeRetryScheduled, out)
	assert.Equal(t, 1, ack.settlements())
}

func TestHandle_RepublishFailureRequeues(t *testing.T) {
	b := newFakeBroker()
	log := NewActivityLog(10)
	ack := &fakeAck{}
	c := newTestConsumer(b, log, failingDispatcher(errors.New("boom")))
	b.setPublishErr("activity.events.retry", errors.New("channel closed"))

	out := c.Handle(context.Background(), openChannel(t, b), deliveryFor(t, ack, 9, events.NewTaskDeleted(uuid.New()), nil))

	assert.Equal(t, OutcomeRequeued, out)
	assert.Empty(t, ack.acks)
	assert.Equal(t, []nackCall{{Tag: 9, Requeue: true}}, ack.nacks)
	assert.Equal(t, StatusFailed, log.Recent(1)[0].Status)
}

func TestHandle_CorrelationIDFallbacks(t *testing.T) {
	b := newFakeBroker()
	ack := &fakeAck{}
	c := newTestConsumer(b, nil, failingDispatcher(errors.New("boom")))

	ev := events.NewTaskDeleted(uuid.New())
	d := deliveryFor(t, ack, 1, ev, amqp.Table{"correlation-id": []byte("hdr-1")})
	d.CorrelationId = ""
	c.Handle(context.Background(), openChannel(t, b), d)

	retry := b.messagesTo("activity.events.retry")[0]
	assert.Equal(t, "hdr-1", retry.Msg.Headers["correlation-id"])
}

func TestDispatcher_TypedAndFallback(t *testing.T) {
	var got events.NotificationSubscribed
	var fallbackType string
	d := NewDispatcher(func(_ context.Context, env events.Envelope) error {
		fallbackType = env.EventType
		return nil
	})
	On(d, events.TypeNotificationSubscribed, func(_ context.Context, ev events.NotificationSubscribed) error {
		got = ev
		return nil
	})

	sub := events.NewNotificationSubscribed(uuid.New(), "ana@example.com")
	ack := &fakeAck{}
	env, err := events.DecodeEnvelope(deliveryFor(t, ack, 1, sub, nil).Body)
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), env))
	assert.Equal(t, "ana@example.com", got.Email)
	assert.Empty(t, fallbackType)

	require.NoError(t, d.Dispatch(context.Background(), events.Envelope{EventType: "TaskCreatedEvent"}))
	assert.Equal(t, "TaskCreatedEvent", fallbackType)

	assert.NoError(t, NewDispatcher(nil).Dispatch(context.Background(), events.Envelope{EventType: "anything"}))
}

func TestRun_ConsumesAndStopsOnCancel(t *testing.T) {
	b := newFakeBroker()
	log := NewActivityLog(10)
	ack := &fakeAck{}
	c := newTestConsumer(b, log, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, c.Consuming, time.Second, 5*time.Millisecond)
	assert.True(t, c.Running())
	assert.Equal(t, 1, b.activeConsumer().prefetchCount())

	b.deliver(t, deliveryFor(t, ack, 1, events.NewProjectDeleted(uuid.New()), nil))
	require.Eventually(t, func() bool { return ack.ackCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.False(t, c.Running())
	assert.False(t, c.Consuming())
	assert.Equal(t, StatusConsumed, log.Recent(1)[0].Status)
}

func TestRun_ReconnectsAfterChannelLoss(t *testing.T) {
	b := newFakeBroker()
	ack := &fakeAck{}
	c := newTestConsumer(b, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = c.Run(ctx) }()
	require.Eventually(t, c.Consuming, time.Second, 5*time.Millisecond)
	first := b.activeConsumer()

	b.dropChannels()
	require.Eventually(t, func() bool { return b.consuming() && b.activeConsumer() != first }, time.Second, 5*time.Millisecond)
	require.Eventually(t, c.Consuming, time.Second, 5*time.Millisecond)

	b.deliver(t, deliveryFor(t, ack, 1, events.NewProjectDeleted(uuid.New()), nil))
	require.Eventually(t, func() bool { return ack.ackCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRun_StartupTimeoutReturnsError(t *testing.T) {
	b := newFakeBroker()
	b.setOpenErr(errors.New("connection refused"))
	c := newTestConsumer(b, nil, nil)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConsumerStopped)
	assert.False(t, c.Running())
	assert.Error(t, c.LastError())
}
