package eventbus

import (
	"github.com/md-rashed-zaman/activitybus/libs/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitybus",
		Name:      "published_total",
		Help:      "Events published to the primary exchange, by outcome.",
	}, []string{"event_type", "status"})

	consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitybus",
		Name:      "consumed_total",
		Help:      "Deliveries handled successfully and acked.",
	}, []string{"queue", "event_type"})

	retriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitybus",
		Name:      "retried_total",
		Help:      "Failed deliveries republished to the retry exchange.",
	}, []string{"queue", "event_type"})

	deadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitybus",
		Name:      "dead_lettered_total",
		Help:      "Deliveries moved to the dead-letter exchange after exhausting retries.",
	}, []string{"queue", "event_type"})

	requeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitybus",
		Name:      "requeued_total",
		Help:      "Deliveries nacked back to their queue because the retry hop could not be published.",
	}, []string{"queue", "event_type"})

	consumerRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "activitybus",
		Name:      "consumer_running",
		Help:      "1 while the consumer loop for a queue is running.",
	}, []string{"queue"})
)

// otherEventType stands in for event types that would otherwise let message
// senders create arbitrary label values.
const otherEventType = "other"

func publishLabel(eventType string) string {
	if events.Known(eventType) {
		return events.RoutingKey(eventType)
	}
	return otherEventType
}

// consumeLabel keeps types the dispatcher has a handler for, plus the
// declared event types, and folds the rest into otherEventType.
func consumeLabel(d *Dispatcher, eventType string) string {
	if d.Handles(eventType) || events.Known(eventType) {
		return events.RoutingKey(eventType)
	}
	return otherEventType
}
