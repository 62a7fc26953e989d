// Package eventbus implements reliable publish/consume on an AMQP topic
// exchange: persistent publishing, bounded retries through a TTL-delayed retry
// queue, dead-lettering once the retry budget is spent, and an in-memory
// activity log the monitoring endpoints read.
//
// A typical process dials one amqpx.Conn, shares an ActivityLog between a
// Publisher and one or more Consumers, and registers ConnectionProbe and
// ConsumerProbe with its readiness endpoint.
package eventbus
