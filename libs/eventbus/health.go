package eventbus

import (
	"context"

	"github.com/md-rashed-zaman/activitybus/libs/runtime"
)

// ConnectionState is what the connection probe reads; *amqpx.Conn satisfies it.
type ConnectionState interface {
	IsOpen() bool
	Endpoint() string
	ClientName() string
}

func ConnectionProbe(conn ConnectionState) runtime.Probe {
	return runtime.Probe{
		Name: "rabbitmq-connection",
		Check: func(context.Context) runtime.Health {
			meta := map[string]any{
				"endpoint":   conn.Endpoint(),
				"clientName": conn.ClientName(),
			}
			if !conn.IsOpen() {
				return runtime.Health{Status: runtime.Unhealthy, Description: "RabbitMQ connection is closed", Metadata: meta}
			}
			return runtime.Health{Status: runtime.Healthy, Description: "RabbitMQ connection is open", Metadata: meta}
		},
	}
}

func ConsumerProbe(c *Consumer) runtime.Probe {
	return runtime.Probe{
		Name: "rabbitmq-consumer",
		Check: func(context.Context) runtime.Health {
			meta := map[string]any{"queue": c.Queue()}
			if err := c.LastError(); err != nil {
				meta["lastError"] = err.Error()
			}
			switch {
			case !c.Running():
				return runtime.Health{Status: runtime.Unhealthy, Description: "consumer is not running", Metadata: meta}
			case !c.Consuming():
				return runtime.Health{Status: runtime.Degraded, Description: "consumer is re-establishing its channel", Metadata: meta}
			default:
				return runtime.Health{Status: runtime.Healthy, Description: "consumer is running", Metadata: meta}
			}
		},
	}
}

// PublisherProbe is unhealthy until the publisher has started. A publisher
// whose start failed keeps retrying on Publish, and the probe recovers with it.
func PublisherProbe(p *Publisher) runtime.Probe {
	return runtime.Probe{
		Name: "rabbitmq-publisher",
		Check: func(context.Context) runtime.Health {
			meta := map[string]any{"exchange": p.topology.Exchange()}
			if p.Started() {
				return runtime.Health{Status: runtime.Healthy, Description: "publisher is ready", Metadata: meta}
			}
			if err := p.LastError(); err != nil {
				meta["lastError"] = err.Error()
			}
			return runtime.Health{Status: runtime.Unhealthy, Description: "publisher is not started", Metadata: meta}
		},
	}
}
