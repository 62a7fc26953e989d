package eventbus

import (
	"context"

	"github.com/md-rashed-zaman/activitybus/libs/events"
)

type HandlerFunc func(ctx context.Context, env events.Envelope) error

// Dispatcher maps event types to handlers. It is built once at startup and
// read-only afterwards. Types match case-insensitively, the way routing keys do.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	fallback HandlerFunc
}

// NewDispatcher returns a dispatcher that sends unknown types to fallback. A nil
// fallback accepts unknown types without doing anything.
func NewDispatcher(fallback HandlerFunc) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc), fallback: fallback}
}

func (d *Dispatcher) Handle(eventType string, h HandlerFunc) *Dispatcher {
	d.handlers[events.RoutingKey(eventType)] = h
	return d
}

// On registers a handler that receives the body decoded as T.
func On[T any](d *Dispatcher, eventType string, h func(ctx context.Context, ev T) error) *Dispatcher {
	return d.Handle(eventType, func(ctx context.Context, env events.Envelope) error {
		ev, err := events.Decode[T](env)
		if err != nil {
			return err
		}
		return h(ctx, ev)
	})
}

// Handles reports whether eventType has its own handler.
func (d *Dispatcher) Handles(eventType string) bool {
	_, ok := d.handlers[events.RoutingKey(eventType)]
	return ok
}

func (d *Dispatcher) Dispatch(ctx context.Context, env events.Envelope) error {
	if h, ok := d.handlers[events.RoutingKey(env.EventType)]; ok {
		return h(ctx, env)
	}
	if d.fallback != nil {
		return d.fallback(ctx, env)
	}
	return nil
}
