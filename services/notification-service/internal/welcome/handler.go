// Package welcome sends the welcome email for new notification subscribers.
package welcome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/md-rashed-zaman/activitybus/libs/eventbus"
	"github.com/md-rashed-zaman/activitybus/libs/events"
	"github.com/md-rashed-zaman/activitybus/services/notification-service/internal/email"
)

// Queue is the consumer-owned topology name; its queue is fed from the shared
// exchange by the notification.subscribed key only.
const Queue = "notification.email"

var ErrInvalidRecipient = errors.New("invalid recipient")

type Inbox interface {
	Record(ctx context.Context, eventID string, eventType string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type Handler struct {
	inbox   Inbox
	sender  email.Sender
	logger  *slog.Logger
	subject string
}

func NewHandler(inbox Inbox, sender email.Sender, logger *slog.Logger, subject string) *Handler {
	if strings.TrimSpace(subject) == "" {
		subject = "Welcome to activity notifications"
	}
	return &Handler{inbox: inbox, sender: sender, logger: logger, subject: subject}
}

// Topology returns the private retry/DLQ triple for this consumer, bound to
// source.
func Topology(source eventbus.Topology) eventbus.Topology {
	return eventbus.Topology{
		Name:       Queue,
		RetryDelay: source.RetryDelay,
		SourceBindings: []eventbus.Binding{{
			Exchange: source.Exchange(),
			Key:      events.RoutingKey(events.TypeNotificationSubscribed),
		}},
	}
}

// Register wires the handler into d.
func (h *Handler) Register(d *eventbus.Dispatcher) *eventbus.Dispatcher {
	return eventbus.On(d, events.TypeNotificationSubscribed, h.Handle)
}

func (h *Handler) Handle(ctx context.Context, ev events.NotificationSubscribed) error {
	addr, err := mail.ParseAddress(strings.TrimSpace(ev.Email))
	if err != nil {
		// Retrying cannot fix the address; it still ends up in the DLQ for review.
		return fmt.Errorf("%w: %q: %w", ErrInvalidRecipient, ev.Email, err)
	}

	eventID := ev.EventID().String()
	claimed, err := h.inbox.Record(ctx, eventID, ev.EventType())
	if err != nil {
		return fmt.Errorf("inbox record: %w", err)
	}
	if !claimed {
		h.logger.Info("duplicate event ignored", "event_id", eventID, "event_type", ev.EventType())
		return nil
	}

	msg := email.Message{
		To:      addr.Address,
		Subject: h.subject,
		Body: fmt.Sprintf("Hi,\n\nYou are now subscribed to activity notifications (subscriber %s).\n\nSubscribed at %s.\n",
			ev.SubscriberID, ev.OccurredAt().UTC().Format("2006-01-02 15:04 MST")),
	}
	if err := h.sender.Send(ctx, msg); err != nil {
		if relErr := h.inbox.Release(context.WithoutCancel(ctx), eventID); relErr != nil {
			h.logger.Error("inbox release failed", "event_id", eventID, "err", relErr)
		}
		return fmt.Errorf("send welcome email: %w", err)
	}

	h.logger.Info("welcome email sent", "event_id", eventID, "subscriber_id", ev.SubscriberID, "provider", h.sender.ProviderID())
	return nil
}
