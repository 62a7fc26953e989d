package eventbus

import (
	"context"
	"strings"
	"testing"

	"github.com/md-rashed-zaman/activitybus/libs/events"
	"github.com/stretchr/testify/assert"
)

func TestPublishLabel(t *testing.T) {
	assert.Equal(t, "taskcreatedevent", publishLabel(events.TypeTaskCreated))
	assert.Equal(t, "notification.subscribed", publishLabel(events.TypeNotificationSubscribed))
	assert.Equal(t, otherEventType, publishLabel("ClientChosenType"))
	assert.Equal(t, otherEventType, publishLabel(strings.Repeat("x", 40)))
}

func TestConsumeLabel(t *testing.T) {
	d := NewDispatcher(nil).Handle("invoice.paid", func(context.Context, events.Envelope) error { return nil })

	assert.Equal(t, "invoice.paid", consumeLabel(d, "Invoice.Paid"))
	assert.Equal(t, "projectdeletedevent", consumeLabel(d, events.TypeProjectDeleted))
	assert.Equal(t, otherEventType, consumeLabel(d, "random-42"))
	assert.True(t, d.Handles("INVOICE.PAID"))
	assert.False(t, d.Handles("random-42"))
}
