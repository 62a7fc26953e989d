package email

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessage(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	raw := buildMessage("bus@example.com", Message{To: "a@b.c", Subject: "Welcome", Body: "hi"}, now)

	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok)
	assert.Contains(t, head, "From: bus@example.com\r\n")
	assert.Contains(t, head, "To: a@b.c\r\n")
	assert.Contains(t, head, "Subject: Welcome\r\n")
	assert.Contains(t, head, "Date: Mon, 04 May 2026 10:00:00 +0000")
	assert.Contains(t, head, "@example.com>")
	assert.Equal(t, "hi\r\n", body)
}

func TestBuildMessage_StripsHeaderInjection(t *testing.T) {
	raw := buildMessage("bus@example.com", Message{To: "a@b.c\r\nBcc: evil@x.y", Subject: "s\nX-Hack: 1"}, time.Now())
	assert.NotContains(t, raw, "\r\nBcc:")
	assert.NotContains(t, raw, "\nX-Hack")
}

func TestNewSender(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := NewSender("", SMTPConfig{Host: "mailpit", Port: "1025"}, logger)
	require.NoError(t, err)
	assert.Equal(t, "smtp", s.ProviderID())
	assert.Equal(t, "mailpit:1025", s.(*SMTPSender).addr)
	assert.Equal(t, "no-reply@activitybus.local", s.(*SMTPSender).from)

	s, err = NewSender("LOG", SMTPConfig{}, logger)
	require.NoError(t, err)
	assert.Equal(t, "log", s.ProviderID())
	assert.NoError(t, s.Send(context.Background(), Message{To: "x@y.z"}))

	_, err = NewSender("carrier-pigeon", SMTPConfig{}, logger)
	assert.Error(t, err)
}

func TestSMTPSender_HonoursContext(t *testing.T) {
	// 192.0.2.0/24 is TEST-NET-1; the dial hangs or fails, either way ctx wins or an error returns.
	s := NewSMTPSender(SMTPConfig{Host: "192.0.2.1", Port: "25"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Send(ctx, Message{To: "a@b.c"}))
}
