package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
	ProviderID() string
}

// SMTPSender sends email via unauthenticated SMTP (Mailpit-compatible), or
// PLAIN auth when a username is set.
type SMTPSender struct {
	addr string
	host string
	from string
	auth smtp.Auth
}

type SMTPConfig struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	host := strings.TrimSpace(cfg.Host)
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		from = "no-reply@activitybus.local"
	}
	s := &SMTPSender{
		addr: fmt.Sprintf("%s:%s", host, strings.TrimSpace(cfg.Port)),
		host: host,
		from: from,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return s
}

func (s *SMTPSender) ProviderID() string { return "smtp" }

// Send runs the SMTP exchange in the background so a cancelled ctx returns
// promptly; net/smtp has no context support.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	raw := buildMessage(s.from, msg, time.Now())
	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(s.addr, s.auth, s.from, []string{msg.To}, []byte(raw))
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", msg.To, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSender only logs messages. Used for local runs without a mail catcher.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) ProviderID() string { return "log" }

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("email (log only)", "to", msg.To, "subject", msg.Subject)
	return nil
}

// NewSender picks a sender by provider name: "smtp" (default) or "log".
func NewSender(provider string, cfg SMTPConfig, logger *slog.Logger) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "smtp":
		return NewSMTPSender(cfg), nil
	case "log":
		return NewLogSender(logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", provider)
	}
}

func buildMessage(from string, msg Message, now time.Time) string {
	// Minimal RFC 5322 message; enough for Mailpit and most SMTP relays.
	domain := "activitybus.local"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMessage-ID: <%s@%s>\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from,
		sanitizeHeader(msg.To),
		sanitizeHeader(msg.Subject),
		now.UTC().Format(time.RFC1123Z),
		uuid.NewString(),
		domain,
		msg.Body,
	)
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}
