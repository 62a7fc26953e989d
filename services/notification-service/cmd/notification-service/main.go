package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/activitybus/libs/amqpx"
	"github.com/md-rashed-zaman/activitybus/libs/config"
	"github.com/md-rashed-zaman/activitybus/libs/db"
	"github.com/md-rashed-zaman/activitybus/libs/eventbus"
	"github.com/md-rashed-zaman/activitybus/libs/httpx"
	otelx "github.com/md-rashed-zaman/activitybus/libs/otel"
	"github.com/md-rashed-zaman/activitybus/libs/runtime"
	"github.com/md-rashed-zaman/activitybus/services/notification-service/internal/email"
	"github.com/md-rashed-zaman/activitybus/services/notification-service/internal/inbox"
	"github.com/md-rashed-zaman/activitybus/services/notification-service/internal/welcome"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.OptionsFromEnv(service))
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inboxRepo := inbox.NewRepository(pool, welcome.Queue)
	if err := inboxRepo.EnsureSchema(ctx); err != nil {
		logger.Error("inbox schema failed", "err", err)
		panic(err)
	}

	smtpPassword, err := config.Secret("SMTP_PASSWORD", "")
	if err != nil {
		panic(err)
	}
	sender, err := email.NewSender(config.String("EMAIL_PROVIDER", "smtp"), email.SMTPConfig{
		Host:     config.String("SMTP_HOST", "mailpit"),
		Port:     config.String("SMTP_PORT", "1025"),
		From:     config.String("SMTP_FROM", "no-reply@activitybus.local"),
		Username: config.String("SMTP_USERNAME", ""),
		Password: smtpPassword,
	}, logger)
	if err != nil {
		panic(err)
	}

	settings := eventbus.SettingsFromEnv(service)
	conn, err := amqpx.Dial(ctx, settings.AMQP, logger)
	if err != nil {
		logger.Error("rabbitmq connection failed", "err", err)
		panic(err)
	}
	defer conn.Close()

	activity := eventbus.NewActivityLog(settings.ActivityCapacity)
	handler := welcome.NewHandler(inboxRepo, sender, logger, config.String("WELCOME_SUBJECT", ""))
	dispatcher := handler.Register(eventbus.NewDispatcher(nil))

	consumer := eventbus.NewConsumer(conn, logger,
		settings.ConsumerOptions(welcome.Topology(settings.Topology), dispatcher, activity))
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped", "queue", consumer.Queue(), "err", err)
			stop()
		}
	}()

	mux := runtime.NewBaseMuxWithReady(
		eventbus.ConnectionProbe(conn),
		eventbus.ConsumerProbe(consumer),
		db.Probe(pool),
	)
	mux.Handle("GET /metrics", promhttp.Handler())

	h := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	h = otelhttp.NewHandler(h, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpDone, err := runtime.ServeHTTP(ctx, srv, logger, 10*time.Second)
	if err != nil {
		logger.Error("http listen failed", "err", err)
		panic(err)
	}

	<-ctx.Done()
	runtime.Drain(logger, config.Duration("SHUTDOWN_GRACE", 20*time.Second), map[string]<-chan struct{}{
		"http":     httpDone,
		"consumer": consumerDone,
	})
}
