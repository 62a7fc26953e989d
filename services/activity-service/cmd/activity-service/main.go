package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/activitybus/libs/amqpx"
	"github.com/md-rashed-zaman/activitybus/libs/auth"
	"github.com/md-rashed-zaman/activitybus/libs/config"
	"github.com/md-rashed-zaman/activitybus/libs/eventbus"
	"github.com/md-rashed-zaman/activitybus/libs/events"
	"github.com/md-rashed-zaman/activitybus/libs/grpcx"
	"github.com/md-rashed-zaman/activitybus/libs/httpx"
	otelx "github.com/md-rashed-zaman/activitybus/libs/otel"
	"github.com/md-rashed-zaman/activitybus/libs/runtime"
	"github.com/md-rashed-zaman/activitybus/services/activity-service/internal/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "activity-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9090")
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

	settings := eventbus.SettingsFromEnv(service)
	conn, err := amqpx.Dial(ctx, settings.AMQP, logger)
	if err != nil {
		logger.Error("rabbitmq connection failed", "err", err)
		panic(err)
	}
	defer conn.Close()

	activity := eventbus.NewActivityLog(settings.ActivityCapacity)

	publisher := eventbus.NewPublisher(conn, logger, eventbus.PublisherOptions{
		Topology: settings.Topology,
		Activity: activity,
		AppID:    service,
	})
	if err := publisher.StartWithin(ctx, settings.StartupTimeout, settings.AMQP.ReconnectInterval); err != nil {
		logger.Error("publisher failed to start", "err", err)
		panic(err)
	}
	defer publisher.Close()

	dispatcher := eventbus.NewDispatcher(func(ctx context.Context, env events.Envelope) error {
		logger.Info("activity observed", "event_type", env.EventType, "event_id", env.EventID)
		return nil
	})
	consumer := eventbus.NewConsumer(conn, logger, settings.ConsumerOptions(settings.Topology, dispatcher, activity))
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped", "queue", consumer.Queue(), "err", err)
		}
	}()

	probes := []runtime.Probe{
		eventbus.ConnectionProbe(conn),
		eventbus.PublisherProbe(publisher),
		eventbus.ConsumerProbe(consumer),
	}
	limiter, rdb, err := newLimiter(logger)
	if err != nil {
		logger.Error("rate limiter setup failed", "err", err)
		panic(err)
	}
	if rdb != nil {
		defer rdb.Close()
		probes = append(probes, runtime.ErrorProbe("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	var jwks *auth.JWKSClient
	if url := config.String("AUTH_JWKS_URL", ""); url != "" {
		jwks = auth.NewJWKSClient(url, config.Duration("AUTH_JWKS_TTL", 5*time.Minute))
	}
	secret, err := config.Secret("PUBLISH_JWT_SECRET", "")
	if err != nil {
		panic(err)
	}
	verifier := auth.NewVerifier(secret, jwks)
	if !verifier.Enabled() {
		logger.Warn("publish endpoint is unauthenticated; set PUBLISH_JWT_SECRET or AUTH_JWKS_URL")
	}

	api := http.NewServeMux()
	handlers.NewActivityHandler(activity, publisher).
		WithPublishGuard(auth.Require(verifier, config.List("PUBLISH_ROLES")...)).
		Register(api)

	mux := runtime.NewBaseMuxWithReady(probes...)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/", httpx.Chain(api,
		httpx.WithCORS(httpx.ActivityCORS(config.List("CORS_ALLOWED_ORIGINS"))),
		httpx.RateLimit(limiter, logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true)),
		httpx.WithBodyLimit(64<<10),
		httpx.WithTimeout(config.Duration("HTTP_HANDLER_TIMEOUT", 10*time.Second)),
	))

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	handler = otelhttp.NewHandler(handler, "activity")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpDone, err := runtime.ServeHTTP(ctx, srv, logger, 10*time.Second)
	if err != nil {
		logger.Error("http listen failed", "err", err)
		panic(err)
	}

	grpcServer, healthServer := grpcx.NewServer(logger)
	go grpcx.NewHealthSync(healthServer, config.Duration("GRPC_HEALTH_INTERVAL", 5*time.Second), logger, probes...).Run(ctx)
	grpcDone, err := grpcx.Serve(ctx, grpcServer, ":"+grpcPort, logger)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		panic(err)
	}

	<-ctx.Done()
	runtime.Drain(logger, config.Duration("SHUTDOWN_GRACE", 20*time.Second), map[string]<-chan struct{}{
		"http":     httpDone,
		"grpc":     grpcDone,
		"consumer": consumerDone,
	})
}

// newLimiter prefers a shared Redis window so replicas enforce one budget.
func newLimiter(logger *slog.Logger) (httpx.Limiter, *redis.Client, error) {
	limit := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	addr := config.String("REDIS_ADDR", "")
	if addr == "" {
		return httpx.NewMemoryLimiter(limit, time.Minute), nil, nil
	}
	password, err := config.Secret("REDIS_PASSWORD", "")
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       config.Int("REDIS_DB", 0),
	})
	logger.Info("rate limiting via redis", "addr", addr, "limit", limit)
	return httpx.NewRedisLimiter(rdb, limit, time.Minute, "activity:rl"), rdb, nil
}
