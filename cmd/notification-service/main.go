package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fitness360/billing-pipeline/internal/notification/application"
	"github.com/fitness360/billing-pipeline/internal/notification/infrastructure/sender"
	kafkabroker "github.com/fitness360/billing-pipeline/pkg/broker/kafka"
	"github.com/fitness360/billing-pipeline/pkg/config"
	"github.com/fitness360/billing-pipeline/pkg/eventbus"
	"github.com/fitness360/billing-pipeline/pkg/idempotency"
	"github.com/fitness360/billing-pipeline/pkg/logging"
	"github.com/fitness360/billing-pipeline/pkg/metrics"
	"github.com/fitness360/billing-pipeline/pkg/shutdown"
	"github.com/fitness360/billing-pipeline/pkg/tracing"
)

const service = "notification-service"

func main() {
	log := logging.New(service, config.String("LOG_LEVEL", "info"))

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	// Configuration
	kafkaAddrs := config.List("KAFKA_ADDR", []string{"localhost:9092"})
	group := config.String("CONSUMER_GROUP", service)
	redisAddr := config.String("REDIS_ADDR", "localhost:6379")
	idemTTL := config.Duration("IDEMPOTENCY_TTL", 24*time.Hour)
	maxAttempts := config.Int("CONSUMER_MAX_ATTEMPTS", 5)
	backoff := config.Duration("CONSUMER_BACKOFF", 200*time.Millisecond)
	outTopic := config.String("OUT_TOPIC", "notification.sent")
	publishSent := config.Bool("PUBLISH_SENT", true)
	metricsAddr := config.String("METRICS_ADDR", ":9102")
	otelEndpoint := config.String("OTEL_ENDPOINT", "")

	shutdownTracing, err := tracing.Init(ctx, service, otelEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	consumerMetrics := metrics.NewConsumer(reg)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis connect failed", "addr", redisAddr, "err", err)
		os.Exit(1)
	}
	idem := idempotency.NewStore(rdb, idemTTL)

	producer := kafkabroker.NewProducer(log, kafkaAddrs)
	defer producer.Close()

	opts := []application.Option{
		application.WithMiddleware(idempotency.Middleware(idem, group, log)),
		application.WithSendDedupe(idem, group),
		application.WithMetrics(consumerMetrics),
		application.WithSentTopic(outTopic),
	}
	var sent eventbus.Emitter
	if publishSent {
		sent = producer
	}
	svc := application.NewService(log, sender.NewLogSender(log), sent, opts...)

	consumer := kafkabroker.NewConsumer(log, kafkaAddrs, group,
		kafkabroker.WithMaxAttempts(maxAttempts),
		kafkabroker.WithBackoff(backoff),
		kafkabroker.WithMetrics(consumerMetrics),
	)
	svc.Register(consumer)

	// Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "err", err)
		}
	}()

	go func() {
		log.Info("consuming", "topics", application.Topics(), "group", group)
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("consumer stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("notification-service shutdown")
}
