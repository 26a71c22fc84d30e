package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/fitness360/billing-pipeline/internal/billing/application"
	billinggrpc "github.com/fitness360/billing-pipeline/internal/billing/infrastructure/grpc"
	billinghttp "github.com/fitness360/billing-pipeline/internal/billing/infrastructure/http"
	"github.com/fitness360/billing-pipeline/internal/billing/infrastructure/memory"
	billingpg "github.com/fitness360/billing-pipeline/internal/billing/infrastructure/postgres"
	"github.com/fitness360/billing-pipeline/internal/billing/infrastructure/stripe"
	notification "github.com/fitness360/billing-pipeline/internal/notification/application"
	"github.com/fitness360/billing-pipeline/internal/notification/infrastructure/sender"
	"github.com/fitness360/billing-pipeline/pkg/broker/amqp"
	kafkabroker "github.com/fitness360/billing-pipeline/pkg/broker/kafka"
	"github.com/fitness360/billing-pipeline/pkg/eventbus"
	"github.com/fitness360/billing-pipeline/pkg/logging"
	"github.com/fitness360/billing-pipeline/pkg/metrics"
	"github.com/fitness360/billing-pipeline/pkg/outbox"
	"github.com/fitness360/billing-pipeline/pkg/shutdown"
	"github.com/fitness360/billing-pipeline/pkg/tracing"
)

const service = "billing-service"

func main() {
	cfg := loadSettings()
	log := logging.New(service, cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	if err := run(ctx, log, cfg); err != nil {
		log.Error("billing-service failed", "err", err)
		os.Exit(1)
	}
	log.Info("billing-service shutdown complete")
}

func run(ctx context.Context, log *slog.Logger, cfg settings) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	shutdownTracing, err := tracing.Init(ctx, service, cfg.OTelEndpoint, log)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.NewBilling(reg)

	checks := map[string]billinggrpc.Check{}

	// Store
	var store application.Store
	var pool *pgxpool.Pool
	switch cfg.Store {
	case storePostgres:
		pool, err = pgxpool.New(ctx, cfg.PGURL)
		if err != nil {
			return fmt.Errorf("pg connect: %w", err)
		}
		defer pool.Close()
		if err := billingpg.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		store = billingpg.NewStore(log, pool)
		checks["postgres"] = pool.Ping
	case storeMemory:
		log.Warn("using in-memory store, state is lost on restart")
		store = memory.NewStore()
	default:
		return fmt.Errorf("unknown STORE %q", cfg.Store)
	}

	// Broker
	broker, closeBroker, err := openBroker(log, cfg, checks)
	if err != nil {
		return err
	}
	defer closeBroker()

	// stopped and awaited before the pool and broker close
	bg := newBackground(ctx)
	defer bg.Stop()

	events := broker
	if cfg.PublishMode == publishOutbox {
		outboxStore := billingpg.NewOutboxStore(log, pool, cfg.OutboxMaxRetries)
		events = outbox.NewRecorder(outboxStore)

		host, _ := os.Hostname()
		relay := outbox.NewRelay(log, outboxStore, outbox.NewDispatcher(log, broker), service+"-"+host,
			outbox.WithInterval(cfg.OutboxInterval))
		bg.Go(func(ctx context.Context) {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("relay stopped with error", "err", err)
			}
		})
	}

	gateway := stripe.NewGateway(log, cfg.StripeSecretKey, billingMetrics)
	svc := application.NewService(log, store, gateway, events, billingMetrics, application.Config{
		Origin:         service,
		Currency:       cfg.Currency,
		GatewayTimeout: cfg.GatewayTimeout,
		PublishTimeout: cfg.PublishTimeout,
	})

	var webhook *stripe.Webhook
	if cfg.StripeWebhookSecret != "" {
		webhook = stripe.NewWebhook(log, cfg.StripeWebhookSecret, svc)
	} else {
		log.Warn("STRIPE_WEBHOOK_SECRET not set, webhook route disabled")
	}
	handler := billinghttp.NewHandler(log, svc, webhook)

	// gRPC health
	health := billinggrpc.NewHealth(log, checks)
	gs, err := billinggrpc.Run(cfg.GRPCAddr, health)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	bg.Go(func(ctx context.Context) { health.Monitor(ctx, 10*time.Second) })
	log.Info("grpc listening", "addr", cfg.GRPCAddr)

	// HTTP server
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/", handler.Routes())
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.GatewayTimeout + 10*time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
		log.Error("http server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	health.Shutdown()
	_ = srv.Shutdown(shutdownCtx)
	gs.GracefulStop()
	bg.Stop()
	return err
}

// openBroker returns the emitter billing events are delivered through.
func openBroker(log *slog.Logger, cfg settings, checks map[string]billinggrpc.Check) (eventbus.Emitter, func(), error) {
	switch cfg.Broker {
	case brokerKafka:
		p := kafkabroker.NewProducer(log, cfg.KafkaAddrs)
		checks["kafka"] = func(ctx context.Context) error {
			conn, err := kafka.DialContext(ctx, "tcp", cfg.KafkaAddrs[0])
			if err != nil {
				return err
			}
			return conn.Close()
		}
		return p, func() { _ = p.Close() }, nil
	case brokerAMQP:
		p, err := amqp.Dial(log, cfg.AMQPURL, cfg.Exchange)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	case brokerMemory:
		// single-process dev: notifications run in the same binary
		bus := eventbus.NewBus(log, 256)
		notification.NewService(log, sender.NewLogSender(log), nil).Register(bus)
		return bus, bus.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown BROKER %q", cfg.Broker)
}
