//go:build integration

// Package integration starts throwaway Postgres and Kafka containers for
// tests built with -tags integration.
package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startupTimeout = 2 * time.Minute

type Env struct {
	PG    *postgres.PostgresContainer
	Kafka *kafka.KafkaContainer
	PGURL string
	KAddr []string
}

func StartPostgres(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("billing"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startupTimeout),
		),
	)
	if err != nil {
		return nil, "", fmt.Errorf("start postgres: %w", err)
	}

	pgURL, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(context.Background())
		return nil, "", err
	}
	return pgC, pgURL, nil
}

func StartKafka(ctx context.Context) (*kafka.KafkaContainer, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	kafkaC, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafka.WithClusterID("billing-test"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("start kafka: %w", err)
	}

	brokers, err := kafkaC.Brokers(ctx)
	if err != nil {
		_ = kafkaC.Terminate(context.Background())
		return nil, nil, err
	}
	return kafkaC, brokers, nil
}

func Setup(ctx context.Context) (*Env, error) {
	pgC, pgURL, err := StartPostgres(ctx)
	if err != nil {
		return nil, err
	}
	kafkaC, brokers, err := StartKafka(ctx)
	if err != nil {
		_ = pgC.Terminate(context.Background())
		return nil, err
	}
	return &Env{PG: pgC, Kafka: kafkaC, PGURL: pgURL, KAddr: brokers}, nil
}

func (e *Env) Teardown(ctx context.Context) {
	_ = e.Kafka.Terminate(ctx)
	_ = e.PG.Terminate(ctx)
}
