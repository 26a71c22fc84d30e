package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fitness360/billing-pipeline/pkg/eventbus"
)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Key scopes the dedupe entry to the consumer group so two services reading
// the same topic do not suppress each other.
func (s *Store) Key(group string, msg eventbus.Message) string {
	id := msg.EventID()
	if id == "" {
		sum := sha256.Sum256(msg.Value)
		id = hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("idem:%s:%s:%s", group, msg.Topic, id)
}

// Claim reports whether the caller is the first to see key.
func (s *Store) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim %s: %w", key, err)
	}
	return ok, nil
}

// Release drops a claim so a redelivery is processed again.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("idempotency release %s: %w", key, err)
	}
	return nil
}

// Once runs fn only if key has not been claimed yet. A failing fn gives the
// claim back so the next attempt runs it again. ran reports whether fn was
// called.
func (s *Store) Once(ctx context.Context, key string, fn func(context.Context) error) (ran bool, err error) {
	first, err := s.Claim(ctx, key)
	if err != nil || !first {
		return false, err
	}
	if err := fn(ctx); err != nil {
		if rerr := s.Release(context.WithoutCancel(ctx), key); rerr != nil {
			return true, errors.Join(err, rerr)
		}
		return true, err
	}
	return true, nil
}
