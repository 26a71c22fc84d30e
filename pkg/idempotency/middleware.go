package idempotency

import (
	"context"
	"log/slog"

	"github.com/fitness360/billing-pipeline/pkg/eventbus"
)

// Middleware skips messages already handled by group. A failing handler
// releases its claim so the broker redelivery gets another attempt.
func Middleware(s *Store, group string, log *slog.Logger) func(eventbus.Handler) eventbus.Handler {
	return func(next eventbus.Handler) eventbus.Handler {
		return func(ctx context.Context, msg eventbus.Message) error {
			key := s.Key(group, msg)

			first, err := s.Claim(ctx, key)
			if err != nil {
				return err
			}
			if !first {
				log.Info("duplicate message skipped", "topic", msg.Topic, "event_id", msg.EventID())
				return nil
			}

			if err := next(ctx, msg); err != nil {
				if rerr := s.Release(context.WithoutCancel(ctx), key); rerr != nil {
					log.Error("idempotency release failed", "key", key, "err", rerr)
				}
				return err
			}
			return nil
		}
	}
}
