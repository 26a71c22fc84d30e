package sender

import (
	"context"
	"log/slog"

	"github.com/fitness360/billing-pipeline/internal/notification/domain"
)

// LogSender delivers notifications by writing them to the structured log.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, n domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attrs := []any{
		"notification_id", n.ID,
		"tenant_id", n.TenantID,
		"recipient_id", n.RecipientID,
		"channel", string(n.Channel),
		"title", n.Title,
		"body", n.Body,
	}
	for k, v := range n.Data {
		attrs = append(attrs, k, v)
	}
	s.log.InfoContext(ctx, "notification sent", attrs...)
	return nil
}
