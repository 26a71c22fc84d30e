package domain

import (
	"fmt"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelInApp Channel = "IN_APP"
)

// Notification is one message addressed to a member or a tenant admin.
type Notification struct {
	ID          string
	TenantID    string
	RecipientID string
	Channel     Channel
	Title       string
	Body        string
	Data        map[string]string
	CreatedAt   time.Time
}

// AdminRecipient addresses the administrators of a tenant.
func AdminRecipient(tenantID string) string {
	return fmt.Sprintf("admin:%s", tenantID)
}

// Sent is published after a notification leaves the service.
type Sent struct {
	NotificationID string    `json:"notificationId"`
	TenantID       string    `json:"tenantId"`
	RecipientID    string    `json:"recipientId"`
	Type           Channel   `json:"type"`
	Title          string    `json:"title"`
	SentAt         time.Time `json:"sentAt"`
}

const TopicNotificationSent = "notification.sent"
