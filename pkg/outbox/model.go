package outbox

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Event is a message waiting in the outbox table.
type Event struct {
	ID         int64
	Topic      string
	Key        string
	Payload    []byte
	Headers    map[string]string
	CreatedAt  time.Time
	Status     Status
	RetryCount int
	LastError  *string
}
