// Package queue holds inbound lab messages until the processor interprets
// them, and archives or parks each one afterwards.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Message statuses.
const (
	StatusPending = "pending"
	StatusError   = "error"
)

var ErrNotFound = errors.New("queue message not found")

// Message is one queued inbound lab message.
type Message struct {
	ID         uuid.UUID  `json:"id"`
	Source     string     `json:"source"`
	Data       string     `json:"data"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
}

// Store is a lab message queue with an archive. Next returns nil, nil when
// no message is pending. Failed messages are kept but never returned by
// Next again.
type Store interface {
	Enqueue(ctx context.Context, data, source string) (*Message, error)
	Next(ctx context.Context) (*Message, error)
	Archive(ctx context.Context, msg *Message) error
	Fail(ctx context.Context, msg *Message, cause error) error
	Size(ctx context.Context) (int, error)
	ArchiveSize(ctx context.Context) (int, error)
}

func newMessage(data, source string, now time.Time) *Message {
	return &Message{
		ID:         uuid.New(),
		Source:     source,
		Data:       data,
		Status:     StatusPending,
		ReceivedAt: now.UTC(),
	}
}

func causeText(cause error) string {
	if cause == nil {
		return "unknown error"
	}
	return cause.Error()
}
