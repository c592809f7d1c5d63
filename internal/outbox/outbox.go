package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventEmailReceived is the event type written for every newly stored message
const EventEmailReceived = "email.received"

// Message is a pending outbox row
type Message struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
	Retries int
}

// EmailReceived is the payload published for a newly stored message
type EmailReceived struct {
	EventID           string            `json:"event_id"`
	TS                int64             `json:"ts"`
	MsgDate           int64             `json:"msg_date"`
	Provider          string            `json:"provider"`
	AccountID         string            `json:"account_id"`
	UserID            string            `json:"user_id"`
	ProviderMessageID string            `json:"provider_message_id"`
	ProviderThreadID  string            `json:"provider_thread_id"`
	Subject           string            `json:"subject"`
	Sender            string            `json:"sender"`
	To                []string          `json:"to_addrs"`
	Cc                []string          `json:"cc_addrs"`
	Bcc               []string          `json:"bcc_addrs"`
	Snippet           string            `json:"snippet"`
	Headers           map[string]string `json:"headers"`
	Labels            []string          `json:"labels"`
}

// SubjectFor returns the NATS subject for a user's received mail
func SubjectFor(userID string) string {
	return fmt.Sprintf("user.%s.email.received", userID)
}

// MsgIDFor returns the JetStream de-duplication id for a message. Provider
// message ids are only unique within one mailbox.
func MsgIDFor(provider, accountID, messageID string) string {
	return fmt.Sprintf("%s|%s|%s|%s", EventEmailReceived, provider, accountID, messageID)
}

// Queue is the durable side of the outbox
type Queue interface {
	DequeueOutbox(ctx context.Context, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher delivers one message to the broker
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Dispatcher relays outbox rows to the broker
type Dispatcher struct {
	queue     Queue
	publisher Publisher
	logger    *slog.Logger

	BatchSize    int
	IdleInterval time.Duration
	ErrorBackoff time.Duration
	RetryBackoff time.Duration
}

// NewDispatcher creates a dispatcher with default pacing
func NewDispatcher(queue Queue, publisher Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:        queue,
		publisher:    publisher,
		logger:       logger.With("component", "outbox"),
		BatchSize:    100,
		IdleInterval: 500 * time.Millisecond,
		ErrorBackoff: time.Second,
		RetryBackoff: 10 * time.Second,
	}
}

// Run dispatches until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		n, err := d.DispatchOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			d.logger.Error("dequeue outbox", "error", err)
			wait = d.ErrorBackoff
		case n == 0:
			wait = d.IdleInterval
		}

		if wait == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch of due rows and returns how many were
// dequeued. Publish failures are rescheduled, not returned.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.queue.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.logger.Warn("publish failed", "outbox_id", msg.ID, "retries", msg.Retries, "error", err)
			if err := d.queue.MarkOutboxRetry(ctx, msg.ID, d.RetryBackoff); err != nil {
				d.logger.Error("mark outbox retry", "outbox_id", msg.ID, "error", err)
			}
			continue
		}

		if err := d.queue.MarkPublished(ctx, msg.ID); err != nil {
			d.logger.Error("mark published", "outbox_id", msg.ID, "error", err)
		}
	}
	return len(messages), nil
}
