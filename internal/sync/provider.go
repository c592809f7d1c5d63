package sync

import (
	"context"
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
	ProviderIMAP      ProviderName = "IMAP"
)

// Valid reports whether p is a known provider
func (p ProviderName) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderIMAP:
		return true
	}
	return false
}

// Cursor is an opaque provider-issued delta token.
// The empty cursor means "start from the beginning".
type Cursor string

// IsZero reports whether the cursor has never been set
func (c Cursor) IsZero() bool {
	return c == ""
}

// Message represents a normalized email across providers
type Message struct {
	ID        string // provider ID, the de-duplication key
	AccountID string
	ThreadID  string
	Subject   string
	Sender    string
	To        []string
	Cc        []string
	Bcc       []string
	Snippet   string
	Labels    []string
	Headers   map[string]string
	Date      time.Time
	Payload   []byte // raw provider representation, JSON
}

// Batch is one bounded page of messages returned by a single fetch
type Batch struct {
	Messages   []Message
	NextCursor Cursor
}

// MailProvider is the remote mailbox the engine pulls from.
//
// FetchBatch returns an empty Messages slice, not an error, when there is
// nothing newer than cursor. maxSize is advisory.
type MailProvider interface {
	OpenSubscription(ctx context.Context) error
	FetchBatch(ctx context.Context, maxSize int, cursor Cursor) (Batch, error)
}

// MessageStore persists batches. UpsertBatch is atomic per batch and
// idempotent per message ID; it returns how many messages were new.
type MessageStore interface {
	UpsertBatch(ctx context.Context, accountID string, messages []Message) (int, error)
}

// CursorStore holds the last committed cursor per account
type CursorStore interface {
	GetLastCursor(ctx context.Context, accountID string) (Cursor, error)
	SetLastCursor(ctx context.Context, accountID string, cursor Cursor) error
}
