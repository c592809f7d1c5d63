package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mailsync/internal/auth"
)

// Account identifies a mailbox owner
type Account struct {
	ID         string
	UserID     string
	Provider   ProviderName
	Email      string
	Token      auth.Token
	LastCursor Cursor
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AccountStore loads accounts. GetAccount returns ErrAccountNotFound
// when no such account exists.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
}

// Status is the operator-facing sync state of an account
type Status string

const (
	StatusSyncing Status = "SYNCING"
	StatusSynced  Status = "SYNCED"
	StatusPartial Status = "PARTIAL"
	StatusError   Status = "ERROR"
)

// SyncStatus is the stored sync state for an account
type SyncStatus struct {
	AccountID    string     `json:"account_id"`
	Status       Status     `json:"status"`
	Cursor       Cursor     `json:"cursor,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	RetryCount   int        `json:"retry_count"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// StatusRecorder stores sync status for operators
type StatusRecorder interface {
	SaveSyncStatus(ctx context.Context, accountID string, status Status, lastError string) error
}
