package eventstore

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/eventstore/postgres"
	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/outbox"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Store is everything the sync service needs from persistence
type Store interface {
	sync.AccountStore
	sync.MessageStore
	sync.CursorStore
	sync.StatusRecorder
	outbox.Queue

	CreateAccount(ctx context.Context, account *sync.Account) error
	GetSyncStatus(ctx context.Context, accountID string) (*sync.SyncStatus, error)
	CountMessages(ctx context.Context, accountID string) (int, error)
	Close() error
}

var (
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// Options selects and locates a backend
type Options struct {
	Driver      string // sqlite or postgres
	Path        string
	DatabaseURL string
}

// Open opens the configured backend and brings its schema up to date
func Open(opts Options) (Store, error) {
	switch opts.Driver {
	case "", "sqlite":
		store, err := sqlite.Open(opts.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := postgres.Open(opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}
