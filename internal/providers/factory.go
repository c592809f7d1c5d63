package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/imap"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Config holds provider credentials and subscription targets
type Config struct {
	GoogleClientID       string
	GoogleClientSecret   string
	GmailPubSubTopic     string
	MicrosoftClientID    string
	MicrosoftSecret      string
	GraphNotificationURL string
	GraphClientState     string
}

// NewFactory returns a sync.ProviderFactory building the adapter that
// matches each account's provider
func NewFactory(cfg Config, logger *slog.Logger) sync.ProviderFactory {
	return func(ctx context.Context, account sync.Account) (sync.MailProvider, error) {
		log := logger.With("account_id", account.ID)
		switch account.Provider {
		case sync.ProviderGoogle:
			return gmail.New(ctx, account.Token, gmail.Options{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				PubSubTopic:  cfg.GmailPubSubTopic,
				Logger:       log,
			})
		case sync.ProviderMicrosoft:
			user := account.Email
			if user == "" {
				return nil, fmt.Errorf("microsoft account %s has no email", account.ID)
			}
			return outlook.New(ctx, account.Token, user, outlook.Options{
				ClientID:        cfg.MicrosoftClientID,
				ClientSecret:    cfg.MicrosoftSecret,
				NotificationURL: cfg.GraphNotificationURL,
				ClientState:     cfg.GraphClientState,
				Logger:          log,
			})
		case sync.ProviderIMAP:
			// IMAP accounts keep their app password in the access token slot.
			return imap.New(account.Email, account.Token.AccessToken, imap.Options{Logger: log})
		default:
			return nil, fmt.Errorf("unsupported provider %q", account.Provider)
		}
	}
}
