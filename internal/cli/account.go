package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// AccountOptions holds flags for account add.
type AccountOptions struct {
	ID           string
	UserID       string
	Provider     string
	Email        string
	AccessToken  string
	RefreshToken string
	Expiry       time.Duration
}

type accountSummary struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Email     string    `json:"email"`
	Cursor    string    `json:"cursor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAccountCommand creates the account command group.
func NewAccountCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage synced accounts",
	}

	cmd.AddCommand(newAccountAddCommand(rootOpts))
	cmd.AddCommand(newAccountListCommand(rootOpts))

	return cmd
}

func newAccountAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AccountOptions{}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update an account",
		Long: `Register a mailbox to sync.

For GOOGLE and MICROSOFT accounts the access token may be left empty when
AUTH_SERVER_URL is set; tokens are then fetched per run. For IMAP accounts
the access token is the app password.`,
		Example: `  mailsync account add --user u1 --provider IMAP --email me@fastmail.com --access-token app-pass`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			account := &sync.Account{
				ID:       opts.ID,
				UserID:   opts.UserID,
				Provider: sync.ProviderName(strings.ToUpper(opts.Provider)),
				Email:    opts.Email,
				Token:    authToken(opts),
			}
			if !account.Provider.Valid() {
				return WrapExitError(ExitCommandError, fmt.Sprintf("unknown provider %q", opts.Provider), nil)
			}

			rt, err := openRuntime(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.CreateAccount(cmd.Context(), account); err != nil {
				return WrapExitError(ExitCommandError, "failed to save account", err)
			}

			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Success(summarizeAccount(*account), account.ID+"\n")
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "account ID (generated when empty)")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "owning user ID")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "GOOGLE, MICROSOFT or IMAP")
	cmd.Flags().StringVar(&opts.Email, "email", "", "mailbox address")
	cmd.Flags().StringVar(&opts.AccessToken, "access-token", "", "OAuth access token or IMAP password")
	cmd.Flags().StringVar(&opts.RefreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().DurationVar(&opts.Expiry, "expires-in", 0, "access token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newAccountListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts with their committed cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			accounts, err := rt.store.ListAccounts(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list accounts", err)
			}

			summaries := make([]accountSummary, len(accounts))
			var text strings.Builder
			for i, a := range accounts {
				summaries[i] = summarizeAccount(a)
				cursor := "-"
				if !a.LastCursor.IsZero() {
					cursor = "synced"
				}
				fmt.Fprintf(&text, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.UserID, a.Provider, a.Email, cursor)
			}

			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Success(summaries, text.String())
		},
	}
}

func authToken(opts *AccountOptions) (tok auth.Token) {
	tok.AccessToken = opts.AccessToken
	tok.RefreshToken = opts.RefreshToken
	if opts.Expiry > 0 {
		tok.Expiry = time.Now().Add(opts.Expiry).UTC()
	}
	return tok
}

func summarizeAccount(a sync.Account) accountSummary {
	return accountSummary{
		ID:        a.ID,
		UserID:    a.UserID,
		Provider:  string(a.Provider),
		Email:     a.Email,
		Cursor:    string(a.LastCursor),
		CreatedAt: a.CreatedAt,
	}
}
