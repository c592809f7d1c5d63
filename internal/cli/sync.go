package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	AccountID string
	UserID    string
	All       bool
}

// syncSummary is the printable form of a sync.Result
type syncSummary struct {
	AccountID   string `json:"account_id"`
	Outcome     string `json:"outcome"`
	FinalCursor string `json:"final_cursor,omitempty"`
	Persisted   int    `json:"persisted"`
	Inserted    int    `json:"inserted"`
	Batches     int    `json:"batches"`
	DurationMS  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync one account or every account once",
		Long: `Run a sync in the foreground and commit the resulting cursor.

A run resumes from the last committed cursor. Exit status is 1 when any
sync failed.`,
		Example: `  mailsync sync --account 3f1c...
  mailsync sync --all --format json`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.All == (opts.AccountID != "") {
				return WrapExitError(ExitCommandError, "exactly one of --account or --all is required", nil)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.AccountID, "account", "a", "", "account ID to sync")
	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "require the account to belong to this user")
	cmd.Flags().BoolVar(&opts.All, "all", false, "sync every account")

	return cmd
}

func runSync(ctx context.Context, rootOpts *RootOptions, opts *SyncOptions, cmd *cobra.Command) error {
	rt, err := openRuntime(rootOpts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	manager := rt.newManager()

	var results []sync.Result
	if opts.All {
		results, err = manager.SyncAll(ctx)
	} else {
		var result sync.Result
		result, err = manager.SyncAccount(ctx, sync.SyncRequest{AccountID: opts.AccountID, UserID: opts.UserID})
		if result.Err == nil && err != nil {
			result.Err = err
		}
		results = []sync.Result{result}
	}

	summaries := make([]syncSummary, len(results))
	var text strings.Builder
	for i, r := range results {
		summaries[i] = summarize(r)
		text.WriteString(summaries[i].String())
	}

	if err != nil {
		code := ExitFailure
		if !opts.All && errors.Is(err, sync.ErrAccountNotFound) {
			code = ExitCommandError
		}
		_ = formatter.Failure(summaries, err)
		return WrapExitError(code, "sync failed", err)
	}
	return formatter.Success(summaries, text.String())
}

func summarize(r sync.Result) syncSummary {
	s := syncSummary{
		AccountID:   r.AccountID,
		Outcome:     r.Outcome.String(),
		FinalCursor: string(r.FinalCursor),
		Persisted:   r.Persisted,
		Inserted:    r.Inserted,
		Batches:     r.Batches,
		DurationMS:  r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

func (s syncSummary) String() string {
	line := fmt.Sprintf("%s: %s, %d messages (%d new) in %d batches, %s",
		s.AccountID, s.Outcome, s.Persisted, s.Inserted, s.Batches,
		(time.Duration(s.DurationMS) * time.Millisecond).String())
	if s.Error != "" {
		line += ": " + s.Error
	}
	return line + "\n"
}
