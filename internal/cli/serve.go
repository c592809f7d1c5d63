package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/auth"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/outbox"
	"github.com/Martian-dev/mailsync/internal/server"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP trigger, scheduler and outbox relay",
		Long: `Serve POST /api/initial-sync and the status endpoints.

When SYNC_INTERVAL is set every account is re-synced on that interval.
When NATS_URL is set new messages are relayed from the outbox to JetStream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, addr, cmd)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")

	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, addr string, cmd *cobra.Command) error {
	rt, err := openRuntime(opts, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, logger := rt.cfg, rt.logger
	if addr == "" {
		addr = cfg.HTTPAddr
	}

	manager := rt.newManager()

	var authn server.Authenticator
	if cfg.AuthEnabled() {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to initialize JWT verifier", err)
		}
		authn = verifier
	} else {
		logger.Warn("JWKS_URL not set, requests are not authenticated")
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.EventsEnabled() {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to ensure stream", err)
		}
		dispatcher := outbox.NewDispatcher(rt.store, publisher, logger)
		g.Go(func() error { return dispatcher.Run(ctx) })
	}

	scheduler := sync.NewScheduler(manager, cfg.SyncInterval, logger)
	g.Go(func() error { return scheduler.Run(ctx) })

	srv := server.New(manager, rt.store, authn, logger)
	g.Go(func() error { return srv.ListenAndServe(ctx, addr) })

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
