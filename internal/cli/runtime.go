package cli

import (
	"io"
	"log/slog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/eventstore"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// runtime is the configured process state shared by commands
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	store  eventstore.Store
}

// openRuntime loads config, builds the logger writing to logOut and opens
// the store
func openRuntime(opts *RootOptions, logOut io.Writer) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	logger := logging.NewWithWriter(logOut, cfg.LogLevel, cfg.LogFormat)

	store, err := eventstore.Open(eventstore.Options{
		Driver:      cfg.DatabaseDriver,
		Path:        cfg.DatabasePath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	logger.Debug("store opened", "driver", cfg.DatabaseDriver)

	return &runtime{cfg: cfg, logger: logger, store: store}, nil
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

// newManager wires the engine, provider factory and credential source
func (rt *runtime) newManager() *sync.Manager {
	cfg := rt.cfg

	engine := sync.NewEngine(rt.store, rt.logger,
		sync.WithMaxBatches(cfg.SyncMaxBatches),
		sync.WithMaxDuration(cfg.SyncMaxDuration),
	)

	var credentials sync.CredentialSource
	if cfg.AuthServerURL != "" {
		credentials = auth.NewBetterAuthClient(cfg.AuthServerURL)
	}

	factory := providers.NewFactory(providers.Config{
		GoogleClientID:       cfg.GoogleClientID,
		GoogleClientSecret:   cfg.GoogleClientSecret,
		GmailPubSubTopic:     cfg.GmailPubSubTopic,
		MicrosoftClientID:    cfg.MicrosoftClientID,
		MicrosoftSecret:      cfg.MicrosoftClientSecret,
		GraphNotificationURL: cfg.GraphNotificationURL,
		GraphClientState:     cfg.GraphClientState,
	}, rt.logger)

	return sync.NewManager(sync.ManagerDeps{
		Accounts:    rt.store,
		Cursors:     rt.store,
		Status:      rt.store,
		Engine:      engine,
		Providers:   factory,
		Credentials: credentials,
		Logger:      rt.logger,
	}, sync.ManagerConfig{
		BatchSize:   cfg.SyncBatchSize,
		Concurrency: cfg.SyncConcurrency,
		RateLimit:   cfg.ProviderRateLimit,
	})
}
