package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mailsync/internal/auth"
)

// SyncRequest asks for one account to be synced. UserID, when set, must own
// the account. UserJWT is forwarded to the CredentialSource.
type SyncRequest struct {
	AccountID string
	UserID    string
	UserJWT   string
}

// ProviderFactory creates a MailProvider bound to account
type ProviderFactory func(ctx context.Context, account Account) (MailProvider, error)

// CredentialSource fetches OAuth tokens on behalf of a user
type CredentialSource interface {
	GetToken(ctx context.Context, userJWT string, provider auth.Provider) (*auth.Token, error)
}

// ManagerDeps are the collaborators of a Manager. Status and Credentials
// are optional.
type ManagerDeps struct {
	Accounts    AccountStore
	Cursors     CursorStore
	Status      StatusRecorder
	Engine      *Engine
	Providers   ProviderFactory
	Credentials CredentialSource
	Logger      *slog.Logger
}

// ManagerConfig tunes a Manager
type ManagerConfig struct {
	BatchSize   int
	Concurrency int     // max accounts synced at once by SyncAll
	RateLimit   float64 // provider requests per second per run, 0 = unlimited
}

// RunningSync describes an in-flight run
type RunningSync struct {
	AccountID string       `json:"account_id"`
	UserID    string       `json:"user_id"`
	Provider  ProviderName `json:"provider"`
	StartedAt time.Time    `json:"started_at"`
}

// Manager is the caller of the engine. It serializes runs per account,
// commits cursors and records status.
type Manager struct {
	deps   ManagerDeps
	cfg    ManagerConfig
	logger *slog.Logger
	group  singleflight.Group

	runners      map[string]RunningSync
	runnersMutex sync.RWMutex

	flights      map[string]*flight
	flightsMutex sync.Mutex
}

// NewManager creates sync manager
func NewManager(deps ManagerDeps, cfg ManagerConfig) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With("component", "sync_manager"),
		runners: make(map[string]RunningSync),
		flights: make(map[string]*flight),
	}
}

// SyncAccount runs one sync for the requested account. Concurrent calls for
// the same account share a single run and its result. The run outlives a
// canceled caller while others still wait on it, and is canceled once the
// last waiter leaves.
//
// The returned error is nil for Succeeded and Incomplete outcomes.
func (m *Manager) SyncAccount(ctx context.Context, req SyncRequest) (Result, error) {
	account, err := m.deps.Accounts.GetAccount(ctx, req.AccountID)
	if err != nil {
		return Result{AccountID: req.AccountID}, err
	}
	if req.UserID != "" && account.UserID != req.UserID {
		return Result{AccountID: req.AccountID}, ErrAccountNotFound
	}

	f := m.join(ctx, account.ID)
	ch := m.group.DoChan(account.ID, func() (interface{}, error) {
		return m.run(f.ctx, *account, req.UserJWT)
	})

	select {
	case res := <-ch:
		m.leave(account.ID, f)
		if res.Shared {
			m.logger.Debug("joined in-flight sync", "account_id", account.ID)
		}
		return res.Val.(Result), res.Err
	case <-ctx.Done():
		m.leave(account.ID, f)
		err := &Error{Kind: KindCanceled, Err: ctx.Err()}
		return Result{AccountID: account.ID, Outcome: OutcomeFailed, State: StateFailed, Err: err}, err
	}
}

// flight is the context shared by every caller waiting on one account's run
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (m *Manager) join(ctx context.Context, accountID string) *flight {
	m.flightsMutex.Lock()
	defer m.flightsMutex.Unlock()

	f, ok := m.flights[accountID]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: runCtx, cancel: cancel}
		m.flights[accountID] = f
	}
	f.waiters++
	return f
}

func (m *Manager) leave(accountID string, f *flight) {
	m.flightsMutex.Lock()
	defer m.flightsMutex.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if m.flights[accountID] == f {
		delete(m.flights, accountID)
	}
}

// SyncAll syncs every account with bounded concurrency. Each account's
// failure is independent; the joined error lists all of them.
//
// Accounts without a stored access token are skipped when a
// CredentialSource is configured, since only a user request carries the
// JWT needed to fetch one.
func (m *Manager) SyncAll(ctx context.Context) ([]Result, error) {
	accounts, err := m.deps.Accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	runnable := accounts[:0:0]
	for _, account := range accounts {
		if m.needsUserToken(account) {
			m.logger.Debug("skipping account without stored token", "account_id", account.ID)
			continue
		}
		runnable = append(runnable, account)
	}

	results := make([]Result, len(runnable))
	errs := make([]error, len(runnable))

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, account := range runnable {
		g.Go(func() error {
			results[i], errs[i] = m.SyncAccount(ctx, SyncRequest{
				AccountID: account.ID,
				UserID:    account.UserID,
			})
			if errs[i] != nil {
				errs[i] = fmt.Errorf("account %s: %w", account.ID, errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

func (m *Manager) needsUserToken(account Account) bool {
	if m.deps.Credentials == nil || account.Token.AccessToken != "" {
		return false
	}
	return account.Provider == ProviderGoogle || account.Provider == ProviderMicrosoft
}

// Running returns currently running syncs ordered by start time
func (m *Manager) Running() []RunningSync {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	syncs := make([]RunningSync, 0, len(m.runners))
	for _, rs := range m.runners {
		syncs = append(syncs, rs)
	}
	sort.Slice(syncs, func(i, j int) bool {
		return syncs[i].StartedAt.Before(syncs[j].StartedAt)
	})
	return syncs
}

// IsRunning checks if a sync is running for an account
func (m *Manager) IsRunning(accountID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[accountID]
	return exists
}

func (m *Manager) run(ctx context.Context, account Account, userJWT string) (Result, error) {
	logger := m.logger.With("account_id", account.ID, "provider", account.Provider)

	m.track(account)
	defer m.untrack(account.ID)

	m.recordStatus(ctx, account.ID, StatusSyncing, "")

	result, err := m.execute(ctx, logger, account, userJWT)
	switch {
	case err != nil:
		m.recordStatus(ctx, account.ID, StatusError, err.Error())
	case result.Outcome == OutcomeIncomplete:
		m.recordStatus(ctx, account.ID, StatusPartial, "")
	default:
		m.recordStatus(ctx, account.ID, StatusSynced, "")
	}
	return result, err
}

func (m *Manager) execute(ctx context.Context, logger *slog.Logger, account Account, userJWT string) (Result, error) {
	failed := Result{AccountID: account.ID, State: StateFailed}

	cursor, err := m.deps.Cursors.GetLastCursor(ctx, account.ID)
	if err != nil {
		return failed, fmt.Errorf("load cursor: %w", err)
	}
	account.LastCursor = cursor

	if account.Token.AccessToken == "" && m.deps.Credentials != nil {
		token, err := m.fetchToken(ctx, account, userJWT)
		if err != nil {
			return failed, fmt.Errorf("get token: %w", err)
		}
		account.Token = *token
	}

	provider, err := m.deps.Providers(ctx, account)
	if err != nil {
		return failed, fmt.Errorf("create provider: %w", err)
	}
	if c, ok := provider.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				logger.Warn("close provider", "error", err)
			}
		}()
	}
	if m.cfg.RateLimit > 0 {
		provider = RateLimited(provider, rate.NewLimiter(rate.Limit(m.cfg.RateLimit), 1))
	}

	result := m.deps.Engine.Run(ctx, provider, account, m.cfg.BatchSize)
	if !result.Committable() {
		return result, result.Err
	}

	commit := result.FinalCursor
	if result.Success() && !result.CaughtUpCursor.IsZero() {
		commit = result.CaughtUpCursor
	}
	if commit != cursor {
		if err := m.deps.Cursors.SetLastCursor(ctx, account.ID, commit); err != nil {
			logger.Error("commit cursor", "error", err)
			return result, fmt.Errorf("%w: %v", ErrCommitCursor, err)
		}
	}
	return result, nil
}

func (m *Manager) fetchToken(ctx context.Context, account Account, userJWT string) (*auth.Token, error) {
	var provider auth.Provider
	switch account.Provider {
	case ProviderGoogle:
		provider = auth.ProviderGoogle
	case ProviderMicrosoft:
		provider = auth.ProviderMicrosoft
	default:
		return nil, fmt.Errorf("no token source for provider %s", account.Provider)
	}
	return m.deps.Credentials.GetToken(ctx, userJWT, provider)
}

func (m *Manager) recordStatus(ctx context.Context, accountID string, status Status, lastError string) {
	if m.deps.Status == nil {
		return
	}
	// Status must land even when the run was canceled.
	ctx = context.WithoutCancel(ctx)
	if err := m.deps.Status.SaveSyncStatus(ctx, accountID, status, lastError); err != nil {
		m.logger.Warn("save sync status", "account_id", accountID, "status", status, "error", err)
	}
}

func (m *Manager) track(account Account) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	m.runners[account.ID] = RunningSync{
		AccountID: account.ID,
		UserID:    account.UserID,
		Provider:  account.Provider,
		StartedAt: time.Now(),
	}
}

func (m *Manager) untrack(accountID string) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	delete(m.runners, accountID)
}
