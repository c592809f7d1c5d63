package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultBatchSize is used when a run is requested with a non-positive size
const DefaultBatchSize = 50

// Result describes one run. It is never persisted.
type Result struct {
	AccountID   string
	Outcome     Outcome
	State       State
	FinalCursor Cursor // empty when Outcome is OutcomeFailed
	Persisted   int    // messages upserted, including re-deliveries
	Inserted    int    // messages that were new to the store
	Batches     int
	Duration    time.Duration
	Err         error

	// CaughtUpCursor is the cursor returned with the terminating empty
	// batch when the provider moved it past FinalCursor. Committing it
	// skips no messages.
	CaughtUpCursor Cursor
}

// Success reports whether the run caught up with the provider
func (r Result) Success() bool {
	return r.Outcome == OutcomeSucceeded
}

// Committable reports whether FinalCursor may be written to a CursorStore
func (r Result) Committable() bool {
	return r.Outcome == OutcomeSucceeded || r.Outcome == OutcomeIncomplete
}

// Engine drives the fetch, persist, advance loop for one account at a time.
// It holds no per-run state and is safe for concurrent use across accounts.
type Engine struct {
	store       MessageStore
	logger      *slog.Logger
	maxBatches  int
	maxDuration time.Duration
	now         func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithMaxBatches stops a run after n persisted batches. Zero disables it.
func WithMaxBatches(n int) Option {
	return func(e *Engine) { e.maxBatches = n }
}

// WithMaxDuration stops a run once d has elapsed. Zero disables it.
func WithMaxDuration(d time.Duration) Option {
	return func(e *Engine) { e.maxDuration = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine persisting into store
func NewEngine(store MessageStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: logger.With("component", "sync_engine"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run synchronizes account from provider, starting at account.LastCursor.
//
// The cursor used for each fetch is the one returned with the previously
// persisted batch. On failure no cursor is surfaced; messages persisted by
// earlier batches stay persisted and are re-confirmed by the next run.
// Run never commits the cursor; that is left to the caller.
func (e *Engine) Run(ctx context.Context, provider MailProvider, account Account, batchSize int) Result {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	r := &run{
		engine:  e,
		logger:  e.logger.With("account_id", account.ID, "provider", account.Provider),
		started: e.now(),
		result:  Result{AccountID: account.ID, State: StateInit},
	}

	r.transition(StateSubscribing)
	if err := provider.OpenSubscription(ctx); err != nil {
		return r.fail(KindSubscription, err)
	}

	cursor := account.LastCursor
	for {
		r.transition(StateFetching)

		if err := ctx.Err(); err != nil {
			return r.fail(KindCanceled, err)
		}
		if reason := r.guardTripped(); reason != "" {
			return r.incomplete(cursor, reason)
		}

		batch, err := provider.FetchBatch(ctx, batchSize, cursor)
		if err != nil {
			return r.fail(KindProviderFetch, err)
		}
		if len(batch.Messages) == 0 {
			if !batch.NextCursor.IsZero() && batch.NextCursor != cursor {
				r.result.CaughtUpCursor = batch.NextCursor
			}
			return r.done(cursor)
		}

		r.transition(StatePersisting)
		inserted, err := e.store.UpsertBatch(ctx, account.ID, batch.Messages)
		if err != nil {
			return r.fail(KindPersistence, err)
		}

		cursor = batch.NextCursor
		r.result.Batches++
		r.result.Persisted += len(batch.Messages)
		r.result.Inserted += inserted

		r.logger.Debug("batch persisted",
			"batch", r.result.Batches,
			"size", len(batch.Messages),
			"inserted", inserted,
			"total", r.result.Persisted)
	}
}

// run is the state of a single Engine.Run invocation
type run struct {
	engine  *Engine
	logger  *slog.Logger
	started time.Time
	result  Result
}

func (r *run) transition(to State) {
	from := r.result.State
	if !from.canTransition(to) {
		panic(fmt.Sprintf("sync: invalid state transition %s -> %s", from, to))
	}
	r.result.State = to
	r.logger.Debug("state transition", "from", from, "to", to)
}

func (r *run) guardTripped() string {
	e := r.engine
	if e.maxBatches > 0 && r.result.Batches >= e.maxBatches {
		return "max batches reached"
	}
	if e.maxDuration > 0 && e.now().Sub(r.started) >= e.maxDuration {
		return "max duration reached"
	}
	return ""
}

func (r *run) finish(state State, outcome Outcome) Result {
	r.transition(state)
	r.result.Outcome = outcome
	r.result.Duration = r.engine.now().Sub(r.started)
	return r.result
}

func (r *run) done(cursor Cursor) Result {
	r.result.FinalCursor = cursor
	res := r.finish(StateDone, OutcomeSucceeded)
	r.logger.Info("sync complete",
		"batches", res.Batches,
		"persisted", res.Persisted,
		"inserted", res.Inserted,
		"duration", res.Duration)
	return res
}

func (r *run) incomplete(cursor Cursor, reason string) Result {
	r.result.FinalCursor = cursor
	res := r.finish(StateIncomplete, OutcomeIncomplete)
	r.logger.Warn("sync incomplete, resume required",
		"reason", reason,
		"batches", res.Batches,
		"persisted", res.Persisted,
		"duration", res.Duration)
	return res
}

func (r *run) fail(kind Kind, err error) Result {
	batch := 0
	if kind != KindSubscription {
		batch = r.result.Batches + 1
	}
	r.result.Err = &Error{Kind: kind, Batch: batch, Err: err}
	r.result.FinalCursor = ""
	res := r.finish(StateFailed, OutcomeFailed)
	r.logger.Error("sync failed",
		"kind", kind,
		"batch", batch,
		"persisted", res.Persisted,
		"error", err)
	return res
}
