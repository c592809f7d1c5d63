package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeMessages(n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{ID: fmt.Sprintf("msg-%03d", i), Subject: fmt.Sprintf("subject %d", i)}
	}
	return msgs
}

type fetchCall struct {
	MaxSize int
	Cursor  Cursor
}

// fakeMailbox pages through a fixed message list. The cursor is the offset
// of the next unseen message.
type fakeMailbox struct {
	mu       sync.Mutex
	messages []Message
	calls    []fetchCall
	subs     int

	subscribeErr error
	// failFetch, when set, is consulted before every fetch with the
	// 1-based call number.
	failFetch func(call int) error
	// onFetch runs at the start of every fetch
	onFetch func(ctx context.Context)
	// caughtUp, when set, is returned as the cursor of empty batches
	caughtUp Cursor
}

func (f *fakeMailbox) OpenSubscription(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	return f.subscribeErr
}

func (f *fakeMailbox) FetchBatch(ctx context.Context, maxSize int, cursor Cursor) (Batch, error) {
	if f.onFetch != nil {
		f.onFetch(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{MaxSize: maxSize, Cursor: cursor})
	if f.failFetch != nil {
		if err := f.failFetch(len(f.calls)); err != nil {
			return Batch{}, err
		}
	}

	start := 0
	if !cursor.IsZero() {
		n, err := strconv.Atoi(string(cursor))
		if err != nil {
			return Batch{}, fmt.Errorf("bad cursor %q", cursor)
		}
		start = n
	}
	if start >= len(f.messages) {
		if f.caughtUp != "" {
			return Batch{NextCursor: f.caughtUp}, nil
		}
		return Batch{NextCursor: cursor}, nil
	}
	end := min(start+maxSize, len(f.messages))
	page := append([]Message(nil), f.messages[start:end]...)
	return Batch{Messages: page, NextCursor: Cursor(strconv.Itoa(end))}, nil
}

func (f *fakeMailbox) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

// endlessMailbox never runs dry
type endlessMailbox struct {
	fetches int
}

func (e *endlessMailbox) OpenSubscription(ctx context.Context) error { return nil }

func (e *endlessMailbox) FetchBatch(ctx context.Context, maxSize int, cursor Cursor) (Batch, error) {
	e.fetches++
	msgs := make([]Message, maxSize)
	for i := range msgs {
		msgs[i] = Message{ID: fmt.Sprintf("m-%d-%d", e.fetches, i)}
	}
	return Batch{Messages: msgs, NextCursor: Cursor(fmt.Sprintf("page-%d", e.fetches))}, nil
}

// memStore is an in-memory MessageStore with per-batch atomicity
type memStore struct {
	mu       sync.Mutex
	messages map[string]map[string]Message
	batches  int
	// failBatch, when set, is consulted with the 1-based upsert number
	failBatch func(n int) error
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string]map[string]Message)}
}

func (s *memStore) UpsertBatch(ctx context.Context, accountID string, messages []Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	if s.failBatch != nil {
		if err := s.failBatch(s.batches); err != nil {
			return 0, err
		}
	}
	for _, m := range messages {
		if m.ID == "" {
			return 0, errors.New("message without id")
		}
	}
	box := s.messages[accountID]
	if box == nil {
		box = make(map[string]Message)
		s.messages[accountID] = box
	}
	inserted := 0
	for _, m := range messages {
		if _, ok := box[m.ID]; ok {
			continue
		}
		box[m.ID] = m
		inserted++
	}
	return inserted, nil
}

func (s *memStore) count(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[accountID])
}

type memCursors struct {
	mu      sync.Mutex
	cursors map[string]Cursor
	sets    int
	setErr  error
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: make(map[string]Cursor)}
}

func (c *memCursors) GetLastCursor(ctx context.Context, accountID string) (Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[accountID], nil
}

func (c *memCursors) SetLastCursor(ctx context.Context, accountID string, cursor Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.setErr != nil {
		return c.setErr
	}
	c.cursors[accountID] = cursor
	return nil
}

func (c *memCursors) get(accountID string) Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[accountID]
}

type memAccounts struct {
	accounts []Account
}

func (a *memAccounts) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	for _, acc := range a.accounts {
		if acc.ID == accountID {
			acc := acc
			return &acc, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (a *memAccounts) ListAccounts(ctx context.Context) ([]Account, error) {
	return append([]Account(nil), a.accounts...), nil
}

type statusEntry struct {
	AccountID string
	Status    Status
	LastError string
}

type memStatus struct {
	mu      sync.Mutex
	entries []statusEntry
}

func (s *memStatus) SaveSyncStatus(ctx context.Context, accountID string, status Status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, statusEntry{accountID, status, lastError})
	return nil
}

func (s *memStatus) last(accountID string) statusEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].AccountID == accountID {
			return s.entries[i]
		}
	}
	return statusEntry{}
}
