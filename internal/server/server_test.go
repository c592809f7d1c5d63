package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSyncer struct {
	syncFn  func(ctx context.Context, req sync.SyncRequest) (sync.Result, error)
	running []sync.RunningSync
	lastReq sync.SyncRequest
}

func (f *fakeSyncer) SyncAccount(ctx context.Context, req sync.SyncRequest) (sync.Result, error) {
	f.lastReq = req
	return f.syncFn(ctx, req)
}

func (f *fakeSyncer) Running() []sync.RunningSync {
	return f.running
}

type fakeStatus struct {
	accounts map[string]*sync.Account
	statuses map[string]*sync.SyncStatus
	err      error
}

func (f *fakeStatus) GetAccount(ctx context.Context, id string) (*sync.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.accounts[id]
	if !ok {
		return nil, sync.ErrAccountNotFound
	}
	return a, nil
}

func (f *fakeStatus) GetSyncStatus(ctx context.Context, id string) (*sync.SyncStatus, error) {
	st, ok := f.statuses[id]
	if !ok {
		return nil, sync.ErrAccountNotFound
	}
	return st, nil
}

type fakeAuth struct {
	users map[string]*auth.User // keyed by bearer token
}

func (f *fakeAuth) UserFromRequest(r *http.Request) (*auth.User, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if u, ok := f.users[token]; ok {
		return u, nil
	}
	return nil, errors.New("bad token")
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func succeeded(cursor sync.Cursor, persisted int) func(context.Context, sync.SyncRequest) (sync.Result, error) {
	return func(context.Context, sync.SyncRequest) (sync.Result, error) {
		return sync.Result{Outcome: sync.OutcomeSucceeded, FinalCursor: cursor, Persisted: persisted}, nil
	}
}

func TestInitialSyncSuccess(t *testing.T) {
	syncer := &fakeSyncer{syncFn: succeeded("cursor-3", 120)}
	srv := New(syncer, &fakeStatus{}, nil, discard())

	rec, body := do(t, srv.Handler(), http.MethodPost, "/api/initial-sync", `{"accountId":"acc-1","userId":"user-1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "cursor-3", body["deltaToken"])
	assert.Equal(t, true, body["complete"])
	assert.EqualValues(t, 120, body["messages"])
	assert.Equal(t, sync.SyncRequest{AccountID: "acc-1", UserID: "user-1"}, syncer.lastReq)
}

func TestInitialSyncEmptyMailboxReturnsNullToken(t *testing.T) {
	srv := New(&fakeSyncer{syncFn: succeeded("", 0)}, &fakeStatus{}, nil, discard())

	rec, body := do(t, srv.Handler(), http.MethodPost, "/api/initial-sync", `{"accountId":"acc-1","userId":"user-1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "deltaToken")
	assert.Nil(t, body["deltaToken"])
}

func TestInitialSyncIncomplete(t *testing.T) {
	syncer := &fakeSyncer{syncFn: func(context.Context, sync.SyncRequest) (sync.Result, error) {
		return sync.Result{Outcome: sync.OutcomeIncomplete, FinalCursor: "cursor-2", Persisted: 100}, nil
	}}
	srv := New(syncer, &fakeStatus{}, nil, discard())

	rec, body := do(t, srv.Handler(), http.MethodPost, "/api/initial-sync", `{"accountId":"acc-1","userId":"user-1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cursor-2", body["deltaToken"])
	assert.Equal(t, false, body["complete"])
}

func TestInitialSyncErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"missing user", `{"accountId":"acc-1"}`, nil, http.StatusBadRequest, CodeInvalidRequest},
		{"missing account", `{"userId":"user-1"}`, nil, http.StatusBadRequest, CodeInvalidRequest},
		{"malformed body", `{"accountId":`, nil, http.StatusBadRequest, CodeInvalidRequest},
		{"unknown account", `{"accountId":"acc-1","userId":"user-1"}`, sync.ErrAccountNotFound, http.StatusNotFound, CodeAccountNotFound},
		{"fetch failure", `{"accountId":"acc-1","userId":"user-1"}`,
			&sync.Error{Kind: sync.KindProviderFetch, Batch: 2, Err: errors.New("timeout")},
			http.StatusInternalServerError, CodeFailedToSync},
		{"account deleted mid run", `{"accountId":"acc-1","userId":"user-1"}`,
			&sync.Error{Kind: sync.KindPersistence, Batch: 1, Err: sync.ErrAccountNotFound},
			http.StatusInternalServerError, CodeFailedToSync},
		{"commit failure", `{"accountId":"acc-1","userId":"user-1"}`, sync.ErrCommitCursor, http.StatusInternalServerError, CodeFailedToSync},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{syncFn: func(context.Context, sync.SyncRequest) (sync.Result, error) {
				return sync.Result{Outcome: sync.OutcomeFailed}, tt.err
			}}
			srv := New(syncer, &fakeStatus{}, nil, discard())

			rec, body := do(t, srv.Handler(), http.MethodPost, "/api/initial-sync", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}
}

func TestInitialSyncWithAuth(t *testing.T) {
	authn := &fakeAuth{users: map[string]*auth.User{"jwt-1": {ID: "user-1"}}}
	syncer := &fakeSyncer{syncFn: succeeded("c", 1)}
	srv := New(syncer, &fakeStatus{}, authn, discard())
	body := `{"accountId":"acc-1","userId":"user-1"}`

	rec, _ := do(t, srv.Handler(), http.MethodPost, "/api/initial-sync", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, srv.Handler(), http.MethodPost, "/api/initial-sync", body, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, out := do(t, srv.Handler(), http.MethodPost, "/api/initial-sync",
		`{"accountId":"acc-1","userId":"user-2"}`, "Authorization", "Bearer jwt-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeAccountNotFound, out["error"])

	rec, _ = do(t, srv.Handler(), http.MethodPost, "/api/initial-sync", body, "Authorization", "Bearer jwt-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jwt-1", syncer.lastReq.UserJWT)
}

func TestHealthzSkipsAuth(t *testing.T) {
	srv := New(&fakeSyncer{}, &fakeStatus{}, &fakeAuth{}, discard())

	rec, body := do(t, srv.Handler(), http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestSyncStatus(t *testing.T) {
	synced := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	status := &fakeStatus{
		accounts: map[string]*sync.Account{
			"acc-1": {ID: "acc-1", UserID: "user-1"},
			"acc-2": {ID: "acc-2", UserID: "user-1"},
		},
		statuses: map[string]*sync.SyncStatus{
			"acc-1": {AccountID: "acc-1", Status: sync.StatusError, Cursor: "c-1", LastError: "boom", RetryCount: 2, LastSyncedAt: &synced},
		},
	}
	syncer := &fakeSyncer{running: []sync.RunningSync{{AccountID: "acc-1", UserID: "user-1"}}}
	srv := New(syncer, status, nil, discard())

	rec, body := do(t, srv.Handler(), http.MethodGet, "/api/accounts/acc-1/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ERROR", body["status"])
	assert.Equal(t, "c-1", body["cursor"])
	assert.Equal(t, "boom", body["last_error"])
	assert.EqualValues(t, 2, body["retry_count"])
	assert.Equal(t, true, body["running"])

	rec, body = do(t, srv.Handler(), http.MethodGet, "/api/accounts/acc-2/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NEVER_SYNCED", body["status"])
	assert.Equal(t, false, body["running"])

	rec, body = do(t, srv.Handler(), http.MethodGet, "/api/accounts/missing/sync", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeAccountNotFound, body["error"])
}

func TestSyncStatusHidesOtherUsersAccounts(t *testing.T) {
	authn := &fakeAuth{users: map[string]*auth.User{"jwt-2": {ID: "user-2"}}}
	status := &fakeStatus{accounts: map[string]*sync.Account{"acc-1": {ID: "acc-1", UserID: "user-1"}}}
	srv := New(&fakeSyncer{}, status, authn, discard())

	rec, _ := do(t, srv.Handler(), http.MethodGet, "/api/accounts/acc-1/sync", "", "Authorization", "Bearer jwt-2")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncStatusStoreFailure(t *testing.T) {
	srv := New(&fakeSyncer{}, &fakeStatus{err: errors.New("db down")}, nil, discard())

	rec, body := do(t, srv.Handler(), http.MethodGet, "/api/accounts/acc-1/sync", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeInternal, body["error"])
}

func TestRunningSyncs(t *testing.T) {
	syncer := &fakeSyncer{running: []sync.RunningSync{
		{AccountID: "acc-1", UserID: "user-1", Provider: sync.ProviderGoogle},
		{AccountID: "acc-2", UserID: "user-2", Provider: sync.ProviderIMAP},
	}}

	rec, body := do(t, New(syncer, &fakeStatus{}, nil, discard()).Handler(), http.MethodGet, "/api/syncs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["syncs"], 2)

	authn := &fakeAuth{users: map[string]*auth.User{"jwt-2": {ID: "user-2"}}}
	rec, body = do(t, New(syncer, &fakeStatus{}, authn, discard()).Handler(), http.MethodGet, "/api/syncs", "", "Authorization", "Bearer jwt-2")
	require.Equal(t, http.StatusOK, rec.Code)
	syncs := body["syncs"].([]any)
	require.Len(t, syncs, 1)
	assert.Equal(t, "acc-2", syncs[0].(map[string]any)["account_id"])
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv := New(&fakeSyncer{}, &fakeStatus{}, nil, discard())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
