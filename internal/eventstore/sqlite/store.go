package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/outbox"
	"github.com/Martian-dev/mailsync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// ErrInvalidMessage is returned when a batch holds a message without an ID
var ErrInvalidMessage = errors.New("invalid message")

// Store is the SQLite backed account, message, cursor and outbox store
type Store struct {
	DB  *sqlx.DB
	now func() time.Time
}

// Open opens or creates the database at dbPath and applies the schema
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{DB: db, now: time.Now}, nil
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func Migrate(db *sqlx.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

type accountRow struct {
	ID           string         `db:"id"`
	UserID       string         `db:"user_id"`
	Provider     string         `db:"provider"`
	Email        string         `db:"email"`
	AccessToken  string         `db:"access_token"`
	RefreshToken string         `db:"refresh_token"`
	TokenExpiry  int64          `db:"token_expiry"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
	Cursor       sql.NullString `db:"cursor"`
}

func (r accountRow) toAccount() sync.Account {
	a := sync.Account{
		ID:         r.ID,
		UserID:     r.UserID,
		Provider:   sync.ProviderName(r.Provider),
		Email:      r.Email,
		LastCursor: sync.Cursor(r.Cursor.String),
		CreatedAt:  time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:  time.Unix(r.UpdatedAt, 0).UTC(),
		Token: auth.Token{
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
		},
	}
	if r.TokenExpiry > 0 {
		a.Token.Expiry = time.Unix(r.TokenExpiry, 0).UTC()
	}
	return a
}

const selectAccount = `
	SELECT a.id, a.user_id, a.provider, a.email, a.access_token, a.refresh_token,
	       a.token_expiry, a.created_at, a.updated_at, s.cursor
	FROM accounts a
	LEFT JOIN account_sync_state s ON s.account_id = a.id`

// CreateAccount inserts or updates an account. An empty ID gets a new UUID.
func (s *Store) CreateAccount(ctx context.Context, account *sync.Account) error {
	if !account.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", account.Provider)
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := s.now().UTC().Truncate(time.Second)
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	var expiry int64
	if !account.Token.Expiry.IsZero() {
		expiry = account.Token.Expiry.Unix()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, provider, email, access_token, refresh_token, token_expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expiry = excluded.token_expiry,
			updated_at = excluded.updated_at
	`, account.ID, account.UserID, string(account.Provider), account.Email,
		account.Token.AccessToken, account.Token.RefreshToken, expiry,
		account.CreatedAt.Unix(), account.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// GetAccount loads one account with its committed cursor
func (s *Store) GetAccount(ctx context.Context, accountID string) (*sync.Account, error) {
	var row accountRow
	err := s.DB.GetContext(ctx, &row, selectAccount+` WHERE a.id = ?`, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sync.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	account := row.toAccount()
	return &account, nil
}

// ListAccounts returns every account ordered by creation
func (s *Store) ListAccounts(ctx context.Context) ([]sync.Account, error) {
	var rows []accountRow
	if err := s.DB.SelectContext(ctx, &rows, selectAccount+` ORDER BY a.created_at, a.id`); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts := make([]sync.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.toAccount())
	}
	return accounts, nil
}

// UpsertBatch stores messages in one transaction. Messages already stored
// for the account are left untouched; each newly stored message also gets
// an outbox row.
func (s *Store) UpsertBatch(ctx context.Context, accountID string, messages []sync.Message) (int, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner struct {
		UserID   string `db:"user_id"`
		Provider string `db:"provider"`
	}
	if err := tx.GetContext(ctx, &owner, `SELECT user_id, provider FROM accounts WHERE id = ?`, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sync.ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to load account: %w", err)
	}

	now := s.now().Unix()
	inserted := 0
	for _, m := range messages {
		if m.ID == "" {
			return 0, fmt.Errorf("%w: empty provider message id", ErrInvalidMessage)
		}

		ok, err := s.insertMessageTx(ctx, tx, accountID, owner.UserID, owner.Provider, m, now)
		if err != nil {
			return 0, err
		}
		if ok {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

func (s *Store) insertMessageTx(ctx context.Context, tx *sqlx.Tx, accountID, userID, provider string, m sync.Message, now int64) (bool, error) {
	eventID := uuid.NewString()
	var msgDate int64
	if !m.Date.IsZero() {
		msgDate = m.Date.Unix()
	}

	toJSON, _ := json.Marshal(nonNil(m.To))
	ccJSON, _ := json.Marshal(nonNil(m.Cc))
	bccJSON, _ := json.Marshal(nonNil(m.Bcc))
	labelsJSON, _ := json.Marshal(nonNil(m.Labels))
	headersJSON, _ := json.Marshal(m.Headers)
	if m.Headers == nil {
		headersJSON = []byte("{}")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages
		(event_id, account_id, provider_message_id, provider_thread_id, subject, sender,
		 to_addrs, cc_addrs, bcc_addrs, snippet, headers_json, labels_json, payload, msg_date, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, provider_message_id) DO NOTHING
	`, eventID, accountID, m.ID, m.ThreadID, m.Subject, m.Sender,
		string(toJSON), string(ccJSON), string(bccJSON), m.Snippet,
		string(headersJSON), string(labelsJSON), m.Payload, msgDate, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	payload, err := json.Marshal(outbox.EmailReceived{
		EventID:           eventID,
		TS:                now,
		MsgDate:           msgDate,
		Provider:          provider,
		AccountID:         accountID,
		UserID:            userID,
		ProviderMessageID: m.ID,
		ProviderThreadID:  m.ThreadID,
		Subject:           m.Subject,
		Sender:            m.Sender,
		To:                nonNil(m.To),
		Cc:                nonNil(m.Cc),
		Bcc:               nonNil(m.Bcc),
		Snippet:           m.Snippet,
		Headers:           m.Headers,
		Labels:            nonNil(m.Labels),
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, outbox.SubjectFor(userID), outbox.EventEmailReceived, payload, outbox.MsgIDFor(provider, accountID, m.ID), now)
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return true, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// CountMessages returns how many messages are stored for an account
func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE account_id = ?`, accountID); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// GetLastCursor returns the committed cursor, empty if the account never synced
func (s *Store) GetLastCursor(ctx context.Context, accountID string) (sync.Cursor, error) {
	var cursor sql.NullString
	err := s.DB.GetContext(ctx, &cursor, `SELECT cursor FROM account_sync_state WHERE account_id = ?`, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return sync.Cursor(cursor.String), nil
}

// SetLastCursor commits cursor for an account
func (s *Store) SetLastCursor(ctx context.Context, accountID string, cursor sync.Cursor) error {
	now := s.now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO account_sync_state (account_id, cursor, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			cursor = excluded.cursor,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, accountID, string(cursor), now, now)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// SaveSyncStatus updates sync status with error info. A non-empty
// lastError bumps the retry count; SYNCED resets it.
func (s *Store) SaveSyncStatus(ctx context.Context, accountID string, status sync.Status, lastError string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO account_sync_state (account_id, status, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = CASE
				WHEN excluded.last_error != '' THEN account_sync_state.retry_count + 1
				WHEN excluded.status = 'SYNCED' THEN 0
				ELSE account_sync_state.retry_count END,
			updated_at = excluded.updated_at
	`, accountID, string(status), lastError, lastError, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save sync status: %w", err)
	}
	return nil
}

// GetSyncStatus returns the stored sync state for an account
func (s *Store) GetSyncStatus(ctx context.Context, accountID string) (*sync.SyncStatus, error) {
	var row struct {
		Cursor       sql.NullString `db:"cursor"`
		Status       string         `db:"status"`
		LastError    string         `db:"last_error"`
		RetryCount   int            `db:"retry_count"`
		LastSyncedAt sql.NullInt64  `db:"last_synced_at"`
		UpdatedAt    int64          `db:"updated_at"`
	}
	err := s.DB.GetContext(ctx, &row, `
		SELECT cursor, status, last_error, retry_count, last_synced_at, updated_at
		FROM account_sync_state WHERE account_id = ?
	`, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sync.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load sync status: %w", err)
	}

	st := &sync.SyncStatus{
		AccountID:  accountID,
		Status:     sync.Status(row.Status),
		Cursor:     sync.Cursor(row.Cursor.String),
		LastError:  row.LastError,
		RetryCount: row.RetryCount,
		UpdatedAt:  time.Unix(row.UpdatedAt, 0).UTC(),
	}
	if row.LastSyncedAt.Valid {
		t := time.Unix(row.LastSyncedAt.Int64, 0).UTC()
		st.LastSyncedAt = &t
	}
	return st, nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]outbox.Message, error) {
	var rows []struct {
		ID      int64  `db:"id"`
		Subject string `db:"subject"`
		Payload []byte `db:"payload"`
		MsgID   string `db:"msg_id"`
		Retries int    `db:"retries"`
	}
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}

	messages := make([]outbox.Message, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, outbox.Message{
			ID:      r.ID,
			Subject: r.Subject,
			Payload: r.Payload,
			MsgID:   r.MsgID,
			Retries: r.Retries,
		})
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
