package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/outbox"
	"github.com/Martian-dev/mailsync/internal/sync"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInvalidMessage is returned when a batch holds a message without an ID
var ErrInvalidMessage = errors.New("invalid message")

// Store is the Postgres backed account, message, cursor and outbox store
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to databaseURL. Migrations are not applied; call Migrate.
func Open(databaseURL string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &Store{db: db, now: time.Now}, nil
}

// Migrate applies all pending migrations
func (s *Store) Migrate() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type accountModel struct {
	ID           string     `gorm:"column:id;primaryKey"`
	UserID       string     `gorm:"column:user_id"`
	Provider     string     `gorm:"column:provider"`
	Email        string     `gorm:"column:email"`
	AccessToken  string     `gorm:"column:access_token"`
	RefreshToken string     `gorm:"column:refresh_token"`
	TokenExpiry  *time.Time `gorm:"column:token_expiry"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

func (accountModel) TableName() string { return "accounts" }

type syncStateModel struct {
	AccountID    string     `gorm:"column:account_id;primaryKey"`
	Cursor       *string    `gorm:"column:cursor"`
	Status       string     `gorm:"column:status"`
	LastError    string     `gorm:"column:last_error"`
	RetryCount   int        `gorm:"column:retry_count"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

func (syncStateModel) TableName() string { return "account_sync_state" }

type messageModel struct {
	EventID           string     `gorm:"column:event_id;primaryKey"`
	AccountID         string     `gorm:"column:account_id"`
	ProviderMessageID string     `gorm:"column:provider_message_id"`
	ProviderThreadID  string     `gorm:"column:provider_thread_id"`
	Subject           string     `gorm:"column:subject"`
	Sender            string     `gorm:"column:sender"`
	ToAddrs           string     `gorm:"column:to_addrs"`
	CcAddrs           string     `gorm:"column:cc_addrs"`
	BccAddrs          string     `gorm:"column:bcc_addrs"`
	Snippet           string     `gorm:"column:snippet"`
	HeadersJSON       string     `gorm:"column:headers_json"`
	LabelsJSON        string     `gorm:"column:labels_json"`
	Payload           []byte     `gorm:"column:payload"`
	MsgDate           *time.Time `gorm:"column:msg_date"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
}

func (messageModel) TableName() string { return "messages" }

type outboxModel struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	Subject       string     `gorm:"column:subject"`
	EventType     string     `gorm:"column:event_type"`
	Payload       []byte     `gorm:"column:payload"`
	MsgID         string     `gorm:"column:msg_id"`
	Retries       int        `gorm:"column:retries"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at"`
	PublishedAt   *time.Time `gorm:"column:published_at"`
}

func (outboxModel) TableName() string { return "outbox" }

func toAccount(m accountModel, state *syncStateModel) sync.Account {
	a := sync.Account{
		ID:        m.ID,
		UserID:    m.UserID,
		Provider:  sync.ProviderName(m.Provider),
		Email:     m.Email,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Token: auth.Token{
			AccessToken:  m.AccessToken,
			RefreshToken: m.RefreshToken,
		},
	}
	if m.TokenExpiry != nil {
		a.Token.Expiry = *m.TokenExpiry
	}
	if state != nil && state.Cursor != nil {
		a.LastCursor = sync.Cursor(*state.Cursor)
	}
	return a
}

// CreateAccount inserts or updates an account. An empty ID gets a new UUID.
func (s *Store) CreateAccount(ctx context.Context, account *sync.Account) error {
	if !account.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", account.Provider)
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	m := accountModel{
		ID:           account.ID,
		UserID:       account.UserID,
		Provider:     string(account.Provider),
		Email:        account.Email,
		AccessToken:  account.Token.AccessToken,
		RefreshToken: account.Token.RefreshToken,
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	}
	if !account.Token.Expiry.IsZero() {
		expiry := account.Token.Expiry
		m.TokenExpiry = &expiry
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "access_token", "refresh_token", "token_expiry", "updated_at"}),
	}).Create(&m)
	if result.Error != nil {
		return fmt.Errorf("failed to save account: %w", result.Error)
	}
	return nil
}

// GetAccount loads one account with its committed cursor
func (s *Store) GetAccount(ctx context.Context, accountID string) (*sync.Account, error) {
	var m accountModel
	result := s.db.WithContext(ctx).Where("id = ?", accountID).First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, sync.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", result.Error)
	}

	state, err := s.loadState(ctx, accountID)
	if err != nil {
		return nil, err
	}
	account := toAccount(m, state)
	return &account, nil
}

// ListAccounts returns every account ordered by creation
func (s *Store) ListAccounts(ctx context.Context) ([]sync.Account, error) {
	var models []accountModel
	if result := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&models); result.Error != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", result.Error)
	}

	var states []syncStateModel
	if result := s.db.WithContext(ctx).Find(&states); result.Error != nil {
		return nil, fmt.Errorf("failed to list sync state: %w", result.Error)
	}
	byAccount := make(map[string]*syncStateModel, len(states))
	for i := range states {
		byAccount[states[i].AccountID] = &states[i]
	}

	accounts := make([]sync.Account, 0, len(models))
	for _, m := range models {
		accounts = append(accounts, toAccount(m, byAccount[m.ID]))
	}
	return accounts, nil
}

func (s *Store) loadState(ctx context.Context, accountID string) (*syncStateModel, error) {
	var state syncStateModel
	result := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&state)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sync state: %w", result.Error)
	}
	return &state, nil
}

// UpsertBatch stores messages in one transaction. Messages already stored
// for the account are left untouched; each newly stored message also gets
// an outbox row.
func (s *Store) UpsertBatch(ctx context.Context, accountID string, messages []sync.Message) (int, error) {
	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner accountModel
		if err := tx.Select("id", "user_id", "provider").Where("id = ?", accountID).First(&owner).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return sync.ErrAccountNotFound
			}
			return fmt.Errorf("failed to load account: %w", err)
		}

		now := s.now().UTC()
		for _, msg := range messages {
			if msg.ID == "" {
				return fmt.Errorf("%w: empty provider message id", ErrInvalidMessage)
			}
			ok, err := insertMessage(tx, owner, msg, now)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func insertMessage(tx *gorm.DB, owner accountModel, msg sync.Message, now time.Time) (bool, error) {
	row := messageModel{
		EventID:           uuid.NewString(),
		AccountID:         owner.ID,
		ProviderMessageID: msg.ID,
		ProviderThreadID:  msg.ThreadID,
		Subject:           msg.Subject,
		Sender:            msg.Sender,
		ToAddrs:           jsonString(nonNil(msg.To)),
		CcAddrs:           jsonString(nonNil(msg.Cc)),
		BccAddrs:          jsonString(nonNil(msg.Bcc)),
		Snippet:           msg.Snippet,
		HeadersJSON:       jsonString(nonNilMap(msg.Headers)),
		LabelsJSON:        jsonString(nonNil(msg.Labels)),
		Payload:           msg.Payload,
		CreatedAt:         now,
	}
	var msgDate int64
	if !msg.Date.IsZero() {
		d := msg.Date.UTC()
		row.MsgDate = &d
		msgDate = d.Unix()
	}

	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "provider_message_id"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", msg.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	payload, err := json.Marshal(outbox.EmailReceived{
		EventID:           row.EventID,
		TS:                now.Unix(),
		MsgDate:           msgDate,
		Provider:          owner.Provider,
		AccountID:         owner.ID,
		UserID:            owner.UserID,
		ProviderMessageID: msg.ID,
		ProviderThreadID:  msg.ThreadID,
		Subject:           msg.Subject,
		Sender:            msg.Sender,
		To:                nonNil(msg.To),
		Cc:                nonNil(msg.Cc),
		Bcc:               nonNil(msg.Bcc),
		Snippet:           msg.Snippet,
		Headers:           msg.Headers,
		Labels:            nonNil(msg.Labels),
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode event: %w", err)
	}

	entry := outboxModel{
		CreatedAt:     now,
		Subject:       outbox.SubjectFor(owner.UserID),
		EventType:     outbox.EventEmailReceived,
		Payload:       payload,
		MsgID:         outbox.MsgIDFor(owner.Provider, owner.ID, msg.ID),
		NextAttemptAt: now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return false, fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return true, nil
}

func jsonString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// CountMessages returns how many messages are stored for an account
func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&messageModel{}).Where("account_id = ?", accountID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return int(n), nil
}

// GetLastCursor returns the committed cursor, empty if the account never synced
func (s *Store) GetLastCursor(ctx context.Context, accountID string) (sync.Cursor, error) {
	state, err := s.loadState(ctx, accountID)
	if err != nil {
		return "", err
	}
	if state == nil || state.Cursor == nil {
		return "", nil
	}
	return sync.Cursor(*state.Cursor), nil
}

// SetLastCursor commits cursor for an account
func (s *Store) SetLastCursor(ctx context.Context, accountID string, cursor sync.Cursor) error {
	now := s.now().UTC()
	c := string(cursor)
	state := syncStateModel{
		AccountID:    accountID,
		Cursor:       &c,
		Status:       string(sync.StatusSynced),
		LastSyncedAt: &now,
		UpdatedAt:    now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "last_synced_at", "updated_at"}),
	}).Create(&state)
	if result.Error != nil {
		return fmt.Errorf("failed to save cursor: %w", result.Error)
	}
	return nil
}

// SaveSyncStatus updates sync status with error info. A non-empty
// lastError bumps the retry count; SYNCED resets it.
func (s *Store) SaveSyncStatus(ctx context.Context, accountID string, status sync.Status, lastError string) error {
	retries := 0
	if lastError != "" {
		retries = 1
	}
	state := syncStateModel{
		AccountID:  accountID,
		Status:     string(status),
		LastError:  lastError,
		RetryCount: retries,
		UpdatedAt:  s.now().UTC(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "status"}, Value: gorm.Expr("excluded.status")},
			{Column: clause.Column{Name: "last_error"}, Value: gorm.Expr("excluded.last_error")},
			{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("excluded.updated_at")},
			{Column: clause.Column{Name: "retry_count"}, Value: gorm.Expr(
				"CASE WHEN excluded.last_error <> '' THEN account_sync_state.retry_count + 1 " +
					"WHEN excluded.status = 'SYNCED' THEN 0 ELSE account_sync_state.retry_count END")},
		},
	}).Create(&state)
	if result.Error != nil {
		return fmt.Errorf("failed to save sync status: %w", result.Error)
	}
	return nil
}

// GetSyncStatus returns the stored sync state for an account
func (s *Store) GetSyncStatus(ctx context.Context, accountID string) (*sync.SyncStatus, error) {
	state, err := s.loadState(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, sync.ErrAccountNotFound
	}
	st := &sync.SyncStatus{
		AccountID:    accountID,
		Status:       sync.Status(state.Status),
		LastError:    state.LastError,
		RetryCount:   state.RetryCount,
		LastSyncedAt: state.LastSyncedAt,
		UpdatedAt:    state.UpdatedAt,
	}
	if state.Cursor != nil {
		st.Cursor = sync.Cursor(*state.Cursor)
	}
	return st, nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]outbox.Message, error) {
	var rows []outboxModel
	result := s.db.WithContext(ctx).
		Where("published_at IS NULL AND next_attempt_at <= ?", s.now().UTC()).
		Order("id ASC").
		Limit(limit).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", result.Error)
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
	result := s.db.WithContext(ctx).Model(&outboxModel{}).Where("id = ?", id).Update("published_at", s.now().UTC())
	if result.Error != nil {
		return fmt.Errorf("failed to mark published: %w", result.Error)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	result := s.db.WithContext(ctx).Model(&outboxModel{}).Where("id = ?", id).Updates(map[string]interface{}{
		"retries":         gorm.Expr("retries + 1"),
		"next_attempt_at": s.now().UTC().Add(backoff),
	})
	if result.Error != nil {
		return fmt.Errorf("failed to mark retry: %w", result.Error)
	}
	return nil
}
