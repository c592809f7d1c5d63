package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const user = "me"

// Options configures the Gmail adapter
type Options struct {
	ClientID     string
	ClientSecret string
	PubSubTopic  string // users.watch target; empty disables push registration
	Logger       *slog.Logger
}

// Adapter implements sync.MailProvider for Gmail
type Adapter struct {
	svc    *gmail.Service
	topic  string
	logger *slog.Logger
}

// New creates a Gmail adapter authenticated with tok. The token refreshes
// itself through Google's endpoint when client credentials are set.
func New(ctx context.Context, tok auth.Token, opts Options) (*Adapter, error) {
	config := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
	httpClient := config.Client(ctx, &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	})

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewWithService(svc, opts), nil
}

// NewWithService wraps an existing Gmail service
func NewWithService(svc *gmail.Service, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		svc:    svc,
		topic:  opts.PubSubTopic,
		logger: logger.With("provider", sync.ProviderGoogle),
	}
}

// OpenSubscription registers (or renews) the Pub/Sub watch on the inbox
func (a *Adapter) OpenSubscription(ctx context.Context) error {
	if a.topic == "" {
		return nil
	}
	resp, err := a.svc.Users.Watch(user, &gmail.WatchRequest{
		TopicName: a.topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail watch: %w", err)
	}
	a.logger.Debug("gmail watch registered", "history_id", resp.HistoryId, "expiration", resp.Expiration)
	return nil
}

// FetchBatch returns up to maxSize messages after cursor. The first pages
// come from messages.list; once listing is exhausted the cursor switches
// to history.list.
func (a *Adapter) FetchBatch(ctx context.Context, maxSize int, cursor sync.Cursor) (sync.Batch, error) {
	st, err := decodeCursor(cursor)
	if err != nil {
		return sync.Batch{}, err
	}
	if cursor.IsZero() {
		if st, err = a.startListing(ctx); err != nil {
			return sync.Batch{}, err
		}
	}

	for {
		var (
			ids  []string
			next cursorState
		)
		switch st.Phase {
		case phaseList:
			ids, next, err = a.listPage(ctx, maxSize, st)
		default:
			ids, next, err = a.historyPage(ctx, maxSize, st)
			if isNotFound(err) {
				a.logger.Warn("gmail history expired, relisting", "history_id", st.HistoryID)
				if st, err = a.startListing(ctx); err != nil {
					return sync.Batch{}, err
				}
				continue
			}
		}
		if err != nil {
			return sync.Batch{}, err
		}

		messages, err := a.getMessages(ctx, ids)
		if err != nil {
			return sync.Batch{}, err
		}
		// Pages whose messages all vanished are skipped so that an empty
		// batch always means caught up.
		if len(messages) == 0 && next.PageToken != "" {
			st = next
			continue
		}
		return sync.Batch{Messages: messages, NextCursor: encodeCursor(next)}, nil
	}
}

func (a *Adapter) startListing(ctx context.Context) (cursorState, error) {
	profile, err := a.svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return cursorState{}, fmt.Errorf("gmail profile: %w", err)
	}
	return cursorState{Phase: phaseList, HistoryID: profile.HistoryId}, nil
}

func (a *Adapter) listPage(ctx context.Context, maxSize int, st cursorState) ([]string, cursorState, error) {
	call := a.svc.Users.Messages.List(user).IncludeSpamTrash(false).MaxResults(int64(maxSize))
	if st.PageToken != "" {
		call = call.PageToken(st.PageToken)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, st, fmt.Errorf("gmail list messages: %w", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}

	next := cursorState{Phase: phaseList, PageToken: resp.NextPageToken, HistoryID: st.HistoryID}
	if resp.NextPageToken == "" {
		next = cursorState{Phase: phaseHistory, HistoryID: st.HistoryID}
	}
	return ids, next, nil
}

func (a *Adapter) historyPage(ctx context.Context, maxSize int, st cursorState) ([]string, cursorState, error) {
	call := a.svc.Users.History.List(user).
		StartHistoryId(st.HistoryID).
		HistoryTypes("messageAdded").
		MaxResults(int64(maxSize))
	if st.PageToken != "" {
		call = call.PageToken(st.PageToken)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, st, fmt.Errorf("gmail list history: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			ids = append(ids, added.Message.Id)
		}
	}

	next := cursorState{Phase: phaseHistory, PageToken: resp.NextPageToken, HistoryID: st.HistoryID}
	if resp.NextPageToken == "" && resp.HistoryId > st.HistoryID {
		next.HistoryID = resp.HistoryId
	}
	return ids, next, nil
}

func (a *Adapter) getMessages(ctx context.Context, ids []string) ([]sync.Message, error) {
	messages := make([]sync.Message, 0, len(ids))
	for _, id := range ids {
		m, err := a.svc.Users.Messages.Get(user, id).Format("metadata").Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				a.logger.Debug("gmail message gone, skipping", "message_id", id)
				continue
			}
			return nil, fmt.Errorf("failed to get message %s: %w", id, err)
		}
		messages = append(messages, normalize(m))
	}
	return messages, nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// normalize converts a Gmail message to sync.Message
func normalize(m *gmail.Message) sync.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}
	payload, _ := m.MarshalJSON()

	return sync.Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Subject:  headers["Subject"],
		Sender:   headers["From"],
		To:       splitAddrs(headers["To"]),
		Cc:       splitAddrs(headers["Cc"]),
		Bcc:      splitAddrs(headers["Bcc"]),
		Snippet:  m.Snippet,
		Labels:   m.LabelIds,
		Headers:  headers,
		Date:     time.UnixMilli(m.InternalDate).UTC(),
		Payload:  payload,
	}
}

// splitAddrs parses comma-separated email addresses
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
