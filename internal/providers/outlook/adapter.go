package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// subscriptionLifetime is below Graph's maximum for message resources
const subscriptionLifetime = 4200 * time.Minute

var selectFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "bodyPreview", "receivedDateTime", "internetMessageHeaders", "categories",
}

// Options configures the Outlook adapter
type Options struct {
	ClientID        string
	ClientSecret    string
	NotificationURL string // change notification target; empty disables subscriptions
	ClientState     string
	Logger          *slog.Logger
}

// Adapter implements sync.MailProvider for Outlook/Microsoft Graph using
// inbox delta queries
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Outlook adapter for the mailbox of userID, which may be
// the user's id or principal name
func New(ctx context.Context, tok auth.Token, userID string, opts Options) (*Adapter, error) {
	cred := newTokenCredential(ctx, tok, opts.ClientID, opts.ClientSecret)

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, Scopes[:1])
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return NewWithClient(client, userID, opts), nil
}

// NewWithClient creates an adapter around an existing Graph client
func NewWithClient(client *msgraphsdk.GraphServiceClient, userID string, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client: client,
		userID: userID,
		opts:   opts,
		logger: logger.With("provider", sync.ProviderMicrosoft),
		now:    time.Now,
	}
}

func (a *Adapter) resource() string {
	return fmt.Sprintf("users/%s/mailFolders('inbox')/messages", a.userID)
}

// OpenSubscription renews the inbox change subscription, creating it when
// none exists for this resource and notification URL
func (a *Adapter) OpenSubscription(ctx context.Context) error {
	if a.opts.NotificationURL == "" {
		return nil
	}
	expiry := a.now().Add(subscriptionLifetime).UTC()

	existing, err := a.client.Subscriptions().Get(ctx, nil)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if sub := findSubscription(existing.GetValue(), a.resource(), a.opts.NotificationURL); sub != nil {
		patch := models.NewSubscription()
		patch.SetExpirationDateTime(&expiry)
		if _, err := a.client.Subscriptions().BySubscriptionId(*sub.GetId()).Patch(ctx, patch, nil); err != nil {
			return fmt.Errorf("renew subscription: %w", err)
		}
		a.logger.Debug("graph subscription renewed", "subscription_id", *sub.GetId())
		return nil
	}

	created, err := a.client.Subscriptions().Post(ctx, a.newSubscription(expiry), nil)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	if id := created.GetId(); id != nil {
		a.logger.Info("graph subscription created", "subscription_id", *id)
	}
	return nil
}

func (a *Adapter) newSubscription(expiry time.Time) models.Subscriptionable {
	sub := models.NewSubscription()
	sub.SetChangeType(strPtr("created"))
	sub.SetNotificationUrl(strPtr(a.opts.NotificationURL))
	sub.SetResource(strPtr(a.resource()))
	sub.SetExpirationDateTime(&expiry)
	if a.opts.ClientState != "" {
		sub.SetClientState(strPtr(a.opts.ClientState))
	}
	return sub
}

func findSubscription(subs []models.Subscriptionable, resource, notificationURL string) models.Subscriptionable {
	for _, s := range subs {
		if s.GetId() == nil || s.GetResource() == nil || s.GetNotificationUrl() == nil {
			continue
		}
		if strings.EqualFold(*s.GetResource(), resource) && *s.GetNotificationUrl() == notificationURL {
			return s
		}
	}
	return nil
}

// FetchBatch follows the delta chain from cursor. The cursor is either an
// @odata.nextLink (more pages pending) or an @odata.deltaLink (caught up).
func (a *Adapter) FetchBatch(ctx context.Context, maxSize int, cursor sync.Cursor) (sync.Batch, error) {
	link := string(cursor)
	for {
		resp, err := a.deltaPage(ctx, maxSize, link)
		if err != nil {
			return sync.Batch{}, err
		}

		page := readPage(resp)
		if page.next == "" {
			return sync.Batch{}, fmt.Errorf("graph delta page without next or delta link")
		}
		// Pages made only of removals are followed so that an empty batch
		// always means caught up.
		if len(page.messages) == 0 && !page.final {
			link = page.next
			continue
		}
		return sync.Batch{Messages: page.messages, NextCursor: sync.Cursor(page.next)}, nil
	}
}

func (a *Adapter) deltaPage(ctx context.Context, maxSize int, link string) (users.ItemMailFoldersItemMessagesDeltaGetResponseable, error) {
	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", fmt.Sprintf("odata.maxpagesize=%d", maxSize))
	config := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
		Headers: headers,
	}

	builder := a.client.Users().ByUserId(a.userID).MailFolders().ByMailFolderId("inbox").Messages().Delta()
	if link != "" {
		builder = builder.WithUrl(link)
	} else {
		config.QueryParameters = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Select: selectFields,
		}
	}

	resp, err := builder.GetAsDeltaGetResponse(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("graph delta: %w", err)
	}
	return resp, nil
}

type deltaPage struct {
	messages []sync.Message
	next     string
	final    bool // next is a deltaLink
}

func readPage(resp users.ItemMailFoldersItemMessagesDeltaGetResponseable) deltaPage {
	var page deltaPage
	for _, m := range resp.GetValue() {
		if isRemoved(m) || m.GetId() == nil {
			continue
		}
		page.messages = append(page.messages, normalize(m))
	}
	if next := resp.GetOdataNextLink(); next != nil && *next != "" {
		page.next = *next
	} else if delta := resp.GetOdataDeltaLink(); delta != nil && *delta != "" {
		page.next = *delta
		page.final = true
	}
	return page
}

func isRemoved(m models.Messageable) bool {
	_, ok := m.GetAdditionalData()["@removed"]
	return ok
}

// normalize converts an Outlook message to sync.Message
func normalize(m models.Messageable) sync.Message {
	var msg sync.Message

	if id := m.GetId(); id != nil {
		msg.ID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				msg.Sender = *addr
			}
		}
	}
	msg.To = extractAddresses(m.GetToRecipients())
	msg.Cc = extractAddresses(m.GetCcRecipients())
	msg.Bcc = extractAddresses(m.GetBccRecipients())
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.Date = rcvd.UTC()
	}
	msg.Labels = m.GetCategories()

	msg.Headers = make(map[string]string)
	for _, h := range m.GetInternetMessageHeaders() {
		if name := h.GetName(); name != nil {
			if value := h.GetValue(); value != nil {
				msg.Headers[*name] = *value
			}
		}
	}

	msg.Payload, _ = json.Marshal(map[string]any{
		"id":             msg.ID,
		"conversationId": msg.ThreadID,
		"subject":        msg.Subject,
		"from":           msg.Sender,
		"toRecipients":   msg.To,
		"bodyPreview":    msg.Snippet,
	})
	return msg
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

func strPtr(s string) *string {
	return &s
}
