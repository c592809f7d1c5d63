package imap

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// Options configures the IMAP adapter
type Options struct {
	Server      string // host:port; resolved from the address when empty
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// session is the subset of the IMAP client the adapter uses
type session interface {
	Select(name string, readOnly bool) (*goimap.MailboxStatus, error)
	UidSearch(criteria *goimap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *goimap.SeqSet, items []goimap.FetchItem, ch chan *goimap.Message) error
	Logout() error
}

// Adapter implements sync.MailProvider over IMAP. Cursors have the form
// "<uidvalidity>:<last uid>".
type Adapter struct {
	email    string
	password string
	opts     Options
	logger   *slog.Logger

	dial func(ctx context.Context) (session, error)
	sess session
	box  *goimap.MailboxStatus
}

// New creates an adapter for the INBOX of email. The connection is opened
// lazily on first use.
func New(email, password string, opts Options) (*Adapter, error) {
	if opts.Server == "" {
		server, err := ResolveServer(email)
		if err != nil {
			return nil, err
		}
		opts.Server = server
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		email:    email,
		password: password,
		opts:     opts,
		logger:   logger.With("provider", sync.ProviderIMAP, "server", opts.Server),
	}
	a.dial = a.dialTLS
	return a, nil
}

func (a *Adapter) dialTLS(ctx context.Context) (session, error) {
	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: a.opts.DialTimeout}}
	conn, err := dialer.DialContext(ctx, "tcp", a.opts.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create IMAP client: %w", err)
	}
	if err := c.Login(a.email, a.password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return c, nil
}

func (a *Adapter) connect(ctx context.Context) error {
	if a.sess != nil {
		return nil
	}
	sess, err := a.dial(ctx)
	if err != nil {
		return err
	}
	box, err := sess.Select("INBOX", true)
	if err != nil {
		sess.Logout()
		return fmt.Errorf("failed to select INBOX: %w", err)
	}
	a.sess = sess
	a.box = box
	a.logger.Debug("imap inbox selected", "uid_validity", box.UidValidity, "messages", box.Messages)
	return nil
}

// OpenSubscription connects and selects the inbox. IMAP has no server-side
// subscription to register.
func (a *Adapter) OpenSubscription(ctx context.Context) error {
	return a.connect(ctx)
}

// FetchBatch returns up to maxSize messages with a UID above the cursor's
func (a *Adapter) FetchBatch(ctx context.Context, maxSize int, cursor sync.Cursor) (sync.Batch, error) {
	if err := a.connect(ctx); err != nil {
		return sync.Batch{}, err
	}

	validity, lastUID, err := parseCursor(cursor)
	if err != nil {
		return sync.Batch{}, err
	}
	if !cursor.IsZero() && validity != a.box.UidValidity {
		a.logger.Warn("imap uidvalidity changed, resyncing", "old", validity, "new", a.box.UidValidity)
		lastUID = 0
	}

	criteria := goimap.NewSearchCriteria()
	criteria.Uid = new(goimap.SeqSet)
	criteria.Uid.AddRange(lastUID+1, 0)
	uids, err := a.sess.UidSearch(criteria)
	if err != nil {
		return sync.Batch{}, fmt.Errorf("imap uid search: %w", err)
	}

	// "n:*" always matches the highest UID, even when it is below n.
	pending := uids[:0]
	for _, uid := range uids {
		if uid > lastUID {
			pending = append(pending, uid)
		}
	}
	if len(pending) == 0 {
		return sync.Batch{NextCursor: cursor}, nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	if len(pending) > maxSize {
		pending = pending[:maxSize]
	}

	messages, err := a.fetch(pending)
	if err != nil {
		return sync.Batch{}, err
	}
	return sync.Batch{
		Messages:   messages,
		NextCursor: formatCursor(a.box.UidValidity, pending[len(pending)-1]),
	}, nil
}

func (a *Adapter) fetch(uids []uint32) ([]sync.Message, error) {
	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uids...)

	section := &goimap.BodySectionName{Peek: true}
	items := []goimap.FetchItem{goimap.FetchEnvelope, goimap.FetchUid, goimap.FetchFlags, section.FetchItem()}

	ch := make(chan *goimap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- a.sess.UidFetch(seqSet, items, ch)
	}()

	var messages []sync.Message
	for msg := range ch {
		messages = append(messages, a.normalize(msg, section))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap uid fetch: %w", err)
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	return messages, nil
}

// Close logs out of the server
func (a *Adapter) Close() error {
	if a.sess == nil {
		return nil
	}
	err := a.sess.Logout()
	a.sess = nil
	return err
}

func (a *Adapter) normalize(msg *goimap.Message, section *goimap.BodySectionName) sync.Message {
	m := sync.Message{
		ID:      messageID(a.box.UidValidity, msg.Uid),
		Labels:  msg.Flags,
		Headers: make(map[string]string),
	}

	if env := msg.Envelope; env != nil {
		m.Subject = env.Subject
		m.Date = env.Date.UTC()
		m.ThreadID = env.InReplyTo
		if env.MessageId != "" {
			m.Headers["Message-ID"] = env.MessageId
		}
		if len(env.From) > 0 {
			m.Sender = env.From[0].Address()
		}
		m.To = addresses(env.To)
		m.Cc = addresses(env.Cc)
		m.Bcc = addresses(env.Bcc)
	}

	if body := msg.GetBody(section); body != nil {
		text, headers, err := readBody(body)
		if err != nil {
			a.logger.Warn("failed to parse message body", "uid", msg.Uid, "error", err)
		}
		for k, v := range headers {
			m.Headers[k] = v
		}
		m.Snippet = snippet(text)
	}

	m.Payload, _ = json.Marshal(map[string]any{
		"uid":          msg.Uid,
		"uid_validity": a.box.UidValidity,
		"message_id":   m.Headers["Message-ID"],
		"subject":      m.Subject,
		"from":         m.Sender,
		"flags":        msg.Flags,
	})
	return m
}

var keptHeaders = []string{"Message-ID", "In-Reply-To", "References", "List-Id", "Reply-To"}

// readBody returns the plain text of a message, converting HTML when no
// text/plain part exists, plus a few threading headers
func readBody(r io.Reader) (string, map[string]string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", nil, err
	}

	headers := make(map[string]string)
	for _, k := range keptHeaders {
		if v := mr.Header.Get(k); v != "" {
			headers[k] = v
		}
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return plain, headers, err
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(ct, "text/plain") && plain == "":
			plain = string(body)
		case strings.HasPrefix(ct, "text/html") && html == "":
			html = string(body)
		}
	}

	if plain != "" {
		return plain, headers, nil
	}
	text, err := htmlToText(html)
	return text, headers, err
}

func addresses(list []*goimap.Address) []string {
	var out []string
	for _, addr := range list {
		if a := addr.Address(); a != "" && a != "@" {
			out = append(out, a)
		}
	}
	return out
}

func messageID(validity, uid uint32) string {
	return fmt.Sprintf("%d:%010d", validity, uid)
}

func formatCursor(validity, uid uint32) sync.Cursor {
	return sync.Cursor(fmt.Sprintf("%d:%d", validity, uid))
}

func parseCursor(c sync.Cursor) (validity, uid uint32, err error) {
	if c.IsZero() {
		return 0, 0, nil
	}
	v, u, ok := strings.Cut(string(c), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid imap cursor %q", c)
	}
	pv, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid imap cursor %q: %w", c, err)
	}
	pu, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid imap cursor %q: %w", c, err)
	}
	return uint32(pv), uint32(pu), nil
}
