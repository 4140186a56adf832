// Package email connects mailbox accounts: IMAP polling for inbound mail
// and SMTP for outbound.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
	"github.com/Conte777/connector-service/internal/utils"
)

var timeNow = time.Now

const inbox = "INBOX"

// sendFunc matches smtp.SendMail
type sendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// mailbox holds the resolved account parameters
type mailbox struct {
	username string
	password string
	imapAddr string
	smtpAddr string
}

// Adapter serves one mailbox
type Adapter struct {
	accountKey string
	options    Options
	secrets    deps.SecretWriter
	send       sendFunc
	logger     zerolog.Logger

	mu       sync.Mutex
	box      mailbox
	imap     *client.Client
	lastUID  uint32
	state    entities.AuthState
	handler  deps.EventHandler
	cancel   context.CancelFunc
	pollDone chan struct{}
	closed   bool

	// serializes IMAP commands between the poller and Disconnect
	imapMu sync.Mutex

	healthy atomic.Bool
}

var _ deps.Adapter = (*Adapter)(nil)

func (a *Adapter) AccountKey() string          { return a.accountKey }
func (a *Adapter) Network() credential.Network { return credential.NetworkEmail }

// IsHealthy reports whether the mailbox connection is open. A mailbox
// waiting for its password stays healthy until disconnected.
func (a *Adapter) IsHealthy() bool {
	if a.healthy.Load() {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, awaiting := a.state.(entities.Awaiting)
	return awaiting && !a.closed
}

func (a *Adapter) AuthState() entities.AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return entities.Uninitialized{}
	}
	return a.state
}

func (a *Adapter) setState(s entities.AuthState) entities.AuthState {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	return s
}

func (a *Adapter) Subscribe(handler deps.EventHandler) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *Adapter) emit(ev entities.Event) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Connect logs into IMAP with the stored password
func (a *Adapter) Connect(ctx context.Context, cred entities.DecryptedCredential) (entities.AuthState, error) {
	box := mailbox{
		username: cred.Secret(credential.SecretUsername),
		password: cred.Secret(credential.SecretPassword),
		imapAddr: cred.Secret(credential.SecretIMAPAddr),
		smtpAddr: cred.Secret(credential.SecretSMTPAddr),
	}
	if box.imapAddr == "" {
		box.imapAddr = a.options.IMAPAddr
	}
	if box.smtpAddr == "" {
		box.smtpAddr = a.options.SMTPAddr
	}

	if box.username == "" {
		return nil, sessionerrors.Fatal("", "username_missing", nil)
	}
	if box.imapAddr == "" {
		return nil, sessionerrors.Fatal("", "imap_address_missing", nil)
	}

	a.mu.Lock()
	a.box = box
	a.mu.Unlock()

	if box.password == "" {
		return a.setState(entities.Awaiting{Step: entities.StepPassword}), nil
	}

	if err := a.login(ctx, box.password, false); err != nil {
		return nil, err
	}
	return a.setState(entities.Ready{}), nil
}

// SubmitAuthInput accepts the mailbox password
func (a *Adapter) SubmitAuthInput(ctx context.Context, step entities.AuthStep, value string) (entities.AuthState, error) {
	if step != entities.StepPassword {
		return nil, fmt.Errorf("%w: %s", sessionerrors.ErrStepMismatch, step)
	}

	if err := a.login(ctx, value, true); err != nil {
		return nil, err
	}

	if a.secrets != nil {
		if err := a.secrets.WriteSecrets(ctx, map[string]string{credential.SecretPassword: value}); err != nil {
			return nil, fmt.Errorf("failed to persist password: %w", err)
		}
	}

	a.mu.Lock()
	a.box.password = value
	a.mu.Unlock()

	return a.setState(entities.Ready{}), nil
}

func (a *Adapter) login(ctx context.Context, password string, interactive bool) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return sessionerrors.NewConnectError(a.accountKey, sessionerrors.ErrNotConnected)
	}
	box := a.box
	a.mu.Unlock()

	c, err := a.dial(ctx, box.imapAddr)
	if err != nil {
		return sessionerrors.NewConnectError(a.accountKey, fmt.Errorf("failed to connect to IMAP server: %w", err))
	}

	if err := c.Login(box.username, password); err != nil {
		// a NO reply leaves the connection open and unauthenticated
		rejected := c.State() == imap.NotAuthenticatedState
		_ = c.Logout()
		if rejected {
			if interactive {
				return sessionerrors.Retryable(entities.StepPassword, "login_rejected", err)
			}
			return sessionerrors.Fatal(entities.StepPassword, "login_rejected", err)
		}
		return sessionerrors.NewConnectError(a.accountKey, fmt.Errorf("IMAP login failed: %w", err))
	}

	mbox, err := c.Select(inbox, true)
	if err != nil {
		_ = c.Logout()
		return sessionerrors.NewConnectError(a.accountKey, fmt.Errorf("failed to select INBOX: %w", err))
	}

	var watermark uint32
	if mbox.UidNext > 0 {
		watermark = mbox.UidNext - 1
	}

	a.logger.Info().
		Str("username", utils.MaskEmail(box.username)).
		Uint32("messages", mbox.Messages).
		Msg("Mailbox opened")

	a.startPolling(c, watermark)
	return nil
}

func (a *Adapter) dial(ctx context.Context, addr string) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	if a.options.UseTLS {
		return client.DialWithDialerTLS(dialer, addr, nil)
	}
	return client.DialWithDialer(dialer, addr)
}

func (a *Adapter) startPolling(c *client.Client, watermark uint32) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	if previous := a.imap; previous != nil && previous != c {
		go func() { _ = previous.Logout() }()
	}
	a.imap = c
	a.lastUID = watermark
	a.cancel = cancel
	a.pollDone = done
	a.mu.Unlock()

	a.healthy.Store(true)
	a.emit(entities.NewStatusEvent(a.accountKey, credential.NetworkEmail, true, "mailbox opened"))

	go func() {
		defer close(done)
		ticker := time.NewTicker(a.options.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-c.LoggedOut():
				a.lost(errors.New("server closed the connection"))
				return
			case <-ticker.C:
				if err := a.poll(); err != nil {
					a.lost(err)
					return
				}
			}
		}
	}()
}

func (a *Adapter) lost(err error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	a.healthy.Store(false)
	a.logger.Warn().Err(err).Msg("Mailbox connection lost")
	a.emit(entities.NewStatusEvent(a.accountKey, credential.NetworkEmail, false, err.Error()))
}

// poll fetches messages that arrived after the watermark and emits them in UID order
func (a *Adapter) poll() error {
	a.imapMu.Lock()
	defer a.imapMu.Unlock()

	a.mu.Lock()
	c, since := a.imap, a.lastUID
	a.mu.Unlock()
	if c == nil {
		return sessionerrors.ErrNotConnected
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(since+1, 0)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var fetched []*imap.Message
	for msg := range messages {
		// "n:*" always matches the highest UID, even below n
		if msg != nil && msg.Uid > since {
			fetched = append(fetched, msg)
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Uid < fetched[j].Uid })

	for _, msg := range fetched {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}

		inbound, err := parseMessage(body)
		if err != nil {
			a.logger.Warn().Err(err).Uint32("uid", msg.Uid).Msg("Failed to parse message")
			inbound.Content = entities.UnsupportedContent{Kind: "unparseable"}
		}
		if inbound.ExternalID == "" {
			inbound.ExternalID = strconv.FormatUint(uint64(msg.Uid), 10)
		}

		at := msg.InternalDate
		if at.IsZero() {
			at = timeNow()
		}
		a.emit(entities.NewMessageEvent(a.accountKey, credential.NetworkEmail, at.UTC(), inbound))

		a.mu.Lock()
		a.lastUID = msg.Uid
		a.mu.Unlock()
	}

	return nil
}

// Send delivers a plain text email over SMTP
func (a *Adapter) Send(ctx context.Context, msg entities.OutboundMessage) (*entities.SentMessage, error) {
	if !a.healthy.Load() {
		return nil, sessionerrors.ErrNotConnected
	}

	a.mu.Lock()
	box := a.box
	a.mu.Unlock()

	if box.smtpAddr == "" {
		return nil, fmt.Errorf("smtp address is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := composeMessage(&buf, box.username, msg); err != nil {
		return nil, err
	}

	if _, _, err := net.SplitHostPort(box.smtpAddr); err != nil {
		return nil, fmt.Errorf("invalid smtp address %q: %w", box.smtpAddr, err)
	}
	auth := sasl.NewPlainClient("", box.username, box.password)

	if err := a.send(box.smtpAddr, auth, box.username, []string{msg.Recipient}, bytes.NewReader(buf.Bytes())); err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	return &entities.SentMessage{
		ExternalID: messageIDOf(buf.Bytes()),
		SentAt:     timeNow().UTC(),
	}, nil
}

// messageIDOf reads the Message-Id header back from a composed message
func messageIDOf(raw []byte) string {
	inbound, err := parseMessage(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	return inbound.ExternalID
}

// Disconnect stops polling and logs out
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel, done, c := a.cancel, a.pollDone, a.imap
	a.mu.Unlock()

	a.healthy.Store(false)
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.imapMu.Lock()
	err := c.Logout()
	a.imapMu.Unlock()

	a.emit(entities.NewStatusEvent(a.accountKey, credential.NetworkEmail, false, "mailbox closed"))
	a.logger.Info().Msg("Mailbox closed")

	if err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}
