// Package matrix implements the Matrix messaging backend. Each Channel acts
// as one tenant's own account, authenticated with the tenant's session
// token on the homeserver named by its credential bundle.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/understudy/pkg/channel"
	"github.com/nous-labs/understudy/pkg/tenant"
)

// Config holds settings shared by every tenant's Matrix connection.
type Config struct {
	SendRate     float64       // sends per second per tenant
	SendBurst    int
	TypingTTL    time.Duration // server-side expiry of a typing notice
	RetryBackoff time.Duration
	MaxRetries   int
	ResyncDelay  time.Duration
	RecentEvents int // owner event IDs remembered for reply detection
}

func DefaultConfig() Config {
	return Config{
		SendRate:     1,
		SendBurst:    3,
		TypingTTL:    10 * time.Second,
		RetryBackoff: 2 * time.Second,
		MaxRetries:   6,
		ResyncDelay:  15 * time.Second,
		RecentEvents: 2048,
	}
}

// Channel implements channel.Channel for one tenant's Matrix account.
type Channel struct {
	config  Config
	creds   channel.Credentials
	client  *mautrix.Client
	handler channel.MessageHandler
	pacer   *rate.Limiter

	startTime int64
	mu        sync.Mutex

	// ownerEvents holds event IDs authored by the account, so replies to
	// them can be recognized; sent holds the ones this process sent and
	// txns their transaction IDs, registered before the send so an echo
	// arriving ahead of the send response is still recognized.
	ownerEvents *lru.Cache[id.EventID, struct{}]
	sent        *lru.Cache[id.EventID, struct{}]
	txns        *lru.Cache[string, struct{}]
	groups      *lru.Cache[id.RoomID, bool]

	memberCount func(ctx context.Context, room id.RoomID) (int, error)
}

// NewFactory returns a channel.Factory producing Matrix channels.
func NewFactory(cfg Config) channel.Factory {
	return func(creds channel.Credentials) (channel.Channel, error) {
		return New(cfg, creds)
	}
}

// New creates a Matrix channel for the tenant described by creds.
func New(cfg Config, creds channel.Credentials) (*Channel, error) {
	def := DefaultConfig()
	if cfg.SendRate <= 0 {
		cfg.SendRate = def.SendRate
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = def.SendBurst
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = def.TypingTTL
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ResyncDelay <= 0 {
		cfg.ResyncDelay = def.ResyncDelay
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = def.RecentEvents
	}
	if creds.Endpoint == "" {
		return nil, fmt.Errorf("matrix: tenant %s has no homeserver", creds.TenantID)
	}

	client, err := mautrix.NewClient(creds.Endpoint, id.UserID(creds.OwnerID), creds.Token)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	// In-memory sync store; a restart resyncs from now.
	client.Store = mautrix.NewMemorySyncStore()

	ownerEvents, _ := lru.New[id.EventID, struct{}](cfg.RecentEvents)
	sent, _ := lru.New[id.EventID, struct{}](cfg.RecentEvents)
	txns, _ := lru.New[string, struct{}](cfg.RecentEvents)
	groups, _ := lru.New[id.RoomID, bool](1024)

	c := &Channel{
		config:      cfg,
		creds:       creds,
		client:      client,
		pacer:       rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		ownerEvents: ownerEvents,
		sent:        sent,
		txns:        txns,
		groups:      groups,
	}
	c.memberCount = c.joinedMembers
	return c, nil
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// Start verifies the session token and syncs until ctx is cancelled.
// A rejected token returns an error wrapping tenant.ErrAuthFailure.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.mu.Lock()
	c.handler = handler
	c.startTime = time.Now().UnixMilli()
	c.mu.Unlock()

	if err := c.verifyWithRetry(ctx); err != nil {
		return err
	}

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.onMessage(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync", "tenant", c.creds.TenantID)

	for {
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if isAuthError(err) {
			return fmt.Errorf("matrix sync: %w: %v", tenant.ErrAuthFailure, err)
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting",
				"tenant", c.creds.TenantID, "error", err, "delay", c.config.ResyncDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.config.ResyncDelay):
			}
		}
	}
}

// verifyWithRetry checks the token with whoami, backing off on transient errors.
func (c *Channel) verifyWithRetry(ctx context.Context) error {
	backoff := c.config.RetryBackoff
	maxBackoff := 2 * time.Minute

	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		resp, err := c.client.Whoami(ctx)
		if err == nil {
			c.client.UserID = resp.UserID
			c.client.DeviceID = resp.DeviceID
			if c.creds.OwnerID != "" && string(resp.UserID) != c.creds.OwnerID {
				return fmt.Errorf("matrix: token belongs to %s, not %s: %w",
					resp.UserID, c.creds.OwnerID, tenant.ErrAuthFailure)
			}
			slog.Info("matrix session verified", "tenant", c.creds.TenantID, "user", resp.UserID)
			return nil
		}

		if isAuthError(err) {
			return fmt.Errorf("matrix whoami: %w: %v", tenant.ErrAuthFailure, err)
		}
		if attempt == c.config.MaxRetries {
			return fmt.Errorf("matrix whoami: %w (after %d attempts)", err, attempt)
		}

		slog.Warn("matrix whoami failed, retrying",
			"tenant", c.creds.TenantID,
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return errors.New("matrix whoami: exhausted retries")
}

// Send sends a message to a Matrix room, splitting long messages.
// The returned ID is that of the last chunk.
func (c *Channel) Send(ctx context.Context, resp channel.Response) (string, error) {
	const maxLen = 4000

	roomID := id.RoomID(resp.ChatID)
	chunks := splitMessage(resp.Content, maxLen)
	var last id.EventID
	for i, chunk := range chunks {
		if err := c.pacer.Wait(ctx); err != nil {
			return "", err
		}
		content := &event.MessageEventContent{MsgType: event.MsgText, Body: chunk}
		if i == 0 && resp.ReplyTo != "" {
			content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(resp.ReplyTo))
		}
		txnID := c.client.TxnID()
		c.txns.Add(txnID, struct{}{})
		sendResp, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, content,
			mautrix.ReqSendEvent{TransactionID: txnID})
		if err != nil {
			slog.Error("matrix send failed", "tenant", c.creds.TenantID, "room", roomID, "chunk", i+1, "error", err)
			return "", fmt.Errorf("matrix send: %w", err)
		}
		last = sendResp.EventID
		c.sent.Add(last, struct{}{})
		c.ownerEvents.Add(last, struct{}{})
	}
	slog.Debug("matrix message sent", "tenant", c.creds.TenantID, "room", roomID, "chunks", len(chunks))
	return string(last), nil
}

// SetComposing sends a typing notice.
func (c *Channel) SetComposing(ctx context.Context, chatID string, on bool) error {
	_, err := c.client.UserTyping(ctx, id.RoomID(chatID), on, c.config.TypingTTL)
	if err != nil {
		return fmt.Errorf("matrix typing: %w", err)
	}
	return nil
}

// Delete redacts a message.
func (c *Channel) Delete(ctx context.Context, chatID, messageID string) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}
	_, err := c.client.RedactEvent(ctx, id.RoomID(chatID), id.EventID(messageID))
	if err != nil {
		return fmt.Errorf("matrix redact: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the Matrix channel.
func (c *Channel) Stop() error {
	c.client.StopSync()
	return nil
}

// --- Event Handlers ---

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	c.mu.Lock()
	handler, start := c.handler, c.startTime
	c.mu.Unlock()

	if evt.Timestamp < start || handler == nil {
		return
	}
	msg, ok := c.convert(ctx, evt)
	if !ok {
		return
	}

	slog.Debug("matrix message received",
		"tenant", c.creds.TenantID,
		"sender", evt.Sender,
		"room", evt.RoomID,
		"content", truncate(msg.Content, 100),
	)

	if err := handler(ctx, msg); err != nil {
		slog.Warn("message handler error", "tenant", c.creds.TenantID, "room", evt.RoomID, "error", err)
	}
}

// convert maps a Matrix event onto a channel.Message. Echoes of our own
// sends and non-text events are dropped.
func (c *Channel) convert(ctx context.Context, evt *event.Event) (channel.Message, bool) {
	if _, echo := c.sent.Peek(evt.ID); echo {
		return channel.Message{}, false
	}
	if txn := evt.Unsigned.TransactionID; txn != "" {
		if _, echo := c.txns.Peek(txn); echo {
			return channel.Message{}, false
		}
	}
	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return channel.Message{}, false
	}
	if content.MsgType != event.MsgText && content.MsgType != event.MsgEmote && content.MsgType != event.MsgNotice {
		return channel.Message{}, false
	}

	owner := c.client.UserID
	if evt.Sender == owner {
		c.ownerEvents.Add(evt.ID, struct{}{})
	}

	msg := channel.Message{
		TenantID:  c.creds.TenantID,
		Source:    "matrix",
		ID:        string(evt.ID),
		ChatID:    string(evt.RoomID),
		SenderID:  string(evt.Sender),
		Content:   content.Body,
		IsGroup:   c.isGroup(ctx, evt.RoomID),
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
	if content.RelatesTo != nil {
		if target := content.RelatesTo.GetReplyTo(); target != "" {
			_, msg.ReplyToOwner = c.ownerEvents.Get(target)
		}
	}
	if content.Mentions != nil {
		for _, u := range content.Mentions.UserIDs {
			msg.Mentions = append(msg.Mentions, string(u))
		}
	}
	return msg, true
}

func (c *Channel) isGroup(ctx context.Context, room id.RoomID) bool {
	if g, ok := c.groups.Get(room); ok {
		return g
	}
	n, err := c.memberCount(ctx, room)
	if err != nil {
		slog.Warn("matrix member lookup failed", "tenant", c.creds.TenantID, "room", room, "error", err)
		// Unknown rooms are treated as groups, which only ever suppresses responses.
		return true
	}
	group := n > 2
	c.groups.Add(room, group)
	return group
}

func (c *Channel) joinedMembers(ctx context.Context, room id.RoomID) (int, error) {
	resp, err := c.client.JoinedMembers(ctx, room)
	if err != nil {
		return 0, err
	}
	return len(resp.Joined), nil
}

// --- Helpers ---

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
		strings.Contains(errStr, "M_FORBIDDEN") ||
		strings.Contains(errStr, "M_USER_DEACTIVATED")
}

func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
