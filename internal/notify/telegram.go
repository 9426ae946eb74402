// Package notify delivers operator alerts to Telegram chats.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// maxLen stays under Telegram's 4096 character limit.
const maxLen = 4000

// Bot is the part of the Telegram API the notifier uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotFactory creates Bot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (Bot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (Bot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

type Config struct {
	Token   string
	ChatIDs []int64
	// Identical alerts inside this window are sent once.
	Dedup time.Duration
	// Sustained send rate and burst across all chats.
	Rate  rate.Limit
	Burst int
}

func DefaultConfig() Config {
	return Config{Dedup: time.Minute, Rate: 1, Burst: 5}
}

// Telegram sends alerts to a fixed set of operator chats.
type Telegram struct {
	bot     Bot
	chats   []int64
	dedup   time.Duration
	limiter *rate.Limiter
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewTelegram(cfg Config) (*Telegram, error) {
	return NewTelegramWithFactory(cfg, defaultBotFactory)
}

// NewTelegramWithFactory creates a notifier with a custom bot factory (for testing)
func NewTelegramWithFactory(cfg Config, factory BotFactory) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, fmt.Errorf("at least one telegram chat id is required")
	}
	def := DefaultConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	bot, err := factory(cfg.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{
		bot:     bot,
		chats:   cfg.ChatIDs,
		dedup:   cfg.Dedup,
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}, nil
}

// Notify sends text to every operator chat. Delivery failures are joined.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	if t.duplicate(text) {
		slog.Debug("suppressing duplicate alert", "alert", text)
		return nil
	}
	body := "⚠️ " + truncate(text, maxLen)

	var errs []error
	for _, chatID := range t.chats {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, body)); err != nil {
			errs = append(errs, fmt.Errorf("send to %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telegram) duplicate(text string) bool {
	if t.dedup <= 0 {
		return false
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, at := range t.seen {
		if now.Sub(at) >= t.dedup {
			delete(t.seen, k)
		}
	}
	if _, ok := t.seen[text]; ok {
		return true
	}
	t.seen[text] = now
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
