package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockBot struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	sendErr map[int64]error
}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := c.(tgbotapi.MessageConfig)
	m.sent = append(m.sent, msg)
	if err := m.sendErr[msg.ChatID]; err != nil {
		return tgbotapi.Message{}, err
	}
	return tgbotapi.Message{MessageID: len(m.sent)}, nil
}

func newTestNotifier(t *testing.T, bot *mockBot, chats ...int64) *Telegram {
	t.Helper()
	n, err := NewTelegramWithFactory(Config{Token: "tok", ChatIDs: chats, Dedup: time.Minute, Rate: 1000, Burst: 10},
		func(token, endpoint string, _ *http.Client) (Bot, error) {
			assert.Equal(t, "tok", token)
			assert.Equal(t, tgbotapi.APIEndpoint, endpoint)
			return bot, nil
		})
	require.NoError(t, err)
	return n
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()

	_, err := NewTelegramWithFactory(Config{ChatIDs: []int64{1}}, nil)
	assert.Error(t, err)
	_, err = NewTelegramWithFactory(Config{Token: "tok"}, nil)
	assert.Error(t, err)
	_, err = NewTelegramWithFactory(Config{Token: "tok", ChatIDs: []int64{1}}, func(string, string, *http.Client) (Bot, error) {
		return nil, errors.New("unauthorized")
	})
	assert.ErrorContains(t, err, "unauthorized")
}

func TestNotifySendsToEveryChat(t *testing.T) {
	t.Parallel()

	bot := &mockBot{}
	n := newTestNotifier(t, bot, 10, 20)
	require.NoError(t, n.Notify(context.Background(), "tenant t1 suspended"))

	require.Len(t, bot.sent, 2)
	assert.Equal(t, int64(10), bot.sent[0].ChatID)
	assert.Equal(t, int64(20), bot.sent[1].ChatID)
	assert.Contains(t, bot.sent[0].Text, "tenant t1 suspended")
}

func TestNotifySuppressesDuplicates(t *testing.T) {
	t.Parallel()

	bot := &mockBot{}
	n := newTestNotifier(t, bot, 10)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	require.NoError(t, n.Notify(context.Background(), "same"))
	require.NoError(t, n.Notify(context.Background(), "same"))
	require.NoError(t, n.Notify(context.Background(), "other"))
	assert.Len(t, bot.sent, 2)

	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Notify(context.Background(), "same"))
	assert.Len(t, bot.sent, 3)
}

func TestNotifyJoinsFailures(t *testing.T) {
	t.Parallel()

	bot := &mockBot{sendErr: map[int64]error{20: errors.New("chat not found")}}
	n := newTestNotifier(t, bot, 10, 20)
	err := n.Notify(context.Background(), "alert")
	assert.ErrorContains(t, err, "send to 20")
	assert.Len(t, bot.sent, 2, "a failing chat does not stop the others")
}

func TestNotifyTruncatesLongAlerts(t *testing.T) {
	t.Parallel()

	bot := &mockBot{}
	n := newTestNotifier(t, bot, 10)
	require.NoError(t, n.Notify(context.Background(), strings.Repeat("é", 5000)))
	require.Len(t, bot.sent, 1)
	assert.LessOrEqual(t, len([]rune(bot.sent[0].Text)), maxLen+2)
}
