package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/understudy/internal/llm"
	"github.com/nous-labs/understudy/internal/notify"
	"github.com/nous-labs/understudy/pkg/channel"
	"github.com/nous-labs/understudy/pkg/state"
	"github.com/nous-labs/understudy/pkg/tenant"
)

type idleChannel struct{}

func (idleChannel) Name() string { return "fake" }

func (idleChannel) Start(ctx context.Context, _ channel.MessageHandler) error {
	<-ctx.Done()
	return nil
}

func (idleChannel) Send(context.Context, channel.Response) (string, error) { return "$1", nil }

func (idleChannel) SetComposing(context.Context, string, bool) error { return nil }

func (idleChannel) Delete(context.Context, string, string) error { return nil }

func (idleChannel) Stop() error { return nil }

type recordingBot struct {
	mu   sync.Mutex
	sent []string
}

func (b *recordingBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c.(tgbotapi.MessageConfig).Text)
	return tgbotapi.Message{}, nil
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	bundles := writeFile(t, "credentials.toml", `
[[bundle]]
id = "hs-1"
endpoint = "https://matrix.example.org"
secret = "s"
capacity = 2
`)
	t.Setenv("UNDERSTUDY_BUNDLES_PATH", bundles)
	t.Setenv("UNDERSTUDY_STATE_DIR", t.TempDir())
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	return cfg
}

func TestBuildWiresModules(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	db, err := state.Open(t.TempDir(), state.NewSealer("test"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	app, err := build(ctx, cfg, wiring{
		store:    db,
		channels: func(channel.Credentials) (channel.Channel, error) { return idleChannel{}, nil },
	})
	require.NoError(t, err)
	t.Cleanup(app.Close)

	assert.Contains(t, app.Host.Modules, "tenants")
	assert.Contains(t, app.Host.Modules, "upkeep")

	h := app.Host.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tenants",
		strings.NewReader(`{"tenant_id":"t1","owner_id":"@alex:example.org","token":"syt_abc"}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	s, err := db.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusPending, s.Status)
	assert.Equal(t, "hs-1", s.BundleID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pool", nil))
	var pool struct {
		Bundles []struct {
			ID   string `json:"id"`
			Load int    `json:"load"`
		} `json:"bundles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pool))
	require.Len(t, pool.Bundles, 1)
	assert.Equal(t, 1, pool.Bundles[0].Load)

	n, err := app.Isolator.ExpirePending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotEmpty(t, app.Host.Events.Recent(0), "isolator events reach the host bus")
}

func TestBuildOpensSQLiteState(t *testing.T) {
	cfg := testConfig(t)

	app, err := build(context.Background(), cfg, wiring{
		channels: func(channel.Credentials) (channel.Channel, error) { return idleChannel{}, nil },
	})
	require.NoError(t, err)
	defer app.Close()

	_, ok := app.Store.(*state.DB)
	assert.True(t, ok)
	require.NoError(t, app.Store.Ping(context.Background()))
}

func TestBuildWithTelegramAlerts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.ChatIDs = []int64{42}
	bot := &recordingBot{}
	opened := false

	app, err := build(context.Background(), cfg, wiring{
		channels: func(channel.Credentials) (channel.Channel, error) { return idleChannel{}, nil },
		bots: func(token, _ string, _ *http.Client) (notify.Bot, error) {
			assert.Equal(t, "123:abc", token)
			opened = true
			return bot, nil
		},
	})
	require.NoError(t, err)
	defer app.Close()
	assert.True(t, opened)
}

func TestBuildFailsWithoutBundles(t *testing.T) {
	cfg := testConfig(t)
	cfg.BundlesPath = "/nonexistent/credentials.toml"

	_, err := build(context.Background(), cfg, wiring{})
	assert.ErrorContains(t, err, "read bundles")
}

func TestBuildRouter(t *testing.T) {
	t.Parallel()

	_, err := buildRouter(LLMConfig{})
	assert.Error(t, err, "no provider")

	r, err := buildRouter(LLMConfig{
		Fast: ProviderConfig{Provider: "groq", Model: "llama", APIKey: "k", BaseURL: "https://api.groq.example/v1"},
	})
	require.NoError(t, err)
	assert.True(t, r.Has(llm.TierFast))
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  ProviderConfig
		want string
	}{
		{"anthropic", ProviderConfig{Provider: "anthropic", APIKey: "k"}, "anthropic"},
		{"anthropic with base url", ProviderConfig{Provider: "anthropic", APIKey: "k", BaseURL: "https://proxy"}, "anthropic"},
		{"kimi", ProviderConfig{Provider: "kimi", APIKey: "k", BaseURL: "https://api.kimi.com/coding"}, "kimi"},
		{"openai compatible", ProviderConfig{Provider: "openrouter", APIKey: "k", BaseURL: "https://openrouter.ai/api/v1"}, "openrouter"},
		{"missing key", ProviderConfig{Provider: "anthropic"}, ""},
		{"compat without url", ProviderConfig{Provider: "openrouter", APIKey: "k"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newProvider(tt.cfg)
			if tt.want == "" {
				assert.Nil(t, p)
				return
			}
			require.NotNil(t, p)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}
