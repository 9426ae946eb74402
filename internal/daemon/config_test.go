package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "understudy", cfg.Name)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sk-test", cfg.LLM.Deep.APIKey)
	assert.Equal(t, "claude-haiku-4-5", cfg.LLM.Fast.Model)
	assert.Empty(t, cfg.LLM.Mid.Provider)
	assert.Equal(t, 300*time.Second, cfg.Upkeep.AuthExpiry)
	assert.Equal(t, 30*time.Second, cfg.Responder.AutoCooldown)
	assert.Equal(t, 10, cfg.Responder.AutoMaxPerHour)
	assert.Equal(t, int64(512<<20), cfg.Isolator.MaxHistoryBytes)
	assert.InDelta(t, 0.25, cfg.Isolator.CPUShare, 1e-9)
	assert.Equal(t, int64(30), cfg.Isolator.InboundPerMinute)
	assert.Equal(t, 8*time.Second, cfg.Typing.Max)
	assert.Empty(t, cfg.Telegram.Token)
}

func TestLoadConfigLayers(t *testing.T) {
	path := writeFile(t, "understudy.toml", `
http_addr = ":9090"
state_dir = "/var/lib/understudy"

[isolator]
max_restarts = 2
cpu_share = 0.5

[upkeep]
auth_expiry = "2m"

[decision]
address_keywords = ["alex", "lex"]
`)
	overlay := writeFile(t, "private.json", `{
  "isolator": {"max_restarts": 7},
  "telegram": {"token": "$UNDERSTUDY_TEST_TG_TOKEN", "chat_ids": [42, 43]}
}`)
	t.Setenv("UNDERSTUDY_PRIVATE_CONFIG", overlay)
	t.Setenv("UNDERSTUDY_TEST_TG_TOKEN", "123:abc")
	t.Setenv("UNDERSTUDY_HTTP_ADDR", ":7070")
	t.Setenv("UNDERSTUDY_RESPONDER_NOTIFY_FAILURES", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTPAddr, "environment wins")
	assert.Equal(t, "/var/lib/understudy", cfg.StateDir)
	assert.Equal(t, 7, cfg.Isolator.MaxRestarts, "overlay wins over file")
	assert.InDelta(t, 0.5, cfg.Isolator.CPUShare, 1e-9, "overlay merges key by key")
	assert.Equal(t, 2*time.Minute, cfg.Upkeep.AuthExpiry)
	assert.Equal(t, []string{"alex", "lex"}, cfg.Decision.AddressKeywords)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, []int64{42, 43}, cfg.Telegram.ChatIDs)
	assert.True(t, cfg.Responder.NotifyFailures)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := writeFile(t, "bad-format.toml", "[logging]\nformat = \"xml\"\n")
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "logging.format")

	path = writeFile(t, "no-chats.toml", "[telegram]\ntoken = \"123:abc\"\n")
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "chat_ids")
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("UNDERSTUDY_TEST_SECRET", "s3cret")

	assert.Equal(t, "s3cret", resolveEnv("$UNDERSTUDY_TEST_SECRET"))
	assert.Equal(t, "", resolveEnv("$UNDERSTUDY_TEST_UNSET"))
	assert.Equal(t, "plain", resolveEnv("plain"))
	assert.Equal(t, "$", resolveEnv("$"))
}
