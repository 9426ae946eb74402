package daemon

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "UNDERSTUDY"

// Config holds the daemon configuration.
type Config struct {
	Name        string `mapstructure:"name"`
	HTTPAddr    string `mapstructure:"http_addr"`
	StateDir    string `mapstructure:"state_dir"`    // SQLite database and sealing key
	PostgresURL string `mapstructure:"postgres_url"` // when set, state lives in Postgres instead
	SecretKey   string `mapstructure:"secret_key"`   // passphrase sealing stored tokens; key file in StateDir when empty
	BundlesPath string `mapstructure:"bundles_path"` // TOML credential bundle file

	Logging   LoggingConfig   `mapstructure:"logging"`
	Matrix    MatrixConfig    `mapstructure:"matrix"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Responder ResponderConfig `mapstructure:"responder"`
	Decision  DecisionConfig  `mapstructure:"decision"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Style     StyleConfig     `mapstructure:"style"`
	Isolator  IsolatorConfig  `mapstructure:"isolator"`
	Upkeep    UpkeepConfig    `mapstructure:"upkeep"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`  // debug, info, warn, error
	Format    string `mapstructure:"format"` // text, json
	AddSource bool   `mapstructure:"add_source"`
}

// MatrixConfig holds settings shared by every tenant's Matrix connection.
type MatrixConfig struct {
	SendRate     float64       `mapstructure:"send_rate"`
	SendBurst    int           `mapstructure:"send_burst"`
	TypingTTL    time.Duration `mapstructure:"typing_ttl"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxRetries   int           `mapstructure:"max_retries"`
	ResyncDelay  time.Duration `mapstructure:"resync_delay"`
}

// LLMConfig holds LLM provider settings per tier.
type LLMConfig struct {
	Deep ProviderConfig `mapstructure:"deep"` // direct answers
	Mid  ProviderConfig `mapstructure:"mid"`
	Fast ProviderConfig `mapstructure:"fast"` // style mimicry
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Provider string `mapstructure:"provider"` // "anthropic", "anthropic-compat" or any OpenAI-compatible name
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"` // can use env var reference: "$ANTHROPIC_API_KEY"
	BaseURL  string `mapstructure:"base_url"`
}

type ResponderConfig struct {
	HistoryWindow  int           `mapstructure:"history_window"`
	AITimeout      time.Duration `mapstructure:"ai_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	AutoCooldown   time.Duration `mapstructure:"auto_cooldown"`
	AutoMaxPerHour int           `mapstructure:"auto_max_per_hour"`
	InfoTTL        time.Duration `mapstructure:"info_ttl"`
	NotifyFailures bool          `mapstructure:"notify_failures"`
	MaxQueued      int           `mapstructure:"max_queued"`
	SampleSize     int           `mapstructure:"sample_size"`
}

type DecisionConfig struct {
	AddressKeywords []string      `mapstructure:"address_keywords"`
	IgnorePatterns  []string      `mapstructure:"ignore_patterns"`
	FloodCount      int           `mapstructure:"flood_count"`
	FloodWindow     time.Duration `mapstructure:"flood_window"`
}

type GuardConfig struct {
	Window          time.Duration `mapstructure:"window"`
	AIPerSubject    int64         `mapstructure:"ai_per_subject"`
	AIGlobal        int64         `mapstructure:"ai_global"`
	SendPerSubject  int64         `mapstructure:"send_per_subject"`
	SendGlobal      int64         `mapstructure:"send_global"`
	InboundPerChat  int64         `mapstructure:"inbound_per_chat"`
	BlockFactor     int64         `mapstructure:"block_factor"`
	BlockDuration   time.Duration `mapstructure:"block_duration"`
	MaxLength       int           `mapstructure:"max_length"`
	BlockedPatterns []string      `mapstructure:"blocked_patterns"`
}

type TypingConfig struct {
	WPM         float64       `mapstructure:"wpm"`
	Min         time.Duration `mapstructure:"min"`
	Max         time.Duration `mapstructure:"max"`
	Variation   float64       `mapstructure:"variation"`
	PauseChance float64       `mapstructure:"pause_chance"`
}

type StyleConfig struct {
	MinSamples   int           `mapstructure:"min_samples"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	RefreshAfter int           `mapstructure:"refresh_after"`
	CacheSize    int           `mapstructure:"cache_size"`
}

type IsolatorConfig struct {
	MaxRestarts      int           `mapstructure:"max_restarts"`
	RestartBase      time.Duration `mapstructure:"restart_base"`
	RestartCap       time.Duration `mapstructure:"restart_cap"`
	StableAfter      time.Duration `mapstructure:"stable_after"`
	QuotaInterval    time.Duration `mapstructure:"quota_interval"`
	InboundPerMinute int64         `mapstructure:"inbound_per_minute"`
	MaxHistoryBytes  int64         `mapstructure:"max_history_bytes"`
	CPUShare         float64       `mapstructure:"cpu_share"`
}

type UpkeepConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	AuthExpiry      time.Duration `mapstructure:"auth_expiry"`
	AutoStateMaxAge time.Duration `mapstructure:"auto_state_max_age"`
	ChatIdle        time.Duration `mapstructure:"chat_idle"`
	RateIdle        time.Duration `mapstructure:"rate_idle"`
}

// TelegramConfig enables the operator alert bot when Token is set.
type TelegramConfig struct {
	Token   string        `mapstructure:"token"`
	ChatIDs []int64       `mapstructure:"chat_ids"`
	Dedup   time.Duration `mapstructure:"dedup"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "understudy")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("state_dir", "data")
	v.SetDefault("postgres_url", "")
	v.SetDefault("secret_key", "")
	v.SetDefault("bundles_path", "credentials.toml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)

	v.SetDefault("matrix.send_rate", 1.0)
	v.SetDefault("matrix.send_burst", 3)
	v.SetDefault("matrix.typing_ttl", 10*time.Second)
	v.SetDefault("matrix.retry_backoff", 2*time.Second)
	v.SetDefault("matrix.max_retries", 6)
	v.SetDefault("matrix.resync_delay", 15*time.Second)

	for tier, p := range map[string]ProviderConfig{
		"deep": {Provider: "anthropic", Model: "claude-sonnet-4-5", APIKey: "$ANTHROPIC_API_KEY"},
		"mid":  {},
		"fast": {Provider: "anthropic", Model: "claude-haiku-4-5", APIKey: "$ANTHROPIC_API_KEY"},
	} {
		v.SetDefault("llm."+tier+".provider", p.Provider)
		v.SetDefault("llm."+tier+".model", p.Model)
		v.SetDefault("llm."+tier+".api_key", p.APIKey)
		v.SetDefault("llm."+tier+".base_url", p.BaseURL)
	}

	v.SetDefault("responder.history_window", 10)
	v.SetDefault("responder.ai_timeout", 30*time.Second)
	v.SetDefault("responder.max_attempts", 3)
	v.SetDefault("responder.retry_backoff", 500*time.Millisecond)
	v.SetDefault("responder.auto_cooldown", 30*time.Second)
	v.SetDefault("responder.auto_max_per_hour", 10)
	v.SetDefault("responder.info_ttl", 5*time.Second)
	v.SetDefault("responder.notify_failures", false)
	v.SetDefault("responder.max_queued", 256)
	v.SetDefault("responder.sample_size", 50)

	v.SetDefault("decision.address_keywords", []string{})
	v.SetDefault("decision.ignore_patterns", []string{})
	v.SetDefault("decision.flood_count", 5)
	v.SetDefault("decision.flood_window", 30*time.Second)

	v.SetDefault("guard.window", time.Minute)
	v.SetDefault("guard.ai_per_subject", 10)
	v.SetDefault("guard.ai_global", 100)
	v.SetDefault("guard.send_per_subject", 20)
	v.SetDefault("guard.send_global", 600)
	v.SetDefault("guard.inbound_per_chat", 30)
	v.SetDefault("guard.block_factor", 2)
	v.SetDefault("guard.block_duration", 5*time.Minute)
	v.SetDefault("guard.max_length", 500)
	v.SetDefault("guard.blocked_patterns", []string{})

	v.SetDefault("typing.wpm", 60.0)
	v.SetDefault("typing.min", time.Second)
	v.SetDefault("typing.max", 8*time.Second)
	v.SetDefault("typing.variation", 0.3)
	v.SetDefault("typing.pause_chance", 0.2)

	v.SetDefault("style.min_samples", 3)
	v.SetDefault("style.max_age", 24*time.Hour)
	v.SetDefault("style.refresh_after", 20)
	v.SetDefault("style.cache_size", 4096)

	v.SetDefault("isolator.max_restarts", 5)
	v.SetDefault("isolator.restart_base", time.Second)
	v.SetDefault("isolator.restart_cap", 30*time.Second)
	v.SetDefault("isolator.stable_after", time.Minute)
	v.SetDefault("isolator.quota_interval", 5*time.Second)
	v.SetDefault("isolator.inbound_per_minute", 30)
	v.SetDefault("isolator.max_history_bytes", 512<<20)
	v.SetDefault("isolator.cpu_share", 0.25)

	v.SetDefault("upkeep.schedule", "@every 1m")
	v.SetDefault("upkeep.auth_expiry", 300*time.Second)
	v.SetDefault("upkeep.auto_state_max_age", 7*24*time.Hour)
	v.SetDefault("upkeep.chat_idle", 24*time.Hour)
	v.SetDefault("upkeep.rate_idle", time.Hour)

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_ids", []int64{})
	v.SetDefault("telegram.dedup", time.Minute)
}

// LoadConfig reads defaults, then the optional config file at path, then the
// file named by UNDERSTUDY_PRIVATE_CONFIG, then UNDERSTUDY_* environment
// variables. Later sources win; nested tables merge key by key.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if overlay := os.Getenv(envPrefix + "_PRIVATE_CONFIG"); overlay != "" {
		v.SetConfigFile(overlay)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.PostgresURL = resolveEnv(cfg.PostgresURL)
	cfg.SecretKey = resolveEnv(cfg.SecretKey)
	cfg.BundlesPath = resolveEnv(cfg.BundlesPath)
	cfg.Telegram.Token = resolveEnv(cfg.Telegram.Token)
	for _, p := range []*ProviderConfig{&cfg.LLM.Deep, &cfg.LLM.Mid, &cfg.LLM.Fast} {
		p.APIKey = resolveEnv(p.APIKey)
		p.BaseURL = resolveEnv(p.BaseURL)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Name == "" {
		c.Name = "understudy"
	}
	if c.StateDir == "" && c.PostgresURL == "" {
		return fmt.Errorf("config: state_dir or postgres_url is required")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown logging.format %q", c.Logging.Format)
	}
	if c.Telegram.Token != "" && len(c.Telegram.ChatIDs) == 0 {
		return fmt.Errorf("config: telegram.chat_ids is required when telegram.token is set")
	}
	return nil
}

// resolveEnv replaces $ENV_VAR references with actual values. An unset
// variable resolves to the empty string.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		return os.Getenv(s[1:])
	}
	return s
}
