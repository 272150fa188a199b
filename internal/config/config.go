package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/logging"
)

// Backend names accepted by the pluggable stores.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendStatic   = "static"
	BackendFile     = "file"
)

// Channel adapter types.
const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelWebhook  = "webhook"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Rules        RulesConfig        `mapstructure:"rules"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Delivery     DeliveryConfig     `mapstructure:"delivery"`
	Batching     BatchingConfig     `mapstructure:"batching"`
	Hub          HubConfig          `mapstructure:"hub"`
	Channels     []ChannelConfig    `mapstructure:"channels"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig points at the shared dedup / rate-limit state.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// KafkaConfig describes the inbound event feed.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
	Workers int      `mapstructure:"workers"`
}

// RulesConfig selects where rules come from and how often they reload.
type RulesConfig struct {
	Source          string        `mapstructure:"source"`
	Path            string        `mapstructure:"path"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Watch           bool          `mapstructure:"watch"`
}

// EngineConfig selects dedup and limiter backends.
type EngineConfig struct {
	DedupBackend     string        `mapstructure:"dedup_backend"`
	DedupWindow      time.Duration `mapstructure:"dedup_window"`
	RateLimitBackend string        `mapstructure:"ratelimit_backend"`
}

// DeliveryConfig governs retries and concurrency of channel deliveries.
type DeliveryConfig struct {
	MaxAttempts               int            `mapstructure:"max_attempts"`
	BaseDelay                 time.Duration  `mapstructure:"base_delay"`
	MaxDelay                  time.Duration  `mapstructure:"max_delay"`
	Jitter                    float64        `mapstructure:"jitter"`
	Workers                   int            `mapstructure:"workers"`
	ChannelConcurrency        map[string]int `mapstructure:"channel_concurrency"`
	DefaultChannelConcurrency int            `mapstructure:"default_channel_concurrency"`
	SendTimeout               time.Duration  `mapstructure:"send_timeout"`
	LogBackend                string         `mapstructure:"log_backend"`
	LogRetention              time.Duration  `mapstructure:"log_retention"`
}

// BatchingConfig toggles alert batching.
type BatchingConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Window  time.Duration `mapstructure:"window"`
}

// HubTokenConfig is a static hub credential.
type HubTokenConfig struct {
	Token    string `mapstructure:"token"`
	Identity string `mapstructure:"identity"`
}

// HubConfig configures the websocket broadcast hub.
type HubConfig struct {
	Enabled      bool             `mapstructure:"enabled"`
	Listen       string           `mapstructure:"listen"`
	Path         string           `mapstructure:"path"`
	PingInterval time.Duration    `mapstructure:"ping_interval"`
	WriteTimeout time.Duration    `mapstructure:"write_timeout"`
	AuthTimeout  time.Duration    `mapstructure:"auth_timeout"`
	SendBuffer   int              `mapstructure:"send_buffer"`
	AuthBackend  string           `mapstructure:"auth_backend"`
	Tokens       []HubTokenConfig `mapstructure:"tokens"`
}

// ChannelConfig 描述一个告警投递渠道。
type ChannelConfig struct {
	ID       string        `mapstructure:"id"`
	Type     string        `mapstructure:"type"`
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HousekeepingConfig sets the sweep cadence.
type HousekeepingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// AdvisoryLockKey, when non-zero and postgres is configured, lets only one
	// replica run housekeeping per tick.
	AdvisoryLockKey int64 `mapstructure:"advisory_lock_key"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ALERTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "alertd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "alertd:")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "memecoin.events")
	v.SetDefault("kafka.group_id", "alertd")
	v.SetDefault("kafka.workers", 4)

	v.SetDefault("rules.source", BackendFile)
	v.SetDefault("rules.path", "rules.yaml")
	v.SetDefault("rules.refresh_interval", "30s")
	v.SetDefault("rules.watch", true)

	v.SetDefault("engine.dedup_backend", BackendMemory)
	v.SetDefault("engine.dedup_window", "10m")
	v.SetDefault("engine.ratelimit_backend", BackendMemory)

	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.base_delay", "2s")
	v.SetDefault("delivery.max_delay", "5m")
	v.SetDefault("delivery.jitter", 0.25)
	v.SetDefault("delivery.workers", 16)
	v.SetDefault("delivery.default_channel_concurrency", 4)
	v.SetDefault("delivery.send_timeout", "15s")
	v.SetDefault("delivery.log_backend", BackendMemory)
	v.SetDefault("delivery.log_retention", "168h")

	v.SetDefault("batching.enabled", true)
	v.SetDefault("batching.window", "30s")

	v.SetDefault("hub.enabled", true)
	v.SetDefault("hub.listen", ":8090")
	v.SetDefault("hub.path", "/ws")
	v.SetDefault("hub.ping_interval", "30s")
	v.SetDefault("hub.write_timeout", "10s")
	v.SetDefault("hub.auth_timeout", "15s")
	v.SetDefault("hub.send_buffer", 64)
	v.SetDefault("hub.auth_backend", BackendStatic)

	v.SetDefault("housekeeping.interval", "1m")
	v.SetDefault("housekeeping.advisory_lock_key", 0)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := oneOf("rules.source", c.Rules.Source, BackendFile, BackendPostgres); err != nil {
		return err
	}
	if c.Rules.Source == BackendFile && c.Rules.Path == "" {
		return fmt.Errorf("rules.path is required for the file source")
	}
	if c.Rules.RefreshInterval < 0 {
		return fmt.Errorf("rules.refresh_interval cannot be negative")
	}
	if err := oneOf("engine.dedup_backend", c.Engine.DedupBackend, BackendMemory, BackendRedis, BackendPostgres); err != nil {
		return err
	}
	if c.Engine.DedupWindow < 0 {
		return fmt.Errorf("engine.dedup_window cannot be negative")
	}
	if err := oneOf("engine.ratelimit_backend", c.Engine.RateLimitBackend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("delivery.log_backend", c.Delivery.LogBackend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("hub.auth_backend", c.Hub.AuthBackend, BackendStatic, BackendPostgres); err != nil {
		return err
	}

	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.max_attempts must be greater than zero")
	}
	if c.Delivery.BaseDelay <= 0 || c.Delivery.MaxDelay < c.Delivery.BaseDelay {
		return fmt.Errorf("delivery.base_delay must be positive and not above delivery.max_delay")
	}
	if c.Delivery.Jitter < 0 || c.Delivery.Jitter >= 1 {
		return fmt.Errorf("delivery.jitter must be in [0, 1)")
	}
	if c.Delivery.Workers <= 0 {
		return fmt.Errorf("delivery.workers must be greater than zero")
	}
	if c.Batching.Enabled && c.Batching.Window <= 0 {
		return fmt.Errorf("batching.window must be greater than zero")
	}
	if c.Hub.Enabled && c.Hub.PingInterval <= 0 {
		return fmt.Errorf("hub.ping_interval must be greater than zero")
	}
	if c.Housekeeping.Interval <= 0 {
		return fmt.Errorf("housekeeping.interval must be greater than zero")
	}

	needRedis := c.Engine.DedupBackend == BackendRedis || c.Engine.RateLimitBackend == BackendRedis
	if needRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required by the redis backends")
	}
	needPostgres := c.Rules.Source == BackendPostgres ||
		c.Engine.DedupBackend == BackendPostgres ||
		c.Delivery.LogBackend == BackendPostgres ||
		c.Hub.AuthBackend == BackendPostgres
	if needPostgres && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required by the postgres backends")
	}

	seen := make(map[string]struct{}, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d].id is required", i)
		}
		if _, dup := seen[ch.ID]; dup {
			return fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID)
		}
		seen[ch.ID] = struct{}{}
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case ChannelTelegram:
			if ch.BotToken == "" {
				return fmt.Errorf("channel %s: bot_token 必须配置", ch.ID)
			}
			if ch.ChatID == "" {
				return fmt.Errorf("channel %s: chat_id 必须配置", ch.ID)
			}
		case ChannelDiscord, ChannelWebhook:
			if ch.URL == "" {
				return fmt.Errorf("channel %s: url is required", ch.ID)
			}
		default:
			return fmt.Errorf("channel %s: unknown type %q", ch.ID, ch.Type)
		}
	}
	return nil
}

// HubTokens returns the static hub credentials as token -> identity.
func (c *Config) HubTokens() map[string]string {
	out := make(map[string]string, len(c.Hub.Tokens))
	for _, t := range c.Hub.Tokens {
		out[t.Token] = t.Identity
	}
	return out
}

// HasPostgres reports whether a database is configured.
func (c *Config) HasPostgres() bool {
	return c.Database.DSN != ""
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}
