package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Signature SignatureConfig `mapstructure:"signature"`

	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	StreamPort   int           `mapstructure:"stream_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	ClientID          string   `mapstructure:"client_id"`
	NotificationTopic string   `mapstructure:"notification_topic"`
	AlertTopic        string   `mapstructure:"alert_topic"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LifecycleConfig controls the call status state machine.
type LifecycleConfig struct {
	DedupeWindow       time.Duration `mapstructure:"dedupe_window"`
	DedupeMaxEntries   int           `mapstructure:"dedupe_max_entries"`
	CleanupDelay       time.Duration `mapstructure:"cleanup_delay"`
	ShortCallThreshold time.Duration `mapstructure:"short_call_threshold"`
}

// StreamConfig controls media-stream supervision.
type StreamConfig struct {
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	FirstMediaTimeout     time.Duration `mapstructure:"first_media_timeout"`
	NoMediaWarning        time.Duration `mapstructure:"no_media_warning"`
	NoMediaEscalation     time.Duration `mapstructure:"no_media_escalation"`
	SpeechStallWarning    time.Duration `mapstructure:"speech_stall_warning"`
	SpeechStallEscalation time.Duration `mapstructure:"speech_stall_escalation"`
	ReconnectMaxAttempts  int           `mapstructure:"reconnect_max_attempts"`
	ReconnectBaseDelay    time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay     time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectJitter       float64       `mapstructure:"reconnect_jitter"`
}

// ProviderConfig describes one telephony back-end.
type ProviderConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	AccountID    string   `mapstructure:"account_id"`
	AuthToken    string   `mapstructure:"auth_token"`
	Capabilities []string `mapstructure:"capabilities"`
}

// ProvidersConfig groups back-end configuration and failover behaviour.
type ProvidersConfig struct {
	A               ProviderConfig `mapstructure:"a"`
	B               ProviderConfig `mapstructure:"b"`
	C               ProviderConfig `mapstructure:"c"`
	FailoverEnabled bool           `mapstructure:"failover_enabled"`
	ErrorWindow     time.Duration  `mapstructure:"error_window"`
	ErrorThreshold  int            `mapstructure:"error_threshold"`
	Cooldown        time.Duration  `mapstructure:"cooldown"`
	OverrideTTL     time.Duration  `mapstructure:"override_ttl"`
}

// JobsConfig controls the durable job queue.
type JobsConfig struct {
	PassInterval    time.Duration `mapstructure:"pass_interval"`
	ClaimBatch      int           `mapstructure:"claim_batch"`
	StaleLockAfter  time.Duration `mapstructure:"stale_lock_after"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	MaxReplays      int           `mapstructure:"max_replays"`
	DlqAlertBacklog int           `mapstructure:"dlq_alert_backlog"`
}

// ConcurrencyConfig caps concurrent placements per scope key. A
// non-positive default limit disables the cap.
type ConcurrencyConfig struct {
	DefaultLimit int           `mapstructure:"default_limit"`
	SlotTTL      time.Duration `mapstructure:"slot_ttl"`
}

// IntegrationMode selects enforcement per verification point.
type IntegrationMode string

const (
	ModeOff    IntegrationMode = "off"
	ModeWarn   IntegrationMode = "warn"
	ModeStrict IntegrationMode = "strict"
)

// SignatureConfig controls inbound callback authentication.
type SignatureConfig struct {
	WebhookSecret   string          `mapstructure:"webhook_secret"`
	WebhookMode     IntegrationMode `mapstructure:"webhook_mode"`
	StreamSecret    string          `mapstructure:"stream_secret"`
	StreamMode      IntegrationMode `mapstructure:"stream_mode"`
	TokenSecret     string          `mapstructure:"token_secret"`
	TokenMode       IntegrationMode `mapstructure:"token_mode"`
	TokenSubject    string          `mapstructure:"token_subject"`
	TokenKeyID      string          `mapstructure:"token_key_id"`
	RequireBodyHash bool            `mapstructure:"require_body_hash"`
	SkewWindow      time.Duration   `mapstructure:"skew_window"`
	ReplayCacheMax  int             `mapstructure:"replay_cache_max"`
	AdminSecret     string          `mapstructure:"admin_secret"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("CALLORCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port <= 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.StreamPort <= 0 {
		c.HTTP.StreamPort = 8081
	}
	if c.Lifecycle.DedupeWindow <= 0 {
		c.Lifecycle.DedupeWindow = 3 * time.Second
	}
	if c.Lifecycle.DedupeMaxEntries <= 0 {
		c.Lifecycle.DedupeMaxEntries = 4096
	}
	if c.Lifecycle.CleanupDelay <= 0 {
		c.Lifecycle.CleanupDelay = 10 * time.Minute
	}
	if c.Lifecycle.ShortCallThreshold <= 0 {
		c.Lifecycle.ShortCallThreshold = 6 * time.Second
	}
	if c.Stream.TickInterval <= 0 {
		c.Stream.TickInterval = 5 * time.Second
	}
	if c.Stream.FirstMediaTimeout <= 0 {
		c.Stream.FirstMediaTimeout = 15 * time.Second
	}
	if c.Stream.NoMediaWarning <= 0 {
		c.Stream.NoMediaWarning = 20 * time.Second
	}
	if c.Stream.NoMediaEscalation <= 0 {
		c.Stream.NoMediaEscalation = 60 * time.Second
	}
	if c.Stream.SpeechStallWarning <= 0 {
		c.Stream.SpeechStallWarning = 30 * time.Second
	}
	if c.Stream.SpeechStallEscalation <= 0 {
		c.Stream.SpeechStallEscalation = 90 * time.Second
	}
	if c.Stream.ReconnectMaxAttempts <= 0 {
		c.Stream.ReconnectMaxAttempts = 3
	}
	if c.Stream.ReconnectBaseDelay <= 0 {
		c.Stream.ReconnectBaseDelay = 2 * time.Second
	}
	if c.Stream.ReconnectMaxDelay <= 0 {
		c.Stream.ReconnectMaxDelay = 30 * time.Second
	}
	if c.Providers.ErrorWindow <= 0 {
		c.Providers.ErrorWindow = 120 * time.Second
	}
	if c.Providers.ErrorThreshold <= 0 {
		c.Providers.ErrorThreshold = 3
	}
	if c.Providers.Cooldown <= 0 {
		c.Providers.Cooldown = 300 * time.Second
	}
	if c.Providers.OverrideTTL <= 0 {
		c.Providers.OverrideTTL = 24 * time.Hour
	}
	if c.Jobs.PassInterval <= 0 {
		c.Jobs.PassInterval = 5 * time.Second
	}
	if c.Jobs.ClaimBatch <= 0 {
		c.Jobs.ClaimBatch = 10
	}
	if c.Jobs.StaleLockAfter <= 0 {
		c.Jobs.StaleLockAfter = 5 * time.Minute
	}
	if c.Jobs.HandlerTimeout <= 0 {
		c.Jobs.HandlerTimeout = 45 * time.Second
	}
	if c.Jobs.MaxAttempts <= 0 {
		c.Jobs.MaxAttempts = 3
	}
	if c.Jobs.BackoffBase <= 0 {
		c.Jobs.BackoffBase = 5 * time.Second
	}
	if c.Jobs.BackoffMax <= 0 {
		c.Jobs.BackoffMax = time.Minute
	}
	if c.Jobs.MaxReplays <= 0 {
		c.Jobs.MaxReplays = 3
	}
	if c.Concurrency.SlotTTL <= 0 {
		c.Concurrency.SlotTTL = 5 * time.Minute
	}
	if c.Signature.SkewWindow <= 0 {
		c.Signature.SkewWindow = 5 * time.Minute
	}
	if c.Signature.ReplayCacheMax <= 0 {
		c.Signature.ReplayCacheMax = 8192
	}
	if c.Signature.WebhookMode == "" {
		c.Signature.WebhookMode = ModeStrict
	}
	if c.Signature.StreamMode == "" {
		c.Signature.StreamMode = ModeStrict
	}
	if c.Signature.TokenMode == "" {
		c.Signature.TokenMode = ModeStrict
	}
}

// Validate surfaces missing-credential problems at startup rather than
// hiding them per request.
func (c *Config) Validate() error {
	var missing []string
	if c.Signature.WebhookMode != ModeOff && c.Signature.WebhookSecret == "" {
		missing = append(missing, "signature.webhook_secret")
	}
	if c.Signature.TokenMode != ModeOff && c.Signature.TokenSecret == "" {
		missing = append(missing, "signature.token_secret")
	}
	if c.Signature.AdminSecret == "" {
		missing = append(missing, "signature.admin_secret")
	}
	if !c.Providers.A.Enabled && !c.Providers.B.Enabled && !c.Providers.C.Enabled {
		missing = append(missing, "providers: at least one enabled provider")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrConfigError, strings.Join(missing, ", "))
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
