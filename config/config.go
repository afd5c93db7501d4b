package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`

	// PostgreSQL. The blacklist and principal tables may live in separate
	// databases; their sections are used only when a host is set.
	Postgres          PostgresConfig `mapstructure:"postgres"`
	BlacklistPostgres PostgresConfig `mapstructure:"blacklist_postgres"`
	PrincipalPostgres PostgresConfig `mapstructure:"principal_postgres"`

	// Redis
	Redis RedisConfig `mapstructure:"redis"`

	// NATS
	NATS NATSConfig `mapstructure:"nats"`

	// Prometheus
	Prometheus PrometheusConfig `mapstructure:"prometheus"`

	Log        LogConfig        `mapstructure:"log"`
	Shortener  ShortenerConfig  `mapstructure:"shortener"`
	Phishing   PhishingConfig   `mapstructure:"phishing"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Clicks     ClicksConfig     `mapstructure:"clicks"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	BaseURL string `mapstructure:"base_url"`
	Env     string `mapstructure:"env"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Port     int    `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns          int32  `mapstructure:"max_conns"`
	MinConns          int32  `mapstructure:"min_conns"`
	MaxConnLifetime   string `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   string `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod string `mapstructure:"health_check_period"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	MonitorPort int    `mapstructure:"monitor_port"`
}

type PrometheusConfig struct {
	Port           int    `mapstructure:"port"`
	Retention      string `mapstructure:"retention"`
	ScrapeInterval string `mapstructure:"scrape_interval"`
	Target         string `mapstructure:"target"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Encoding   string `mapstructure:"encoding"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ShortenerConfig struct {
	KeyLength                 int   `mapstructure:"key_length"`
	SecretSuffixLength        int   `mapstructure:"secret_suffix_length"`
	MaxKeyAttempts            int   `mapstructure:"max_key_attempts"`
	PrivilegedRoles           []int `mapstructure:"privileged_roles"`
	OwnerQuota                int   `mapstructure:"owner_quota"`
	RequireOwnerForManagement bool  `mapstructure:"require_owner_for_management"`
	ExpectedKeys              uint  `mapstructure:"expected_keys"`
}

type PhishingConfig struct {
	Feeds        []string      `mapstructure:"feeds"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	CheckSpec    string        `mapstructure:"check_spec"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	FlagExisting bool          `mapstructure:"flag_existing"`
}

type ProbeConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Timeout       time.Duration `mapstructure:"timeout"`
	DNSTimeout    time.Duration `mapstructure:"dns_timeout"`
	PrivateRanges []string      `mapstructure:"private_ranges"`
}

type EnrichmentConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxBytes  int64         `mapstructure:"max_bytes"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
}

type NotifierConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type ClicksConfig struct {
	// Mode is "inline" (in-process deferred tasks) or "jetstream".
	Mode string `mapstructure:"mode"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func Load() (*Config, error) {
	// Load local .env for development (ignored when missing).
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Search for config/config.yaml (plus root for overrides).
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Allow environment variables to override YAML entries.
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Preserve legacy env variable names.
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Shortener.KeyLength < 1 || c.Shortener.KeyLength > 15 {
		return fmt.Errorf("shortener.key_length must be between 1 and 15, got %d", c.Shortener.KeyLength)
	}
	if c.Shortener.MaxKeyAttempts < 1 {
		return fmt.Errorf("shortener.max_key_attempts must be positive")
	}
	switch c.Clicks.Mode {
	case "inline", "jetstream":
	default:
		return fmt.Errorf("clicks.mode must be inline or jetstream, got %q", c.Clicks.Mode)
	}
	if c.Notifier.PollInterval <= 0 || c.Notifier.Timeout <= 0 {
		return fmt.Errorf("notifier intervals must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.env", "development")

	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("shortener.key_length", 5)
	v.SetDefault("shortener.secret_suffix_length", 8)
	v.SetDefault("shortener.max_key_attempts", 10)
	v.SetDefault("shortener.privileged_roles", []int{2, 3})
	v.SetDefault("shortener.owner_quota", 30)
	v.SetDefault("shortener.require_owner_for_management", false)
	v.SetDefault("shortener.expected_keys", 1_000_000)

	v.SetDefault("phishing.feeds", []string{"https://openphish.com/feed.txt"})
	v.SetDefault("phishing.stale_after", 12*time.Hour)
	v.SetDefault("phishing.check_spec", "@every 10m")
	v.SetDefault("phishing.fetch_timeout", 30*time.Second)
	v.SetDefault("phishing.flag_existing", true)

	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.timeout", 3*time.Second)
	v.SetDefault("probe.dns_timeout", 2*time.Second)
	v.SetDefault("probe.private_ranges", []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8", "169.254.0.0/16",
		"172.16.0.0/12", "192.168.0.0/16", "::1/128", "fc00::/7", "fe80::/10",
	})

	v.SetDefault("enrichment.timeout", 5*time.Second)
	v.SetDefault("enrichment.max_bytes", 1<<20)
	v.SetDefault("enrichment.workers", 4)
	v.SetDefault("enrichment.queue_size", 1024)

	v.SetDefault("notifier.poll_interval", 5*time.Second)
	v.SetDefault("notifier.timeout", 10*time.Second)

	v.SetDefault("clicks.mode", "inline")

	v.SetDefault("rate_limit.max_requests", 60)
	v.SetDefault("rate_limit.window", time.Minute)
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("server.addr", "APP_ADDR")
	v.BindEnv("server.base_url", "BASE_URL")
	v.BindEnv("server.env", "APP_ENV")

	// PostgreSQL
	v.BindEnv("postgres.host", "PG_HOST")
	v.BindEnv("postgres.user", "PG_USER")
	v.BindEnv("postgres.password", "PG_PASSWORD")
	v.BindEnv("postgres.database", "PG_DB")
	v.BindEnv("postgres.port", "PG_PORT")
	v.BindEnv("postgres.sslmode", "PG_SSLMODE")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// NATS
	v.BindEnv("nats.host", "NATS_HOST")
	v.BindEnv("nats.port", "NATS_PORT")
	v.BindEnv("nats.user", "NATS_USER")
	v.BindEnv("nats.password", "NATS_PASSWORD")
	v.BindEnv("nats.monitor_port", "NATS_MONITOR_PORT")

	// Prometheus
	v.BindEnv("prometheus.port", "PROM_PORT")
	v.BindEnv("prometheus.retention", "PROM_RETENTION")
	v.BindEnv("prometheus.scrape_interval", "PROM_SCRAPE_INTERVAL")
	v.BindEnv("prometheus.target", "PROM_TARGET")

	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.file", "LOG_FILE")

	v.BindEnv("auth.jwt_secret", "SECRET_KEY")
}
