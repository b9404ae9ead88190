package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/clinicq/clinicq/internal/domain/queue"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL           string   `mapstructure:"REDIS_URL"`
	RedisChannelPrefix string   `mapstructure:"REDIS_CHANNEL_PREFIX"`
	AMQPURL            string   `mapstructure:"AMQP_URL"`
	AMQPExchange       string   `mapstructure:"AMQP_EXCHANGE"`
	WebhookURL         string   `mapstructure:"WEBHOOK_URL"`
	WebhookSecret      string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents      []string `mapstructure:"WEBHOOK_EVENTS"`
	EventBufferSize    int      `mapstructure:"EVENT_BUFFER_SIZE"`
	EventWorkers       int      `mapstructure:"EVENT_WORKERS"`

	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	LateArrivalThresholdMinutes int     `mapstructure:"QUEUE_LATE_ARRIVAL_THRESHOLD_MINUTES"`
	RunOverThresholdMinutes     int     `mapstructure:"QUEUE_RUN_OVER_THRESHOLD_MINUTES"`
	DefaultAppointmentMinutes   int     `mapstructure:"QUEUE_DEFAULT_APPOINTMENT_MINUTES"`
	HistoryLookbackDays         int     `mapstructure:"QUEUE_HISTORY_LOOKBACK_DAYS"`
	MLConfidenceThreshold       float64 `mapstructure:"QUEUE_ML_CONFIDENCE_THRESHOLD"`
	CheckIntervalMinutes        int     `mapstructure:"QUEUE_CHECK_INTERVAL_MINUTES"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "REDIS_CHANNEL_PREFIX", "AMQP_URL", "AMQP_EXCHANGE",
	"WEBHOOK_URL", "WEBHOOK_SECRET", "WEBHOOK_EVENTS", "EVENT_BUFFER_SIZE", "EVENT_WORKERS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"QUEUE_LATE_ARRIVAL_THRESHOLD_MINUTES", "QUEUE_RUN_OVER_THRESHOLD_MINUTES",
	"QUEUE_DEFAULT_APPOINTMENT_MINUTES", "QUEUE_HISTORY_LOOKBACK_DAYS",
	"QUEUE_ML_CONFIDENCE_THRESHOLD", "QUEUE_CHECK_INTERVAL_MINUTES",
}

// Load reads .env (if present) and the environment. Environment wins.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("EVENT_BUFFER_SIZE", 1024)
	v.SetDefault("EVENT_WORKERS", 4)

	d := queue.DefaultSettings()
	v.SetDefault("QUEUE_LATE_ARRIVAL_THRESHOLD_MINUTES", int(d.LateArrivalThreshold/time.Minute))
	v.SetDefault("QUEUE_RUN_OVER_THRESHOLD_MINUTES", int(d.RunOverThreshold/time.Minute))
	v.SetDefault("QUEUE_DEFAULT_APPOINTMENT_MINUTES", int(d.DefaultDuration/time.Minute))
	v.SetDefault("QUEUE_HISTORY_LOOKBACK_DAYS", int(d.HistoryLookback/(24*time.Hour)))
	v.SetDefault("QUEUE_ML_CONFIDENCE_THRESHOLD", d.ConfidenceThreshold)
	v.SetDefault("QUEUE_CHECK_INTERVAL_MINUTES", int(d.CheckInterval/time.Minute))

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.WebhookEvents = splitList(cfg.WebhookEvents, v.GetString("WEBHOOK_EVENTS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// splitList normalises comma-separated values, whether viper already split
// them or handed over the raw string.
func splitList(parsed []string, raw string) []string {
	items := parsed
	if len(items) <= 1 {
		items = strings.Split(raw, ",")
	}
	var out []string
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate refuses configurations that are unsafe or that the engine
// cannot honour.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%s", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.EventBufferSize <= 0 || c.EventWorkers <= 0 {
		return fmt.Errorf("EVENT_BUFFER_SIZE and EVENT_WORKERS must be positive")
	}
	if c.WebhookURL != "" && c.IsProduction() && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required for webhooks in production")
	}

	if c.LateArrivalThresholdMinutes < 0 || c.RunOverThresholdMinutes < 0 {
		return fmt.Errorf("queue thresholds must not be negative")
	}
	if c.DefaultAppointmentMinutes <= 0 {
		return fmt.Errorf("QUEUE_DEFAULT_APPOINTMENT_MINUTES must be positive")
	}
	if c.HistoryLookbackDays <= 0 {
		return fmt.Errorf("QUEUE_HISTORY_LOOKBACK_DAYS must be positive")
	}
	if c.MLConfidenceThreshold < 0 || c.MLConfidenceThreshold > 1 {
		return fmt.Errorf("QUEUE_ML_CONFIDENCE_THRESHOLD must be within [0, 1], got %v", c.MLConfidenceThreshold)
	}
	if c.CheckIntervalMinutes <= 0 {
		return fmt.Errorf("QUEUE_CHECK_INTERVAL_MINUTES must be positive")
	}

	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE are required when TLS_ENABLED is true")
	}
	return nil
}

// QueueSettings are the engine defaults clinics override.
func (c *Config) QueueSettings() queue.Settings {
	return queue.Settings{
		LateArrivalThreshold: time.Duration(c.LateArrivalThresholdMinutes) * time.Minute,
		RunOverThreshold:     time.Duration(c.RunOverThresholdMinutes) * time.Minute,
		DefaultDuration:      time.Duration(c.DefaultAppointmentMinutes) * time.Minute,
		HistoryLookback:      time.Duration(c.HistoryLookbackDays) * 24 * time.Hour,
		ConfidenceThreshold:  c.MLConfidenceThreshold,
		CheckInterval:        time.Duration(c.CheckIntervalMinutes) * time.Minute,
	}
}

// Level returns the configured log level, info when unparseable.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
