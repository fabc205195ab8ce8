package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	ResultCacheTTL time.Duration `mapstructure:"RESULT_CACHE_TTL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultClinic  string        `mapstructure:"DEFAULT_CLINIC"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	PayerAPIURL    string        `mapstructure:"PAYER_API_URL"`
	PayerAPIKey    string        `mapstructure:"PAYER_API_KEY"`
	PayerAPIRPS    float64       `mapstructure:"PAYER_API_RPS"`
	PollInterval   time.Duration `mapstructure:"POLL_INTERVAL"`
	EnrichTimeout  time.Duration `mapstructure:"ENRICH_TIMEOUT"`
	EMRSinkURL     string        `mapstructure:"EMR_SINK_URL"`
	EMRSinkSecret  string        `mapstructure:"EMR_SINK_SECRET"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "RESULT_CACHE_TTL", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_CLINIC", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"PAYER_API_URL", "PAYER_API_KEY", "PAYER_API_RPS", "POLL_INTERVAL", "ENRICH_TIMEOUT",
	"EMR_SINK_URL", "EMR_SINK_SECRET",
}

// Load reads the environment, with an optional .env file underneath it.
// Only DATABASE_URL is required here; serve-specific settings are checked by
// Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("RESULT_CACHE_TTL", "24h")
	v.SetDefault("DEFAULT_CLINIC", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("PAYER_API_RPS", 10)
	v.SetDefault("POLL_INTERVAL", "3s")
	v.SetDefault("ENRICH_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	if c.PayerAPIURL == "" {
		return fmt.Errorf("PAYER_API_URL is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q; refusing to start without authentication", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.EMRSinkURL != "" && c.EMRSinkSecret == "" {
		return fmt.Errorf("EMR_SINK_SECRET is required when EMR_SINK_URL is set")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	return nil
}
