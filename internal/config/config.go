package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSecret   string `mapstructure:"AUTH_SECRET"`
	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// Ledger thresholds used by alert evaluation and conflict retry.
	ExpiryWarningDays       int `mapstructure:"EXPIRY_WARNING_DAYS"`
	StabilityWarningMinutes int `mapstructure:"STABILITY_WARNING_MINUTES"`
	ConflictMaxRetries      int `mapstructure:"CONFLICT_MAX_RETRIES"`

	// AlertRecipient is the address inventory alert notifications go to.
	AlertRecipient string `mapstructure:"ALERT_RECIPIENT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("EXPIRY_WARNING_DAYS", 90)
	v.SetDefault("STABILITY_WARNING_MINUTES", 60)
	v.SetDefault("CONFLICT_MAX_RETRIES", 2)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("EXPIRY_WARNING_DAYS")
	v.BindEnv("STABILITY_WARNING_MINUTES")
	v.BindEnv("CONFLICT_MAX_RETRIES")
	v.BindEnv("ALERT_RECIPIENT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// a signing secret must be configured so bearer tokens are actually verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSecret == "" {
		return fmt.Errorf(
			"AUTH_SECRET must be set when ENV is %q; refusing to start without authentication", c.Env)
	}
	if c.ExpiryWarningDays <= 0 {
		return fmt.Errorf("EXPIRY_WARNING_DAYS must be positive, got %d", c.ExpiryWarningDays)
	}
	if c.StabilityWarningMinutes <= 0 {
		return fmt.Errorf("STABILITY_WARNING_MINUTES must be positive, got %d", c.StabilityWarningMinutes)
	}
	if c.ConflictMaxRetries < 0 {
		return fmt.Errorf("CONFLICT_MAX_RETRIES must not be negative, got %d", c.ConflictMaxRetries)
	}
	return nil
}
