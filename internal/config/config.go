package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                    int      `env:"PORT" envDefault:"8080"`
	DatabaseURL             string   `env:"DATABASE_URL,required"`
	RedisURL                string   `env:"REDIS_URL"`
	TokenSecret             string   `env:"TOKEN_SECRET" envDefault:"dev-secret-change-me"`
	DefaultWindowSeconds    int      `env:"DEFAULT_WINDOW_SECONDS" envDefault:"30"`
	MaxWindowSeconds        int      `env:"MAX_WINDOW_SECONDS" envDefault:"600"`
	AutoCreateSessions      bool     `env:"AUTO_CREATE_SESSIONS" envDefault:"true"`
	SessionMaxAgeMinutes    int      `env:"SESSION_MAX_AGE_MINUTES" envDefault:"720"`
	SessionRetentionMinutes int      `env:"SESSION_RETENTION_MINUTES" envDefault:"60"`
	ScanRateLimitPerMin     int      `env:"SCAN_RATE_LIMIT_PER_MIN" envDefault:"30"`
	MirrorQueueSize         int      `env:"MIRROR_QUEUE_SIZE" envDefault:"1024"`
	AdminAPIKeyHash         string   `env:"ADMIN_API_KEY_HASH"`
	AllowedOrigins          []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	LogLevel                string   `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) DefaultWindow() time.Duration {
	return time.Duration(c.DefaultWindowSeconds) * time.Second
}

func (c *Config) MaxWindow() time.Duration {
	return time.Duration(c.MaxWindowSeconds) * time.Second
}

func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeMinutes) * time.Minute
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionMinutes) * time.Minute
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.DefaultWindowSeconds <= 0 {
		return fmt.Errorf("DEFAULT_WINDOW_SECONDS must be positive")
	}
	if c.MaxWindowSeconds < c.DefaultWindowSeconds {
		return fmt.Errorf("MAX_WINDOW_SECONDS must be at least DEFAULT_WINDOW_SECONDS")
	}

	if c.AdminAPIKeyHash != "" {
		if !strings.HasPrefix(c.AdminAPIKeyHash, "$2a$") &&
			!strings.HasPrefix(c.AdminAPIKeyHash, "$2b$") &&
			!strings.HasPrefix(c.AdminAPIKeyHash, "$2y$") {
			return fmt.Errorf("ADMIN_API_KEY_HASH must be a bcrypt hash (generate with: go run scripts/hash-key.go <key>)")
		}
	}

	if isProduction {
		if err := validateSecret("TOKEN_SECRET", c.TokenSecret); err != nil {
			return err
		}

		if c.AdminAPIKeyHash == "" {
			log.Warn().Msg("ADMIN_API_KEY_HASH is empty in production: admin routes are disabled")
		}
		if c.RedisURL == "" {
			log.Warn().Msg("REDIS_URL is empty in production: events fan out in-process only")
		} else if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
