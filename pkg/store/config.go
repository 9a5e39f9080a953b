package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"
)

// Mode constants
const (
	ModeDisabled = "disabled"
	ModeEmbedded = "embedded"
	ModeRemote   = "remote"
)

// Provider constants
const (
	ProviderBadger = "badger"
	ProviderRedis  = "redis"
)

// Config holds store configuration.
type Config struct {
	Mode     string       `mapstructure:"mode"`     // disabled, embedded, remote
	Provider string       `mapstructure:"provider"` // badger, redis
	Badger   BadgerConfig `mapstructure:"badger"`   // Badger-specific config
	Redis    RedisConfig  `mapstructure:"redis"`    // Redis-specific config
}

// BadgerConfig holds Badger-specific configuration
type BadgerConfig struct {
	Path     string `mapstructure:"path"`      // Path to database directory
	InMemory bool   `mapstructure:"in_memory"` // Use in-memory storage
}

// SetDefaults sets viper defaults for store configuration.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}

	v.SetDefault(p+"mode", ModeEmbedded)
	v.SetDefault(p+"provider", ProviderBadger)
	v.SetDefault(p+"badger.path", "~/.chat-stack/store")
	v.SetDefault(p+"badger.in_memory", false)
	v.SetDefault(p+"redis.addr", "localhost:6379")
	v.SetDefault(p+"redis.db", 0)
}

// Services holds the initialized store.
type Services struct {
	Store Store
}

// Initialize creates a Store from the configuration.
func (c *Config) Initialize(ctx context.Context, logger *slog.Logger) (*Services, error) {
	if c.Mode == ModeDisabled {
		return nil, nil
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	switch c.Mode {
	case ModeEmbedded:
		if c.Provider != "" && c.Provider != ProviderBadger {
			return nil, fmt.Errorf("unknown embedded store provider: %s", c.Provider)
		}
		s, err := NewBadgerStore(&c.Badger, logger)
		if err != nil {
			return nil, err
		}
		return &Services{Store: s}, nil

	case ModeRemote:
		if c.Provider != "" && c.Provider != ProviderRedis {
			return nil, fmt.Errorf("unknown remote store provider: %s", c.Provider)
		}
		s, err := NewRedisStore(&c.Redis, logger)
		if err != nil {
			return nil, err
		}
		return &Services{Store: s}, nil

	default:
		return nil, fmt.Errorf("unknown store mode: %s", c.Mode)
	}
}

// Close closes the store.
func (s *Services) Close() error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.Close()
}
