package broker

import (
	"context"
	"log/slog"

	"github.com/spf13/viper"
)

// Config holds broker configuration.
type Config struct {
	// BufferSize is the per-subscription delivery queue size. When a
	// consumer falls this far behind, further events are dropped for it.
	BufferSize int `mapstructure:"buffer_size"`
}

// SetDefaults sets viper defaults for broker configuration.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}

	v.SetDefault(p+"buffer_size", defaultBufferSize)
}

// Services holds the initialized broker.
type Services struct {
	Broker *Broker
}

// Initialize creates a Broker from the configuration.
func (c *Config) Initialize(ctx context.Context, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	return &Services{
		Broker: New(logger, WithBufferSize(c.BufferSize)),
	}, nil
}

// Close closes the broker.
func (s *Services) Close() error {
	if s == nil || s.Broker == nil {
		return nil
	}
	return s.Broker.Close()
}
