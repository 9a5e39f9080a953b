package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/open-realtime/chat-stack/pkg/broker"
	"github.com/open-realtime/chat-stack/pkg/store"
)

// Config holds chat service configuration.
type Config struct {
	Routes RoutesConfig `mapstructure:"routes"`
}

// RoutesConfig holds route configuration
type RoutesConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SetDefaults sets viper defaults for chat configuration.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}

	v.SetDefault(p+"routes.enabled", true)
}

// Services holds initialized chat services.
type Services struct {
	Service *Service
	Routes  *Routes
}

// InitializeWithDeps creates the chat service with its shared dependencies.
func (c *Config) InitializeWithDeps(ctx context.Context, s store.Store, b *broker.Broker, logger *slog.Logger) (*Services, error) {
	if s == nil {
		return nil, fmt.Errorf("chat requires a store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Services{
		Service: NewService(s, b, logger),
	}
	if c.Routes.Enabled {
		svc.Routes = NewRoutes(svc.Service)
	}
	return svc, nil
}

// Close closes the chat services.
func (s *Services) Close() error {
	return nil
}
