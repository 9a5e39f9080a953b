package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/open-realtime/chat-stack/pkg/broker"
	"github.com/open-realtime/chat-stack/pkg/subscriptions"
)

// Config holds transport session configuration.
type Config struct {
	// OutboundBuffer is the per-connection outbound frame queue size.
	OutboundBuffer int `mapstructure:"outbound_buffer"`
	// PingInterval is the websocket keepalive interval.
	PingInterval time.Duration `mapstructure:"ping_interval"`

	Routes RoutesConfig `mapstructure:"routes"`
}

// RoutesConfig holds route configuration
type RoutesConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SetDefaults sets viper defaults for session configuration.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}

	v.SetDefault(p+"outbound_buffer", 64)
	v.SetDefault(p+"ping_interval", "30s")
	v.SetDefault(p+"routes.enabled", true)
}

// Services holds initialized session services.
type Services struct {
	Hub    *Hub
	Routes *Routes
}

// InitializeWithDeps creates the transport layer with its dependencies.
func (c *Config) InitializeWithDeps(ctx context.Context, b *broker.Broker, registry *subscriptions.Registry, logger *slog.Logger) (*Services, error) {
	if b == nil {
		return nil, fmt.Errorf("session requires a broker")
	}
	if registry == nil {
		registry = subscriptions.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}

	hub := NewHub()
	svc := &Services{Hub: hub}

	if c.Routes.Enabled {
		newSession := func(conn Conn) *Session {
			return NewSession(conn, b, registry, logger, c.OutboundBuffer, c.PingInterval)
		}
		svc.Routes = NewRoutes(hub, b, c, newSession)
	}
	return svc, nil
}

// Close closes the session services.
func (s *Services) Close() error {
	return nil
}
