package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"

	"github.com/open-realtime/chat-stack/admin"
	"github.com/open-realtime/chat-stack/pkg/broker"
	"github.com/open-realtime/chat-stack/pkg/chat"
	"github.com/open-realtime/chat-stack/pkg/logging"
	"github.com/open-realtime/chat-stack/pkg/session"
	"github.com/open-realtime/chat-stack/pkg/store"
	"github.com/open-realtime/chat-stack/pkg/subscriptions"
)

// Config holds the complete server configuration
type Config struct {
	// Logging settings
	Logging logging.Config `mapstructure:"logging"`

	// Server settings
	Server ServerConfig `mapstructure:"server"`

	// Core services - these are the shared dependencies
	Store  store.Config  `mapstructure:"store"`
	Broker broker.Config `mapstructure:"broker"`

	// Feature services
	Chat    chat.Config    `mapstructure:"chat"`
	Session session.Config `mapstructure:"session"`
	Admin   AdminConfig    `mapstructure:"admin"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Host     string `mapstructure:"host"`
	BasePath string `mapstructure:"base_path"`
}

// AdminConfig holds admin route configuration
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
}

// Services holds all initialized services
type Services struct {
	Store   *store.Services
	Broker  *broker.Services
	Chat    *chat.Services
	Session *session.Services
	Admin   *admin.Routes
}

// SetDefaults configures viper defaults for all settings
func (c *Config) SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.base_path", "/api")

	// Cascade to package configs
	c.Store.SetDefaults(v, "store")
	c.Broker.SetDefaults(v, "broker")
	c.Chat.SetDefaults(v, "chat")
	c.Session.SetDefaults(v, "session")

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.prefix", "/admin")
}

// Initialize creates all services from the configuration
func (c *Config) Initialize(ctx context.Context, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Services{}

	// Initialize store (foundational - other services depend on it)
	storeSvc, err := c.Store.Initialize(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	svc.Store = storeSvc

	// Initialize broker
	brokerSvc, err := c.Broker.Initialize(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize broker: %w", err)
	}
	svc.Broker = brokerSvc

	// Initialize chat service with shared dependencies
	if storeSvc != nil {
		chatSvc, err := c.Chat.InitializeWithDeps(ctx, storeSvc.Store, brokerSvc.Broker, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize chat: %w", err)
		}
		svc.Chat = chatSvc
	}

	// Initialize transport sessions with the shared operation registry
	registry := subscriptions.NewRegistry()
	sessionSvc, err := c.Session.InitializeWithDeps(ctx, brokerSvc.Broker, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	svc.Session = sessionSvc

	// Initialize admin routes
	if c.Admin.Enabled && storeSvc != nil {
		svc.Admin = admin.NewRoutes(brokerSvc.Broker, sessionSvc.Hub, storeSvc.Store, logger)
	}

	return svc, nil
}

// RegisterRoutes registers all HTTP routes on the Fiber app
func (c *Config) RegisterRoutes(app *fiber.App, svc *Services) {
	// Create API group with base path
	api := app.Group(c.Server.BasePath)

	// Register chat REST routes
	if svc.Chat != nil && svc.Chat.Routes != nil {
		svc.Chat.Routes.Register(api)
	}

	// Register websocket + SSE transport routes
	if svc.Session != nil && svc.Session.Routes != nil {
		svc.Session.Routes.Register(api)
	}

	// Register admin routes
	if svc.Admin != nil {
		prefix := c.Admin.Prefix
		if prefix == "" {
			prefix = "/admin"
		}
		svc.Admin.Register(app.Group(prefix))
	}

	// Health check endpoint
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})

	// Setup API documentation routes
	registerDocsRoutes(app)
}

// registerDocsRoutes sets up Swagger/Scalar API documentation
func registerDocsRoutes(app *fiber.App) {
	// Get current working directory
	cwd, _ := os.Getwd()

	// Try to find docs folder in multiple locations
	possiblePaths := []string{
		"./docs",
		"../../docs",
		filepath.Join(cwd, "docs"),
	}

	var docsPath string
	for _, p := range possiblePaths {
		absPath, _ := filepath.Abs(p)
		swaggerPath := filepath.Join(absPath, "swagger.json")
		if _, err := os.Stat(swaggerPath); err == nil {
			docsPath = absPath
			slog.Info("found swagger.json", "path", swaggerPath)
			break
		}
	}

	if docsPath == "" {
		slog.Warn("swagger.json not found", "searchPaths", possiblePaths)
		docsPath = "./docs" // fallback
	}

	// Serve swagger files at /api-spec
	app.Static("/api-spec", docsPath)

	// Serve Scalar API reference UI at /docs
	app.Get("/docs", func(c *fiber.Ctx) error {
		html := `<!doctype html>
<html>
<head>
    <title>Chat Stack API</title>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
</head>
<body>
    <script id="api-reference" data-url="/api-spec/swagger.json"></script>
    <script src="https://cdn.jsdelivr.net/npm/@scalar/api-reference"></script>
</body>
</html>`
		c.Set("Content-Type", "text/html")
		return c.SendString(html)
	})
}

// Close closes all services
func (svc *Services) Close() error {
	var errs []error

	// Close in reverse order of initialization
	if svc.Session != nil {
		if err := svc.Session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session close: %w", err))
		}
	}

	if svc.Chat != nil {
		if err := svc.Chat.Close(); err != nil {
			errs = append(errs, fmt.Errorf("chat close: %w", err))
		}
	}

	if svc.Broker != nil {
		if err := svc.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close: %w", err))
		}
	}

	if svc.Store != nil {
		if err := svc.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// LoadConfig loads configuration from file and environment.
// Configuration is loaded from YAML files in order of precedence:
// 1. Explicit configPath argument (if provided)
// 2. ./config.yaml
// 3. ~/.chat-stack/config.yaml
// 4. /etc/chat-stack/config.yaml
// Environment variables with prefix CHATSTACK_ override config file values.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	cfg := &Config{}
	cfg.SetDefaults(v)

	// Configure viper
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	v.SetEnvPrefix("CHATSTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		// Explicit path provided
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Search in standard locations (order of precedence)
		v.AddConfigPath(".")                 // Current directory
		v.AddConfigPath("$HOME/.chat-stack") // User home directory
		v.AddConfigPath("/etc/chat-stack")   // System directory

		// Attempt to read config, ignore if not found
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Config file not found - use defaults
		}
	}

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
