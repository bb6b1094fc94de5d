// Package config loads service configuration from the environment.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime configuration for the orchestrator service.
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// DATABASE_URL selects PostgreSQL; when empty the service falls back to
	// a local SQLite file at SQLitePath.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"buildloft.db"`

	// Root directory under which per-project workspaces are created.
	WorkspaceRoot string `envconfig:"WORKSPACE_ROOT" default:"./workspaces"`

	// External code-generation agent CLI.
	AgentBinary string `envconfig:"AGENT_BINARY" default:"claude"`
	AgentModel  string `envconfig:"AGENT_MODEL" default:"sonnet"`

	// Deploy provider CLIs and credentials.
	VercelToken  string `envconfig:"VERCEL_TOKEN"`
	NetlifyToken string `envconfig:"NETLIFY_AUTH_TOKEN"`
	RenderToken  string `envconfig:"RENDER_TOKEN"`

	// First port probed when assigning a local dev server port.
	LocalPortStart int `envconfig:"LOCAL_PORT_START" default:"9100"`

	// Allowed origins for the progress-stream websocket, comma separated.
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
