// Package config loads hub configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of a hub instance. Defaults are chosen so a
// single instance runs against a local NATS server with no further setup.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	NATSURL  string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	NATSUser string `envconfig:"NATS_USER" default:""`
	NATSPass string `envconfig:"NATS_PASS" default:""`

	// JWKSURL is the JSON Web Key Set endpoint of the session/auth provider.
	// Empty disables remote verification (connections are rejected unless a
	// custom resolver is wired in).
	JWKSURL   string `envconfig:"JWKS_URL" default:""`
	JWTIssuer string `envconfig:"JWT_ISSUER" default:""`

	// PresenceTTL bounds how stale a presence record may be before the
	// sweeper evicts it. ConnTTL is the per-connection liveness key TTL,
	// re-armed by websocket pongs.
	PresenceTTL time.Duration `envconfig:"PRESENCE_TTL" default:"5m"`
	ConnTTL     time.Duration `envconfig:"CONN_TTL" default:"45s"`

	TypingTTL     time.Duration `envconfig:"TYPING_TTL" default:"3s"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`

	SendBufferSize int   `envconfig:"SEND_BUFFER_SIZE" default:"256"`
	MaxMessageSize int64 `envconfig:"MAX_MESSAGE_SIZE" default:"4096"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// InstanceID identifies this process in shared-store keys and bridge
	// envelopes. Generated when not set explicitly.
	InstanceID string `envconfig:"INSTANCE_ID" default:""`
}

// Load reads configuration from the environment and fills derived fields.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("HUB", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "hub"
		}
		// Shared-store keys use "." as a separator, so a FQDN hostname
		// must not leak dots into the instance id.
		host = strings.ReplaceAll(host, ".", "-")
		cfg.InstanceID = host + "-" + uuid.NewString()[:8]
	}
	if strings.Contains(cfg.InstanceID, ".") {
		return Config{}, fmt.Errorf("load config: INSTANCE_ID must not contain dots")
	}
	if cfg.ConnTTL <= 0 || cfg.PresenceTTL <= 0 || cfg.TypingTTL <= 0 || cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("load config: TTLs and intervals must be positive")
	}
	return cfg, nil
}
