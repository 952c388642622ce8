package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Upstream flavors accepted in UPSTREAM_FLAVOR.
const (
	FlavorEphemeral = "ephemeral"
	FlavorLegacy    = "legacy"
	FlavorDeepgram  = "deepgram"
)

// Config holds all configuration for the transcription relay
type Config struct {
	// Server configuration
	Port      string `envconfig:"PORT" default:"8080"`
	RelayPath string `envconfig:"RELAY_PATH" default:"/transcribe"` // The only path that accepts client upgrades

	// Upstream transcription service
	UpstreamFlavor     string `envconfig:"UPSTREAM_FLAVOR" default:"ephemeral"` // ephemeral, legacy, deepgram
	UpstreamAPIKey     string `envconfig:"UPSTREAM_API_KEY" required:"true"`
	UpstreamURL        string `envconfig:"UPSTREAM_URL" default:""` // Optional override of the flavor's WebSocket URL
	TokenURL           string `envconfig:"UPSTREAM_TOKEN_URL" default:"https://api.openai.com/v1/realtime/client_secrets"`
	TranscriptionModel string `envconfig:"TRANSCRIPTION_MODEL" default:"gpt-4o-mini-transcribe"`

	// Legacy flavor session.update parameters
	RealtimeModel string `envconfig:"REALTIME_MODEL" default:"gpt-4o-realtime-preview"`
	Voice         string `envconfig:"REALTIME_VOICE" default:"alloy"`

	// Deepgram flavor
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Session behaviour
	PendingAudioCapacity int `envconfig:"PENDING_AUDIO_CAPACITY" default:"50"` // Chunks held before upstream is ready
	SetupTimeout         int `envconfig:"SETUP_TIMEOUT" default:"15"`          // seconds
	IdleTimeout          int `envconfig:"IDLE_TIMEOUT" default:"0"`            // seconds, 0 disables

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""`    // Serve grpc.health.v1 when set
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.UpstreamAPIKey) == "" {
		return fmt.Errorf("UPSTREAM_API_KEY is required")
	}

	c.UpstreamFlavor = strings.ToLower(strings.TrimSpace(c.UpstreamFlavor))
	switch c.UpstreamFlavor {
	case FlavorEphemeral, FlavorLegacy, FlavorDeepgram:
	default:
		return fmt.Errorf("unknown UPSTREAM_FLAVOR %q", c.UpstreamFlavor)
	}

	if c.PendingAudioCapacity <= 0 {
		return fmt.Errorf("PENDING_AUDIO_CAPACITY must be positive, got %d", c.PendingAudioCapacity)
	}
	if !strings.HasPrefix(c.RelayPath, "/") {
		return fmt.Errorf("RELAY_PATH must start with '/', got %q", c.RelayPath)
	}

	return nil
}

// SetupTimeoutDuration returns the bound on credential exchange plus upstream dial.
func (c *Config) SetupTimeoutDuration() time.Duration {
	return time.Duration(c.SetupTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle timeout, zero when disabled.
func (c *Config) IdleTimeoutDuration() time.Duration {
	if c.IdleTimeout <= 0 {
		return 0
	}
	return time.Duration(c.IdleTimeout) * time.Second
}
