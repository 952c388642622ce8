package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Set required environment variables
	os.Setenv("UPSTREAM_API_KEY", "test-upstream-key")
	defer os.Unsetenv("UPSTREAM_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.UpstreamAPIKey != "test-upstream-key" {
		t.Errorf("Expected UpstreamAPIKey 'test-upstream-key', got '%s'", cfg.UpstreamAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("UPSTREAM_API_KEY")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("UPSTREAM_API_KEY", "test-upstream-key")
	defer os.Unsetenv("UPSTREAM_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.RelayPath != "/transcribe" {
		t.Errorf("Expected default RelayPath '/transcribe', got '%s'", cfg.RelayPath)
	}

	if cfg.UpstreamFlavor != FlavorEphemeral {
		t.Errorf("Expected default UpstreamFlavor '%s', got '%s'", FlavorEphemeral, cfg.UpstreamFlavor)
	}

	if cfg.TokenURL != "https://api.openai.com/v1/realtime/client_secrets" {
		t.Errorf("Unexpected default TokenURL '%s'", cfg.TokenURL)
	}

	if cfg.TranscriptionModel != "gpt-4o-mini-transcribe" {
		t.Errorf("Expected default TranscriptionModel 'gpt-4o-mini-transcribe', got '%s'", cfg.TranscriptionModel)
	}

	if cfg.PendingAudioCapacity != 50 {
		t.Errorf("Expected default PendingAudioCapacity 50, got %d", cfg.PendingAudioCapacity)
	}

	if cfg.SetupTimeoutDuration() != 15*time.Second {
		t.Errorf("Expected default setup timeout 15s, got %v", cfg.SetupTimeoutDuration())
	}

	if cfg.IdleTimeoutDuration() != 0 {
		t.Errorf("Expected idle timeout disabled by default, got %v", cfg.IdleTimeoutDuration())
	}
}

func TestLoad_FlavorNormalised(t *testing.T) {
	os.Setenv("UPSTREAM_API_KEY", "test-upstream-key")
	os.Setenv("UPSTREAM_FLAVOR", " Legacy ")
	defer os.Unsetenv("UPSTREAM_API_KEY")
	defer os.Unsetenv("UPSTREAM_FLAVOR")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.UpstreamFlavor != FlavorLegacy {
		t.Errorf("Expected flavor '%s', got '%s'", FlavorLegacy, cfg.UpstreamFlavor)
	}
}

func TestLoad_UnknownFlavor(t *testing.T) {
	os.Setenv("UPSTREAM_API_KEY", "test-upstream-key")
	os.Setenv("UPSTREAM_FLAVOR", "carrier-pigeon")
	defer os.Unsetenv("UPSTREAM_API_KEY")
	defer os.Unsetenv("UPSTREAM_FLAVOR")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unknown flavor")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{UpstreamAPIKey: "k", UpstreamFlavor: "deepgram", PendingAudioCapacity: 1, RelayPath: "/x"}, false},
		{"blank key", Config{UpstreamAPIKey: "  ", UpstreamFlavor: "ephemeral", PendingAudioCapacity: 1, RelayPath: "/x"}, true},
		{"zero capacity", Config{UpstreamAPIKey: "k", UpstreamFlavor: "ephemeral", PendingAudioCapacity: 0, RelayPath: "/x"}, true},
		{"relative path", Config{UpstreamAPIKey: "k", UpstreamFlavor: "ephemeral", PendingAudioCapacity: 1, RelayPath: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	os.Setenv("UPSTREAM_API_KEY", "test-upstream-key")
	// Clear LOG_LEVEL to ensure we get the default
	os.Unsetenv("LOG_LEVEL")
	defer os.Unsetenv("UPSTREAM_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}

	if cfg.GRPCHealthPort != "" {
		t.Errorf("Expected gRPC health disabled by default, got '%s'", cfg.GRPCHealthPort)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}
}
