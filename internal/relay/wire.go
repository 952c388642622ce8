package relay

import (
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcribe-relay/internal/config"
	"github.com/lexiqai/transcribe-relay/internal/credential"
	"github.com/lexiqai/transcribe-relay/internal/observability"
	"github.com/lexiqai/transcribe-relay/internal/resilience"
	"github.com/lexiqai/transcribe-relay/internal/upstream"
)

const legacyInstructions = "Transcribe the user's speech verbatim. Do not respond."

// NewUpstream builds the adapter and credential source for the configured
// flavor. breaker guards token issuance and may be nil.
func NewUpstream(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (upstream.Adapter, credential.Source, error) {
	opts := []upstream.RealtimeOption{
		upstream.WithLogger(logger),
		upstream.WithMalformedHook(observability.RecordUpstreamMalformedFrame),
	}

	switch cfg.UpstreamFlavor {
	case config.FlavorEphemeral:
		broker := credential.NewBroker(credential.BrokerConfig{
			TokenURL: cfg.TokenURL,
			APIKey:   cfg.UpstreamAPIKey,
			Model:    cfg.TranscriptionModel,
			Breaker:  breaker,
		})
		return upstream.NewEphemeral(cfg.UpstreamURL, opts...), broker, nil

	case config.FlavorLegacy:
		wsURL := cfg.UpstreamURL
		if wsURL == "" {
			wsURL = upstream.DefaultLegacyURL + "?model=" + url.QueryEscape(cfg.RealtimeModel)
		}
		update := upstream.SessionUpdate{
			Modalities:         []string{"text"},
			Voice:              cfg.Voice,
			Instructions:       legacyInstructions,
			TranscriptionModel: cfg.TranscriptionModel,
		}
		return upstream.NewLegacy(wsURL, update, opts...), credential.NewStatic(cfg.UpstreamAPIKey), nil

	case config.FlavorDeepgram:
		adapter := upstream.NewDeepgram(upstream.DeepgramConfig{
			Model:    cfg.DeepgramModel,
			Language: cfg.DeepgramLanguage,
			Host:     cfg.UpstreamURL,
			Logger:   &logger,
		})
		return adapter, credential.NewStatic(cfg.UpstreamAPIKey), nil

	default:
		return nil, nil, fmt.Errorf("unknown upstream flavor %q", cfg.UpstreamFlavor)
	}
}

// OptionsFromConfig maps config onto per-session options.
func OptionsFromConfig(cfg *config.Config) SessionOptions {
	return SessionOptions{
		PendingCapacity: cfg.PendingAudioCapacity,
		SetupTimeout:    cfg.SetupTimeoutDuration(),
		IdleTimeout:     cfg.IdleTimeoutDuration(),
	}
}
