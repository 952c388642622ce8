package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lexiqai/transcribe-relay/internal/config"
	"github.com/lexiqai/transcribe-relay/internal/observability"
	"github.com/lexiqai/transcribe-relay/internal/relay"
	"github.com/lexiqai/transcribe-relay/internal/resilience"
)

const (
	shutdownTimeout     = 30 * time.Second
	grpcRefreshInterval = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

// newCredentialBreaker creates the breaker guarding token issuance and
// mirrors its state into metrics.
func newCredentialBreaker(cfg *config.Config) *resilience.CircuitBreaker {
	logger := observability.GetLogger()

	breaker := resilience.NewCircuitBreaker(
		"credential",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("breaker", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	})
	breaker.OnFailure(observability.IncrementCircuitBreakerFailures)
	observability.UpdateCircuitBreakerState(breaker.Name(), int(breaker.GetState()))
	return breaker
}

// breakerCheck reports unhealthy while the breaker refuses requests.
func breakerCheck(cb *resilience.CircuitBreaker) observability.HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		if state := cb.GetState(); state == resilience.StateOpen {
			return false, fmt.Errorf("%s circuit is %s", cb.Name(), state)
		}
		return true, nil
	}
}

func newMux(cfg *config.Config, relayHandler http.Handler, checks ...observability.NamedCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	// The relay handler answers 404 for anything but its own path.
	mux.Handle("/", relayHandler)
	return mux
}

func runServer(ctx context.Context, cfg *config.Config) error {
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	breaker := newCredentialBreaker(cfg)
	adapter, source, err := relay.NewUpstream(cfg, breaker, logger)
	if err != nil {
		return err
	}
	handler := relay.NewHandler(cfg.RelayPath, adapter, source, relay.OptionsFromConfig(cfg))

	checks := []observability.NamedCheck{{Name: "credentials", Check: breakerCheck(breaker)}}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           newMux(cfg, handler, checks...),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 2)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("flavor", cfg.UpstreamFlavor).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.Port, cfg.RelayPath)).
			Bool("metrics_enabled", cfg.MetricsEnabled).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcHealth *observability.GRPCHealth
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC health: %w", err)
		}
		grpcHealth = observability.NewGRPCHealth(checks...)
		go func() {
			logger.Info().Str("port", cfg.GRPCHealthPort).Msg("gRPC health service listening")
			if err := grpcHealth.Serve(ctx, lis, grpcRefreshInterval); err != nil {
				serveErr <- fmt.Errorf("grpc health: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down server...")
	case err := <-serveErr:
		logger.Error().Err(err).Msg("Server failed")
		stop()
		shutdown(server, handler, grpcHealth)
		return err
	}

	return shutdown(server, handler, grpcHealth)
}

func shutdown(server *http.Server, handler *relay.Handler, grpcHealth *observability.GRPCHealth) error {
	logger := observability.GetLogger()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if grpcHealth != nil {
		grpcHealth.Shutdown()
	}
	// Hijacked WebSocket connections are not tracked by the HTTP server.
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	if err := handler.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Relay sessions did not finish in time")
		return err
	}

	logger.Info().Msg("Server exited gracefully")
	return nil
}
