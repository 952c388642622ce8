package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/transcribe-relay/internal/config"
	"github.com/lexiqai/transcribe-relay/internal/credential"
)

func newTokenCmd() *cobra.Command {
	var show bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint one ephemeral credential to check the token endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			broker := credential.NewBroker(credential.BrokerConfig{
				TokenURL: cfg.TokenURL,
				APIKey:   cfg.UpstreamAPIKey,
				Model:    cfg.TranscriptionModel,
			})

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.SetupTimeoutDuration())
			defer cancel()

			tok, err := broker.Acquire(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if tok.ExpiresAt.IsZero() {
				fmt.Fprintln(out, "token issued (no expiry reported)")
			} else {
				fmt.Fprintf(out, "token issued, expires %s\n", tok.ExpiresAt.UTC().Format(time.RFC3339))
			}
			if show {
				fmt.Fprintln(out, tok.Value)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&show, "show", false, "Print the token value")
	return cmd
}
