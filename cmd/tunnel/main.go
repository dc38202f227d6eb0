// Command tunnel runs the envelope relay: browsers post error-tracking
// envelopes to a first-party path and the tunnel forwards them to the vendor.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"envelope-tunnel/internal/config"
	"envelope-tunnel/internal/observability/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.LookupEnv).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tunnel:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand(lookup lookupFunc) *cobra.Command {
	flags := &flagValues{}

	root := &cobra.Command{
		Use:   "tunnel",
		Short: "Relay error-tracking envelopes to the upstream vendor",
		Long: `tunnel accepts envelopes on a first-party path, checks the project id
in the envelope's DSN against an allow-list and forwards the body unchanged
to the vendor's ingestion endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := resolveSettings(cmd, flags, lookup)
			if err != nil {
				return err
			}
			logger := logging.Init(logging.Config{Level: settings.Log.Level, Format: settings.Log.Format})
			if err := run(cmd.Context(), settings, logger); err != nil {
				logger.Error("tunnel stopped", "error", err)
				return err
			}
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	bindFlags(root.PersistentFlags(), flags)

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := resolveSettings(cmd, flags, lookup)
			if err != nil {
				return err
			}
			if _, err := config.New(settings); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return printSettings(cmd.OutOrStdout(), settings)
		},
	})

	return root
}

// resolveSettings layers defaults, the optional config file, the environment
// and explicitly set flags, in that order.
func resolveSettings(cmd *cobra.Command, flags *flagValues, lookup lookupFunc) (config.Settings, error) {
	settings := config.Default()
	if path := firstNonEmpty(flags.configPath, lookupValue(lookup, "TUNNEL_CONFIG")); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return config.Settings{}, err
		}
		settings = loaded
	}
	if err := applyEnv(&settings, lookup); err != nil {
		return config.Settings{}, err
	}
	flags.applyTo(cmd.Flags(), &settings)
	return settings, nil
}

func printSettings(w io.Writer, settings config.Settings) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(settings.Redacted()); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return encoder.Close()
}
