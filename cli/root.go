// Package cli implements the petalrun command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrun/config"
)

// NewRootCmd creates the petalrun root command with every subcommand attached.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "petalrun",
		Short: "petalrun agent run server",
		Long:  "petalrun drives agent runs with human tool approval and streams their events over SSE.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}

	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("config", "", "Path to petalrun.yaml")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("petalrun version %s\n", version))

	root.AddCommand(NewServeCmd())
	return root
}

// loadConfig resolves the config file named by --config (or discovered) and
// validates it.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := config.Load(explicit)
	if err != nil {
		return config.Config{}, "", exitError(exitConfig, "loading config: %v", err)
	}
	return cfg, path, nil
}

// newLogger builds the root logger from the log config, with --verbose and
// --quiet taking precedence over the configured level.
func newLogger(w io.Writer, cfg config.LogConfig, verbose, quiet bool) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}
