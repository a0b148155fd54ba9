package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/aperture/internal/config"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, os.Stderr)

	rootCmd := &cobra.Command{
		Use:   "aperture",
		Short: "Assessment extraction and pattern discovery for conversational products",
		Long: `aperture extracts confidence-scored assessments about users from conversation turns,
discovers recurring patterns across users and turns descriptions into construct configs.
Commands that print results write JSON to stdout.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// Result commands keep stdout for their JSON output.
			if cmd.Name() == "serve" {
				setupLogging(cfg.LogLevel, os.Stdout)
			}
		},
	}

	rootCmd.AddCommand(newServeCommand(cfg))
	rootCmd.AddCommand(newDiscoverCommand(cfg))
	rootCmd.AddCommand(newConstructCommand(cfg))
	rootCmd.AddCommand(newTemplatesCommand(cfg))
	rootCmd.AddCommand(newBackfillCommand(cfg))

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
