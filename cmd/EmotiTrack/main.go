// Command EmotiTrack runs the WhatsApp DASS-21 questionnaire service.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "emotitrack",
		Short:         "EmotiTrack: WhatsApp DASS-21 questionnaire service",
		Long:          "EmotiTrack walks participants through consent, onboarding and a weekly DASS-21 questionnaire over WhatsApp.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFlowsCmd())
	return cmd
}

// parseLogLevel maps LOG_LEVEL onto a slog level, defaulting to debug.
func parseLogLevel(value string) slog.Level {
	var level slog.Level
	if strings.TrimSpace(value) == "" {
		return slog.LevelDebug
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelDebug
	}
	return level
}

// initializeLogger sets up structured logging on stdout.
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		slog.Error("EmotiTrack failed", "error", err)
		return 1
	}
	return 0
}

func main() {
	envErr := godotenv.Load()
	initializeLogger(parseLogLevel(os.Getenv("LOG_LEVEL")))
	if envErr != nil {
		slog.Debug("failed to load .env file", "error", envErr)
	} else {
		slog.Debug("successfully loaded .env file")
	}
	os.Exit(execute(newRootCmd()))
}
