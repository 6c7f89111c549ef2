package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voicectl",
		Short: "voicectl - terminal client for the voice console",
		Long: `voicectl talks to a voice agent from the terminal.

It joins a room through the room bridge, prints the merged chat and
transcription timeline, and sends typed lines as chat messages. It can also
list archived sessions and probe the agent worker's health service.`,
		Version:      version,
		SilenceUsage: true,
	}

	debugLogging := cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if *debugLogging {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	}

	cmd.AddCommand(newCallCommand())
	cmd.AddCommand(newHistoryCommand())
	cmd.AddCommand(newHealthCommand())

	return cmd
}

func execute() error {
	// Same .env as the server; missing is fine.
	_ = godotenv.Load()
	return newRootCommand().Execute()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
