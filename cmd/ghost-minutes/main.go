package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ghost-minutes",
	Short: "Record meetings, transcribe them in chunks, and ask questions about them",
	Long: `ghost-minutes captures audio from one or more ffmpeg sources in fixed-length
chunks, transcribes each chunk with speaker diarization as it lands, and keeps
a searchable, summarized record of every session.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOrDefault("GHOST_MINUTES_CONFIG", "config.yaml"), "Path to the YAML config file")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
