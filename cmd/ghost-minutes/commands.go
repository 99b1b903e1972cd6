package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sjawhar/ghost-minutes/internal/capture"
	"github.com/sjawhar/ghost-minutes/internal/mcptools"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Mark sessions left recording by a crash as stopped",
	RunE:  runRecover,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve sessions to MCP clients over stdio",
	RunE:  runMCP,
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List capture devices ffmpeg can record from",
	RunE:  runSources,
}

var sourcesFormat string

func init() {
	sourcesCmd.Flags().StringVar(&sourcesFormat, "format", "", "ffmpeg input format (default: capture_format or the platform default)")
	rootCmd.AddCommand(recoverCmd, mcpCmd, sourcesCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.manager.RecoverInterrupted()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recovered %d session(s)\n", n)
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	return mcptools.Serve(version, mcptools.New(a.manager, a.engine))
}

func runSources(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	format := sourcesFormat
	if format == "" {
		format = cfg.CaptureFormat
	}

	ffmpeg := capture.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath)
	sources, err := ffmpeg.ListSources(cmd.Context(), format)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FORMAT\tDEVICE\tLABEL")
	for _, s := range sources {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Format, s.Device, s.Label)
	}
	return tw.Flush()
}
