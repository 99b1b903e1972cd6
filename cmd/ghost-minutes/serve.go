package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sjawhar/ghost-minutes/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recorder, transcription worker and web API",
	RunE:  runServe,
}

var (
	serveStaticDir string
	serveAddr      string
)

func init() {
	serveCmd.Flags().StringVar(&serveStaticDir, "static", "", "Directory with the web UI build to serve at /")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides listen_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if n, err := a.manager.RecoverInterrupted(); err != nil {
		slog.Warn("recover interrupted sessions", "error", err)
	} else if n > 0 {
		slog.Info("recovered interrupted sessions", "count", n)
	}

	if a.worker != nil {
		go a.worker.Run(ctx)
	}

	var static fs.FS
	if serveStaticDir != "" {
		static = os.DirFS(serveStaticDir)
	}
	handler, err := server.Handler(static, a.hub, server.Deps{
		Sessions: a.manager,
		Asker:    a.engine,
		Folders:  a.store,
		Sources:  a.ffmpeg,
		Controls: server.ControlHooks{
			Warnings: func() []string { return a.warnings },
			Presets:  a.summarizer.Presets,
		},
	})
	if err != nil {
		return err
	}

	addr := a.cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	slog.Info("ghost-minutes: web UI", "url", "http://"+addr, "version", version)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	slog.Info("ghost-minutes: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if id, ok := a.manager.ActiveSessionID(); ok {
		if _, err := a.manager.Stop(shutdownCtx, id); err != nil {
			slog.Warn("stop active session", "session_id", id, "error", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}
	return nil
}
