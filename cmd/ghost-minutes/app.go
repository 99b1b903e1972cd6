package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sjawhar/ghost-minutes/internal/capture"
	"github.com/sjawhar/ghost-minutes/internal/config"
	"github.com/sjawhar/ghost-minutes/internal/gdrive"
	"github.com/sjawhar/ghost-minutes/internal/llm"
	"github.com/sjawhar/ghost-minutes/internal/retrieval"
	"github.com/sjawhar/ghost-minutes/internal/server"
	"github.com/sjawhar/ghost-minutes/internal/session"
	"github.com/sjawhar/ghost-minutes/internal/storage"
	"github.com/sjawhar/ghost-minutes/internal/summary"
	"github.com/sjawhar/ghost-minutes/internal/transcribe"
	"github.com/sjawhar/ghost-minutes/internal/worker"
)

// app holds every long-lived component built from the config.
type app struct {
	cfg        config.Config
	warnings   []string
	store      *storage.SQLiteStore
	ffmpeg     *capture.FFmpeg
	hub        *server.Hub
	summarizer *summary.Summarizer
	manager    *session.Manager
	engine     *retrieval.Engine
	// worker is nil when no transcription key is configured.
	worker *worker.Worker
}

func loadConfig() (config.Config, []string, error) {
	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	setupLogging(cfg.LogLevel)
	for _, w := range warnings {
		slog.Warn("config", "warning", w)
	}
	return cfg, warnings, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func newApp(ctx context.Context) (*app, error) {
	cfg, warnings, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.SessionsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("storage init failed: %w", err)
	}

	a := &app{
		cfg:      cfg,
		warnings: warnings,
		store:    store,
		ffmpeg:   capture.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath),
		hub:      server.NewHub(),
	}

	a.summarizer = summary.New(cfg.Summarization, a.llmClient, store)
	a.manager = session.NewManager(store, a.ffmpeg, a.ffmpeg, session.Options{
		SessionsDir:   cfg.SessionsDir(),
		ChunkSeconds:  cfg.ChunkSeconds,
		StopTimeout:   cfg.ParsedStopTimeout(),
		MasterFormat:  cfg.MasterFormat,
		AutoSummary:   cfg.AutoSummary,
		LLMConfigured: func() bool { return cfg.HasLLMKey(cfg.Summarization.Model) },
	})
	a.manager.SetSummarizer(a.summarizer)
	a.manager.SetBroadcaster(a.hub)
	a.manager.AddArchiver(storage.NewWriter(cfg.TranscriptDir))

	if cfg.GDriveFolderID != "" {
		syncer, err := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			slog.Warn("gdrive sync disabled", "error", err)
			a.warnings = append(a.warnings, fmt.Sprintf("Google Drive sync disabled: %v", err))
		} else {
			a.manager.AddArchiver(syncer)
		}
	}

	if cfg.DeepgramAPIKey != "" {
		a.worker = worker.New(store, transcribe.NewDeepgram(cfg.DeepgramAPIKey, cfg.DeepgramModel, cfg.DeepgramLanguage), worker.Options{
			EnhanceProfile: cfg.Enhancement,
		})
		a.worker.SetEnhancer(a.ffmpeg)
		a.worker.SetBroadcaster(a.hub)
		a.manager.SetWaker(a.worker)
	}

	var chat llm.Client
	if provider, model, err := llm.ParseModel(cfg.ChatModel); err != nil {
		slog.Warn("chat model invalid, answering from local evidence", "model", cfg.ChatModel, "error", err)
	} else if client, err := a.llmClient(provider, model); err != nil {
		slog.Warn("chat llm unavailable, answering from local evidence", "model", cfg.ChatModel, "error", err)
	} else {
		chat = client
	}
	a.engine = retrieval.NewEngine(store, chat, cfg.ChatModel)

	return a, nil
}

// llmClient builds a client for provider using the configured key.
func (a *app) llmClient(provider, model string) (llm.Client, error) {
	key := a.cfg.APIKeyFor(provider)
	if key == "" {
		return nil, fmt.Errorf("no API key configured for %s", provider)
	}
	return llm.NewClient(provider, key, model)
}

func (a *app) Close() {
	a.manager.Close()
	if err := a.store.Close(); err != nil {
		slog.Warn("close store", "error", err)
	}
}
