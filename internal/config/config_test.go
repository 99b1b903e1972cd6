package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATA_DIR", "DB_PATH", "TRANSCRIPT_DIR", "LISTEN_ADDR", "LOG_LEVEL",
		"FFMPEG_PATH", "FFPROBE_PATH", "CAPTURE_FORMAT", "CHUNK_SECONDS", "MASTER_FORMAT",
		"STOP_TIMEOUT", "ENHANCEMENT", "DEEPGRAM_MODEL", "DEEPGRAM_LANGUAGE",
		"CHAT_MODEL", "SUMMARY_MODEL", "AUTO_SUMMARY", "GDRIVE_FOLDER_ID", "GOOGLE_CREDENTIALS_FILE",
		"DEEPGRAM_API_KEY", "LLM_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY",
	} {
		t.Setenv(EnvPrefix+key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != filepath.Join("data", "ghost-minutes.db") {
		t.Fatalf("expected db_path derived from data_dir, got %q", cfg.DBPath)
	}
	if cfg.TranscriptDir != filepath.Join("data", "transcripts") {
		t.Fatalf("expected transcript_dir derived from data_dir, got %q", cfg.TranscriptDir)
	}
	if cfg.SessionsDir() != filepath.Join("data", "sessions") {
		t.Fatalf("unexpected sessions dir %q", cfg.SessionsDir())
	}
	if cfg.ChunkSeconds != DefaultChunkSeconds {
		t.Fatalf("expected default chunk_seconds, got %d", cfg.ChunkSeconds)
	}
	if cfg.ChatModel != "openai/gpt-4o-mini" {
		t.Fatalf("expected default chat model, got %q", cfg.ChatModel)
	}
	if !cfg.AutoSummary {
		t.Fatal("expected auto summary enabled by default")
	}
	if _, ok := cfg.Summarization.Presets["default"]; !ok {
		t.Fatalf("expected default preset, got %v", cfg.Summarization.Presets)
	}
}

func TestYAMLLoading(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
data_dir: /srv/minutes
listen_addr: 0.0.0.0:9000
chunk_seconds: 15
master_format: mp3
enhancement: denoise
chat_model: anthropic/claude-sonnet-4-5
auto_summary: false
summarization:
  model: gemini/gemini-2.0-flash
  presets:
    standup:
      description: daily standup
      system_prompt: be brief
      user_template: "{{transcript}}"
gdrive_folder_id: my-folder
`)

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != "/srv/minutes" || cfg.DBPath != "/srv/minutes/ghost-minutes.db" {
		t.Fatalf("unexpected data paths %q %q", cfg.DataDir, cfg.DBPath)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" || cfg.ChunkSeconds != 15 {
		t.Fatalf("unexpected listen/chunk %q %d", cfg.ListenAddr, cfg.ChunkSeconds)
	}
	if cfg.MasterFormat != "mp3" || cfg.Enhancement != "denoise" {
		t.Fatalf("unexpected master/enhancement %q %q", cfg.MasterFormat, cfg.Enhancement)
	}
	if cfg.AutoSummary {
		t.Fatal("expected auto summary disabled from yaml")
	}
	if cfg.Summarization.Model != "gemini/gemini-2.0-flash" {
		t.Fatalf("unexpected summarization model %q", cfg.Summarization.Model)
	}
	if len(cfg.Summarization.Presets) != 1 || cfg.Summarization.Presets["standup"].SystemPrompt != "be brief" {
		t.Fatalf("expected yaml presets to replace defaults, got %v", cfg.Summarization.Presets)
	}
	if cfg.GDriveFolderID != "my-folder" {
		t.Fatalf("unexpected gdrive folder %q", cfg.GDriveFolderID)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
db_path: /from/yaml
chat_model: openai/gpt-yaml
chunk_seconds: 20
`)

	clearEnv(t)
	t.Setenv(EnvPrefix+"DB_PATH", "/from/env")
	t.Setenv(EnvPrefix+"CHAT_MODEL", "openai/gpt-env")
	t.Setenv(EnvPrefix+"CHUNK_SECONDS", "45")
	t.Setenv(EnvPrefix+"AUTO_SUMMARY", "false")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/from/env" {
		t.Fatalf("expected env override for db_path, got %q", cfg.DBPath)
	}
	if cfg.ChatModel != "openai/gpt-env" {
		t.Fatalf("expected env override for chat_model, got %q", cfg.ChatModel)
	}
	if cfg.ChunkSeconds != 45 {
		t.Fatalf("expected env override for chunk_seconds, got %d", cfg.ChunkSeconds)
	}
	if cfg.AutoSummary {
		t.Fatal("expected env override to disable auto summary")
	}
}

func TestSecretsFromEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "dg-secret")
	t.Setenv(EnvPrefix+"ANTHROPIC_API_KEY", "ant-secret")
	t.Setenv(EnvPrefix+"LLM_API_KEY", "generic")

	path := writeConfig(t, `
deepgram_api_key: should-be-ignored
openai_api_key: also-ignored
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "dg-secret" {
		t.Fatalf("expected deepgram key from env, got %q", cfg.DeepgramAPIKey)
	}
	if got := cfg.APIKeyFor("anthropic"); got != "ant-secret" {
		t.Fatalf("expected provider key, got %q", got)
	}
	if got := cfg.APIKeyFor("openai-responses"); got != "generic" {
		t.Fatalf("expected generic fallback key, got %q", got)
	}
	if !cfg.HasLLMKey("gemini/gemini-2.0-flash") {
		t.Fatal("expected generic key to cover gemini")
	}
	if cfg.HasLLMKey("not-a-model") {
		t.Fatal("expected malformed model to report no key")
	}
}

func TestValidationWarnings(t *testing.T) {
	clearEnv(t)

	_, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var deepgramWarning, llmWarning bool
	for _, w := range warnings {
		if strings.Contains(w, "Deepgram") {
			deepgramWarning = true
		}
		if strings.Contains(w, "chat model") {
			llmWarning = true
		}
	}
	if !deepgramWarning || !llmWarning {
		t.Fatalf("expected Deepgram and LLM warnings, got %v", warnings)
	}
}

func TestValidationNoWarningsWhenConfigured(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "key")
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "key")

	_, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings when fully configured, got: %v", warnings)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "key")
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "key")
	t.Setenv(EnvPrefix+"STOP_TIMEOUT", "not-a-duration")
	t.Setenv(EnvPrefix+"ENHANCEMENT", "robot-voice")
	t.Setenv(EnvPrefix+"MASTER_FORMAT", "flac")

	path := writeConfig(t, "chunk_seconds: -5\n")
	cfg, warnings, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(warnings) != 4 {
		t.Fatalf("expected 4 warnings, got %v", warnings)
	}
	if cfg.ParsedStopTimeout() != 5*time.Second {
		t.Fatalf("expected fallback stop timeout, got %v", cfg.ParsedStopTimeout())
	}
	if cfg.ChunkSeconds != DefaultChunkSeconds || cfg.Enhancement != "off" || cfg.MasterFormat != "wav" {
		t.Fatalf("expected invalid values reset, got chunk=%d enhancement=%q master=%q", cfg.ChunkSeconds, cfg.Enhancement, cfg.MasterFormat)
	}
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load should not fail for missing config file, got: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8080" {
		t.Fatalf("expected defaults when config file missing, got listen_addr=%q", cfg.ListenAddr)
	}
}

func TestInvalidConfigFileReturnsError(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, ":::invalid yaml")

	if _, _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml, got nil")
	}
}
