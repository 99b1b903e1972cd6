package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all ghost-minutes environment variables.
const EnvPrefix = "GHOST_MINUTES_"

// Preset is one summarization style. UserTemplate may reference {{transcript}} and {{date}}.
type Preset struct {
	Description  string `yaml:"description"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	UserTemplate string `yaml:"user_template"`
}

type Summarization struct {
	Model   string            `yaml:"model"`
	Presets map[string]Preset `yaml:"presets"`
}

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	DataDir       string `yaml:"data_dir"`
	DBPath        string `yaml:"db_path"`
	TranscriptDir string `yaml:"transcript_dir"`
	ListenAddr    string `yaml:"listen_addr"`
	LogLevel      string `yaml:"log_level"`

	FFmpegPath    string `yaml:"ffmpeg_path"`
	FFprobePath   string `yaml:"ffprobe_path"`
	CaptureFormat string `yaml:"capture_format"`
	ChunkSeconds  int    `yaml:"chunk_seconds"`
	MasterFormat  string `yaml:"master_format"`
	StopTimeout   string `yaml:"stop_timeout"`
	Enhancement   string `yaml:"enhancement"`

	DeepgramModel    string `yaml:"deepgram_model"`
	DeepgramLanguage string `yaml:"deepgram_language"`

	ChatModel     string        `yaml:"chat_model"`
	AutoSummary   bool          `yaml:"auto_summary"`
	Summarization Summarization `yaml:"summarization"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets: env vars only, never serialized to YAML.
	DeepgramAPIKey string            `yaml:"-"`
	LLMAPIKeys     map[string]string `yaml:"-"`
}

const (
	DefaultChunkSeconds = 30
	defaultStopTimeout  = 5 * time.Second
)

func defaults() Config {
	return Config{
		DataDir:               "data",
		ListenAddr:            "127.0.0.1:8080",
		LogLevel:              "info",
		FFmpegPath:            "ffmpeg",
		FFprobePath:           "ffprobe",
		ChunkSeconds:          DefaultChunkSeconds,
		MasterFormat:          "wav",
		StopTimeout:           "5s",
		Enhancement:           "off",
		DeepgramModel:         "nova-2",
		ChatModel:             "openai/gpt-4o-mini",
		AutoSummary:           true,
		Summarization:         Summarization{Model: "openai/gpt-4o-mini", Presets: DefaultPresets()},
		GoogleCredentialsFile: "./service-account.json",
	}
}

// DefaultPresets are used when the config file defines none.
func DefaultPresets() map[string]Preset {
	return map[string]Preset{
		"default": {
			Description:  "General meeting notes: overview, decisions, action items",
			SystemPrompt: "You write concise, factual meeting notes from a diarized transcript. Never invent facts.",
			UserTemplate: "Meeting date: {{date}}\n\nWrite markdown notes with sections Overview, Decisions, Action Items and Open Questions. Start with a one-line TL;DR.\n\nTranscript:\n{{transcript}}",
		},
		"interview": {
			Description:  "Interviews and 1:1s: questions asked, answers, follow-ups",
			SystemPrompt: "You summarize interviews and one-on-one conversations from a diarized transcript. Never invent facts.",
			UserTemplate: "Date: {{date}}\n\nStart with a one-line TL;DR, then list the main questions with the answers given, then follow-ups.\n\nTranscript:\n{{transcript}}",
		},
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedStopTimeout is the grace period given to the encoder before it is killed.
func (c *Config) ParsedStopTimeout() time.Duration {
	d, err := time.ParseDuration(c.StopTimeout)
	if err != nil || d <= 0 {
		return defaultStopTimeout
	}
	return d
}

func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// APIKeyFor returns the key for an LLM provider, falling back to the generic LLM_API_KEY.
func (c *Config) APIKeyFor(provider string) string {
	if provider == "openai-responses" {
		provider = "openai"
	}
	if key := c.LLMAPIKeys[provider]; key != "" {
		return key
	}
	return c.LLMAPIKeys["llm"]
}

// HasLLMKey reports whether the provider behind model has a key configured.
func (c *Config) HasLLMKey(model string) bool {
	provider, _, ok := strings.Cut(model, "/")
	if !ok {
		return false
	}
	return c.APIKeyFor(provider) != ""
}

func applyEnvOverrides(cfg *Config) {
	strs := map[string]*string{
		"DATA_DIR":                &cfg.DataDir,
		"DB_PATH":                 &cfg.DBPath,
		"TRANSCRIPT_DIR":          &cfg.TranscriptDir,
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"LOG_LEVEL":               &cfg.LogLevel,
		"FFMPEG_PATH":             &cfg.FFmpegPath,
		"FFPROBE_PATH":            &cfg.FFprobePath,
		"CAPTURE_FORMAT":          &cfg.CaptureFormat,
		"MASTER_FORMAT":           &cfg.MasterFormat,
		"STOP_TIMEOUT":            &cfg.StopTimeout,
		"ENHANCEMENT":             &cfg.Enhancement,
		"DEEPGRAM_MODEL":          &cfg.DeepgramModel,
		"DEEPGRAM_LANGUAGE":       &cfg.DeepgramLanguage,
		"CHAT_MODEL":              &cfg.ChatModel,
		"SUMMARY_MODEL":           &cfg.Summarization.Model,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(EnvPrefix + key)); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "CHUNK_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			cfg.ChunkSeconds = secs
		}
	}
	if v := os.Getenv(EnvPrefix + "AUTO_SUMMARY"); v != "" {
		if enabled, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.AutoSummary = enabled
		}
	}
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.LLMAPIKeys = map[string]string{
		"llm":       os.Getenv(EnvPrefix + "LLM_API_KEY"),
		"openai":    os.Getenv(EnvPrefix + "OPENAI_API_KEY"),
		"anthropic": os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY"),
		"gemini":    os.Getenv(EnvPrefix + "GEMINI_API_KEY"),
	}
}

var enhancementProfiles = map[string]bool{"off": true, "speech": true, "denoise": true}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "ghost-minutes.db")
	}
	if cfg.TranscriptDir == "" {
		cfg.TranscriptDir = filepath.Join(cfg.DataDir, "transcripts")
	}

	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured: chunks will queue but not transcribe. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	if !cfg.HasLLMKey(cfg.ChatModel) {
		warnings = append(warnings, fmt.Sprintf("No API key for chat model %q: answers and summaries use the local fallback. Set %sLLM_API_KEY.", cfg.ChatModel, EnvPrefix))
	}
	if _, err := time.ParseDuration(cfg.StopTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid stop_timeout %q: using default %s.", cfg.StopTimeout, defaultStopTimeout))
	}
	if cfg.ChunkSeconds <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid chunk_seconds %d: using default %d.", cfg.ChunkSeconds, DefaultChunkSeconds))
		cfg.ChunkSeconds = DefaultChunkSeconds
	}
	if !enhancementProfiles[cfg.Enhancement] {
		warnings = append(warnings, fmt.Sprintf("Unknown enhancement profile %q: enhancement disabled.", cfg.Enhancement))
		cfg.Enhancement = "off"
	}
	switch cfg.MasterFormat {
	case "wav", "mp3":
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown master_format %q: using wav.", cfg.MasterFormat))
		cfg.MasterFormat = "wav"
	}
	if len(cfg.Summarization.Presets) == 0 {
		cfg.Summarization.Presets = DefaultPresets()
	}
	if cfg.Summarization.Model == "" {
		cfg.Summarization.Model = cfg.ChatModel
	}

	return warnings
}
