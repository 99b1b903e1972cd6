package summary

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sjawhar/ghost-minutes/internal/config"
	"github.com/sjawhar/ghost-minutes/internal/llm"
)

const routeTimeout = 20 * time.Second

// Router asks the summarization model which preset fits a transcript.
type Router struct {
	cfg     config.Summarization
	factory ClientFactory
	timeout time.Duration
}

type presetChoice struct {
	Preset string `json:"preset" jsonschema:"description=Name of the chosen preset"`
}

var presetChoiceSchema = llm.SchemaFor[presetChoice]("preset_choice", "Best summarization preset for a meeting transcript")

func NewRouter(cfg config.Summarization, factory ClientFactory) *Router {
	return &Router{cfg: cfg, factory: factory, timeout: routeTimeout}
}

// SampleLines keeps the first, middle and last lines of a transcript,
// marking the omitted stretches with [...].
func SampleLines(transcript string, firstN, midN, lastN int) string {
	lines := nonEmptyLines(transcript)
	total := len(lines)
	if total <= firstN+midN+lastN {
		return strings.Join(lines, "\n")
	}

	midStart := (total - midN) / 2
	parts := []string{
		strings.Join(lines[:firstN], "\n"),
		strings.Join(lines[midStart:midStart+midN], "\n"),
		strings.Join(lines[total-lastN:], "\n"),
	}
	return strings.Join(parts, "\n[...]\n")
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// SelectPreset never fails on model trouble: any problem falls back to the
// default preset.
func (r *Router) SelectPreset(ctx context.Context, transcript string) (string, error) {
	names := r.presetNames()
	if len(names) == 0 {
		return "", fmt.Errorf("no summarization presets configured")
	}
	if len(names) == 1 {
		return names[0], nil
	}

	var presetList strings.Builder
	for _, name := range names {
		fmt.Fprintf(&presetList, "- %s: %s\n", name, r.cfg.Presets[name].Description)
	}
	prompt := fmt.Sprintf(`Pick the summarization preset that best fits this meeting.

Transcript sample:
%s

Presets:
%s
Answer with JSON {"preset": "<name>"}.`, SampleLines(transcript, 40, 20, 20), presetList.String())

	provider, model, err := llm.ParseModel(r.cfg.Model)
	if err != nil {
		slog.Warn("router: using fallback preset", "reason", "parse model failed", "error", err)
		return r.fallbackPreset(), nil
	}
	client, err := r.factory(provider, model)
	if err != nil {
		slog.Warn("router: using fallback preset", "reason", "create client failed", "error", err)
		return r.fallbackPreset(), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := client.CompleteJSON(callCtx, []llm.Message{{Role: "user", Content: prompt}}, presetChoiceSchema)
	if err != nil {
		slog.Warn("router: using fallback preset", "reason", "llm call failed", "error", err)
		return r.fallbackPreset(), nil
	}

	chosen := strings.TrimSpace(raw)
	var choice presetChoice
	if err := llm.DecodeJSON(raw, &choice); err == nil {
		chosen = strings.TrimSpace(choice.Preset)
	}
	chosen = strings.ToLower(strings.Trim(chosen, `"'`))
	if _, ok := r.cfg.Presets[chosen]; ok {
		return chosen, nil
	}

	slog.Warn("router: using fallback preset", "reason", "unknown preset chosen", "chosen", chosen)
	return r.fallbackPreset(), nil
}

func (r *Router) presetNames() []string {
	names := make([]string, 0, len(r.cfg.Presets))
	for name := range r.cfg.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fallbackPreset prefers "default", then the first name in sorted order.
func (r *Router) fallbackPreset() string {
	if _, ok := r.cfg.Presets["default"]; ok {
		return "default"
	}
	return r.presetNames()[0]
}
