package summary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sjawhar/ghost-minutes/internal/config"
	"github.com/sjawhar/ghost-minutes/internal/llm"
)

// minWords is the smallest transcript worth an LLM call.
const minWords = 20

var ErrUnknownPreset = errors.New("unknown preset")

type ClientFactory func(provider, model string) (llm.Client, error)

// IdempotencyStore records which transcript hashes were already summarized.
type IdempotencyStore interface {
	ClaimSummaryRequest(sessionID, promptHash string) (bool, error)
}

type Result struct {
	Summary string
	Brief   string
	Preset  string
	Model   string
	// Local is set when the summary was built without an LLM.
	Local bool
}

// callTimeout bounds each summarization attempt.
const callTimeout = 2 * time.Minute

type Summarizer struct {
	cfg         config.Summarization
	factory     ClientFactory
	router      *Router
	store       IdempotencyStore
	sleep       func(time.Duration)
	now         func() time.Time
	callTimeout time.Duration
}

func New(cfg config.Summarization, factory ClientFactory, store IdempotencyStore) *Summarizer {
	return &Summarizer{
		cfg:         cfg,
		factory:     factory,
		router:      NewRouter(cfg, factory),
		store:       store,
		sleep:       time.Sleep,
		now:         time.Now,
		callTimeout: callTimeout,
	}
}

// Summarize picks a preset and summarizes transcript. LLM failures degrade to
// a local extractive summary; the returned error is the LLM failure, if any.
func (s *Summarizer) Summarize(ctx context.Context, sessionID, transcript string) (Result, error) {
	presetName, err := s.selectPreset(ctx, transcript)
	if err != nil {
		return Result{}, fmt.Errorf("select preset: %w", err)
	}
	return s.SummarizeWithPreset(ctx, sessionID, transcript, presetName)
}

// SummarizeOnce is Summarize guarded by the idempotency store. ok is false
// when this transcript was already claimed.
func (s *Summarizer) SummarizeOnce(ctx context.Context, sessionID, transcript string) (res Result, ok bool, err error) {
	if s.store != nil {
		hash := sha256.Sum256([]byte(transcript))
		claimed, err := s.store.ClaimSummaryRequest(sessionID, hex.EncodeToString(hash[:]))
		if err != nil {
			return Result{}, false, fmt.Errorf("claim summary request: %w", err)
		}
		if !claimed {
			return Result{}, false, nil
		}
	}
	res, err = s.Summarize(ctx, sessionID, transcript)
	return res, true, err
}

func (s *Summarizer) SummarizeWithPreset(ctx context.Context, sessionID, transcript, presetName string) (Result, error) {
	preset, ok := s.cfg.Presets[presetName]
	if !ok {
		return Result{}, fmt.Errorf("%w %q", ErrUnknownPreset, presetName)
	}

	local := Result{Summary: LocalSummary(transcript), Brief: LocalBrief(transcript), Preset: presetName, Model: "local", Local: true}
	if len(strings.Fields(transcript)) < minWords {
		return local, nil
	}

	modelStr := preset.Model
	if modelStr == "" {
		modelStr = s.cfg.Model
	}

	provider, model, err := llm.ParseModel(modelStr)
	if err != nil {
		return local, err
	}

	client, err := s.factory(provider, model)
	if err != nil {
		return local, fmt.Errorf("create llm client: %w", err)
	}

	date := s.now().UTC().Format("2006-01-02")
	userContent := strings.ReplaceAll(preset.UserTemplate, "{{transcript}}", transcript)
	userContent = strings.ReplaceAll(userContent, "{{date}}", date)

	messages := []llm.Message{
		{Role: "system", Content: preset.SystemPrompt},
		{Role: "user", Content: userContent},
	}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := range backoff {
		text, err := s.complete(ctx, client, messages)
		if err == nil {
			return Result{Summary: text, Brief: BriefFromSummary(text), Preset: presetName, Model: modelStr}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < len(backoff)-1 {
			s.sleep(backoff[attempt])
		}
	}
	slog.Warn("summary: using local fallback", "session_id", sessionID, "preset", presetName, "error", lastErr)
	return local, fmt.Errorf("summarize failed after retries: %w", lastErr)
}

func (s *Summarizer) selectPreset(ctx context.Context, transcript string) (string, error) {
	return s.router.SelectPreset(ctx, transcript)
}

func (s *Summarizer) Presets() map[string]config.Preset {
	return s.cfg.Presets
}

var linePrefix = regexp.MustCompile(`^\[[0-9.]+-[0-9.]+\]\s*(Speaker \d+:\s*)?`)

// plainLines strips timestamp and speaker prefixes from rendered transcript lines.
func plainLines(transcript string) []string {
	var out []string
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(linePrefix.ReplaceAllString(strings.TrimSpace(line), ""))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// LocalSummary picks up to five lines spread evenly across the transcript.
func LocalSummary(transcript string) string {
	lines := plainLines(transcript)
	if len(lines) == 0 {
		return ""
	}

	picks := 5
	if len(lines) < picks {
		picks = len(lines)
	}
	var b strings.Builder
	b.WriteString("## Highlights\n")
	for i := 0; i < picks; i++ {
		idx := 0
		if picks > 1 {
			idx = i * (len(lines) - 1) / (picks - 1)
		}
		fmt.Fprintf(&b, "- %s\n", lines[idx])
	}
	return strings.TrimRight(b.String(), "\n")
}

// LocalBrief is the first 25 words of the transcript text.
func LocalBrief(transcript string) string {
	words := strings.Fields(strings.Join(plainLines(transcript), " "))
	if len(words) > 25 {
		return strings.Join(words[:25], " ") + "..."
	}
	return strings.Join(words, " ")
}

// BriefFromSummary returns the TL;DR line of a generated summary, or its first
// prose line.
func BriefFromSummary(summary string) string {
	var first string
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		plain := strings.TrimLeft(line, "-*> ")
		if rest, ok := strings.CutPrefix(plain, "TL;DR"); ok {
			return truncate(strings.TrimLeft(rest, "*:- "), 280)
		}
		if first == "" {
			first = plain
		}
	}
	return truncate(first, 280)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func (s *Summarizer) complete(ctx context.Context, client llm.Client, messages []llm.Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return client.Complete(callCtx, messages)
}
