package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sjawhar/ghost-minutes/internal/llm"
)

const (
	IntentDecision     = "decision"
	IntentActionItems  = "action_items"
	IntentSummary      = "summary"
	IntentSpeakerQuote = "speaker_quote"
	IntentGeneral      = "general"
)

const (
	TimelineAny    = "any"
	TimelineStart  = "start"
	TimelineMiddle = "middle"
	TimelineRecent = "recent"
)

// Plan steers ranking. Source is "llm" or "local".
type Plan struct {
	Intent         string   `json:"intent"`
	RewrittenQuery string   `json:"rewritten_query"`
	SpeakerHints   []string `json:"speaker_hints"`
	TopicHints     []string `json:"topic_hints"`
	Timeline       string   `json:"timeline"`
	Source         string   `json:"source"`
}

// planPayload is the structured output requested from the planner model.
type planPayload struct {
	Intent         string   `json:"intent" jsonschema:"enum=decision,enum=action_items,enum=summary,enum=speaker_quote,enum=general"`
	RewrittenQuery string   `json:"rewritten_query" jsonschema:"description=The question rewritten as a short keyword search query"`
	SpeakerHints   []string `json:"speaker_hints" jsonschema:"description=Speaker names the question refers to"`
	TopicHints     []string `json:"topic_hints" jsonschema:"description=Key topics or nouns to look for"`
	Timeline       string   `json:"timeline" jsonschema:"enum=any,enum=start,enum=middle,enum=recent"`
}

var planSchema = llm.SchemaFor[planPayload]("transcript_query_plan", "Search plan for answering a question about a meeting transcript")

var validIntents = map[string]bool{
	IntentDecision: true, IntentActionItems: true, IntentSummary: true, IntentSpeakerQuote: true, IntentGeneral: true,
}

var validTimelines = map[string]bool{
	TimelineAny: true, TimelineStart: true, TimelineMiddle: true, TimelineRecent: true,
}

var intentCues = []struct {
	intent  string
	pattern *regexp.Regexp
}{
	{IntentActionItems, regexp.MustCompile(`\b(action items?|todos?|to-dos?|follow[- ]?ups?|next steps?|tasks?|assigned|owners?|who will|deadlines?)\b`)},
	{IntentDecision, regexp.MustCompile(`\b(decid\w*|decisions?|agreed?|agreements?|conclu\w*|settled|chose|approved?)\b`)},
	{IntentSummary, regexp.MustCompile(`\b(summar\w*|overview|recap|tl;?dr|gist|main points|key points|highlights|what was (said|discussed)|what did (we|they|everyone) (talk|discuss)\w*)\b`)},
	{IntentSpeakerQuote, regexp.MustCompile(`\b(who said|what did \w+ say|did \w+ say|quote|mention(ed)?|according to|said about)\b`)},
}

var timelineCues = []struct {
	timeline string
	pattern  *regexp.Regexp
}{
	{TimelineRecent, regexp.MustCompile(`\b(last|latest|recent(ly)?|end(ing)?|final(ly)?|just now|towards? the end|at the end)\b`)},
	{TimelineStart, regexp.MustCompile(`\b(first|beginning|start(ed)?|opening|initially|early on|kick(ed)? ?off)\b`)},
	{TimelineMiddle, regexp.MustCompile(`\b(middle|midway|halfway)\b`)},
}

// LocalPlan classifies the question with keyword heuristics.
func LocalPlan(question string, speakers []string) Plan {
	q := strings.ToLower(strings.TrimSpace(question))
	plan := Plan{
		Intent:         IntentGeneral,
		RewrittenQuery: strings.TrimRight(q, "?.! "),
		Timeline:       TimelineAny,
		Source:         "local",
	}
	for _, cue := range intentCues {
		if cue.pattern.MatchString(q) {
			plan.Intent = cue.intent
			break
		}
	}
	for _, cue := range timelineCues {
		if cue.pattern.MatchString(q) {
			plan.Timeline = cue.timeline
			break
		}
	}
	plan.SpeakerHints = speakerHints(q, speakers)
	if len(plan.SpeakerHints) > 0 && plan.Intent == IntentGeneral && strings.Contains(q, "say") {
		plan.Intent = IntentSpeakerQuote
	}
	plan.TopicHints = topicHints(q, plan.SpeakerHints)
	return plan
}

// speakerHints returns the known speakers whose name, or any name token,
// appears in the question.
func speakerHints(q string, speakers []string) []string {
	var hints []string
	words := make(map[string]bool)
	for _, tok := range tokenize(q) {
		words[tok] = true
	}
	for _, sp := range speakers {
		name := strings.ToLower(sp)
		if strings.Contains(q, name) {
			hints = append(hints, sp)
			continue
		}
		for _, tok := range tokenize(name) {
			if words[tok] && tok != "speaker" {
				hints = append(hints, sp)
				break
			}
		}
	}
	return hints
}

func topicHints(q string, speakers []string) []string {
	skip := make(map[string]bool)
	for _, sp := range speakers {
		for _, tok := range tokenize(sp) {
			skip[tok] = true
		}
	}
	var hints []string
	for _, tok := range tokenize(q) {
		if len(tok) < 4 || skip[tok] || planningWords[tok] {
			continue
		}
		hints = append(hints, tok)
	}
	return hints
}

const planTimeout = 20 * time.Second

// Planner asks the model for a query plan and falls back to LocalPlan.
type Planner struct {
	client  llm.Client
	timeout time.Duration
}

func NewPlanner(client llm.Client) *Planner {
	return &Planner{client: client, timeout: planTimeout}
}

func (p *Planner) Plan(ctx context.Context, question string, speakers []string) Plan {
	local := LocalPlan(question, speakers)
	if p == nil || p.client == nil {
		return local
	}

	prompt := fmt.Sprintf(`Plan a transcript search for this question.

Question: %s
Known speakers: %s

intent: decision, action_items, summary, speaker_quote or general.
timeline: any, start, middle or recent, only when the question names a part of the meeting.`, question, strings.Join(speakers, ", "))

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	raw, err := p.client.CompleteJSON(callCtx, []llm.Message{
		{Role: "system", Content: "You turn questions about a meeting transcript into search plans."},
		{Role: "user", Content: prompt},
	}, planSchema)
	if err != nil {
		slog.Warn("planner: using local plan", "reason", "llm call failed", "error", err)
		return local
	}

	var payload planPayload
	if err := llm.DecodeJSON(raw, &payload); err != nil {
		slog.Warn("planner: using local plan", "reason", "invalid payload", "error", err)
		return local
	}
	if !validIntents[payload.Intent] || !validTimelines[payload.Timeline] {
		slog.Warn("planner: using local plan", "reason", "unknown intent or timeline", "intent", payload.Intent, "timeline", payload.Timeline)
		return local
	}

	plan := Plan{
		Intent:         payload.Intent,
		RewrittenQuery: strings.ToLower(strings.TrimSpace(payload.RewrittenQuery)),
		SpeakerHints:   mergeHints(local.SpeakerHints, payload.SpeakerHints),
		TopicHints:     mergeHints(local.TopicHints, lowerAll(payload.TopicHints)),
		Timeline:       payload.Timeline,
		Source:         "llm",
	}
	if plan.RewrittenQuery == "" {
		plan.RewrittenQuery = local.RewrittenQuery
	}
	// Explicit lexical cues beat the model's guess.
	if local.Timeline != TimelineAny {
		plan.Timeline = local.Timeline
	}
	return plan
}

func mergeHints(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range append(append([]string(nil), a...), b...) {
		h = strings.TrimSpace(h)
		key := strings.ToLower(h)
		if h == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
