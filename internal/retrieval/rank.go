package retrieval

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const (
	verbatimBonus   = 8.0
	tokenBonus      = 2.0
	speakerExact    = 12.0
	speakerPartial  = 6.0
	speakerMention  = 2.0
	topicBonus      = 2.0
	maxPositionBump = 4.0

	TargetLines   = 12
	FallbackLines = 6
	ContextRadius = 1
	MaxLines      = 60

	// Broad questions on long transcripts sample every region.
	broadMinLines    = 40
	broadMinPositive = 8
	broadBuckets     = 6
)

var stopwords = map[string]bool{
	"a": true, "about": true, "all": true, "also": true, "an": true, "and": true, "any": true, "are": true,
	"as": true, "at": true, "be": true, "been": true, "but": true, "by": true, "can": true, "could": true,
	"did": true, "do": true, "does": true, "for": true, "from": true, "get": true, "had": true, "has": true,
	"have": true, "he": true, "her": true, "him": true, "his": true, "how": true, "i": true, "if": true,
	"in": true, "into": true, "is": true, "it": true, "its": true, "just": true, "me": true, "my": true,
	"of": true, "on": true, "or": true, "our": true, "say": true, "said": true, "says": true, "she": true,
	"so": true, "some": true, "tell": true, "that": true, "the": true, "their": true, "them": true,
	"then": true, "there": true, "they": true, "this": true, "to": true, "up": true, "us": true, "was": true,
	"we": true, "were": true, "what": true, "when": true, "where": true, "which": true, "who": true,
	"why": true, "will": true, "with": true, "would": true, "you": true, "your": true,
}

// planningWords carry intent or timeline, not topic.
var planningWords = map[string]bool{
	"meeting": true, "call": true, "discussed": true, "discuss": true, "talk": true, "talked": true,
	"mention": true, "mentioned": true, "last": true, "first": true, "beginning": true, "start": true,
	"middle": true, "recent": true, "recently": true, "end": true, "summary": true, "summarize": true,
	"overview": true, "recap": true, "decide": true, "decided": true, "decision": true, "decisions": true,
	"action": true, "items": true, "next": true, "steps": true, "speaker": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len(f) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// contentScore is the position-independent part of a line's score.
func contentScore(l Line, plan Plan, tokens []string) float64 {
	hay := l.Haystack()
	var score float64

	if q := strings.TrimSpace(plan.RewrittenQuery); q != "" && strings.Contains(hay, q) {
		score += verbatimBonus
	}
	for _, tok := range tokens {
		if containsWord(hay, tok) {
			score += tokenBonus
		}
	}

	var speakerBest float64
	speaker := strings.ToLower(l.Speaker)
	for _, hint := range plan.SpeakerHints {
		h := strings.ToLower(strings.TrimSpace(hint))
		if h == "" {
			continue
		}
		switch {
		case speaker == h:
			speakerBest = math.Max(speakerBest, speakerExact)
		case speaker != "" && (strings.Contains(speaker, h) || strings.Contains(h, speaker)):
			speakerBest = math.Max(speakerBest, speakerPartial)
		case containsWord(strings.ToLower(l.Text), h):
			speakerBest = math.Max(speakerBest, speakerMention)
		}
	}
	score += speakerBest

	for _, topic := range plan.TopicHints {
		if t := strings.ToLower(strings.TrimSpace(topic)); t != "" && strings.Contains(hay, t) {
			score += topicBonus
		}
	}
	return score
}

// positionBonus weights a line by where it sits in the transcript.
func positionBonus(i, n int, timeline string) float64 {
	if n <= 1 {
		return 0
	}
	pos := float64(i) / float64(n-1)
	switch timeline {
	case TimelineRecent:
		return maxPositionBump * pos
	case TimelineStart:
		return maxPositionBump * (1 - pos)
	case TimelineMiddle:
		return maxPositionBump * (1 - math.Abs(pos-0.5)*2)
	default:
		return 0
	}
}

// containsWord reports whether word occurs in hay on word boundaries.
func containsWord(hay, word string) bool {
	idx := 0
	for {
		j := strings.Index(hay[idx:], word)
		if j < 0 {
			return false
		}
		start := idx + j
		end := start + len(word)
		if boundary(hay, start-1) && boundary(hay, end) {
			return true
		}
		idx = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := rune(s[i])
	return !unicode.IsLetter(c) && !unicode.IsDigit(c)
}

type scored struct {
	idx   int
	score float64
}

// Selection is the bounded context handed to the answer model.
type Selection struct {
	Lines       []Line
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Candidates  int     `json:"candidates"`
	Positive    int     `json:"positive"`
	Selected    int     `json:"selected"`
	WithContext int     `json:"with_context"`
	Strategy    string  `json:"strategy"`
	TopScore    float64 `json:"top_score"`
	Timeline    string  `json:"timeline"`
	Intent      string  `json:"intent"`
}

var broadQuestion = regexp.MustCompile(`\b(what (was|were|got) (said|discussed|covered|talked about)|what did (we|they|everyone|people) (say|discuss|talk about|cover)|what happened|overview|summar\w*|recap|main points|key points|highlights|gist)\b`)

// IsBroad reports whether the question asks generically what was said.
func IsBroad(question string, plan Plan) bool {
	return plan.Intent == IntentSummary || broadQuestion.MatchString(strings.ToLower(question))
}

// Select scores every line and returns a windowed context in transcript order.
func Select(lines []Line, plan Plan, question string) Selection {
	diag := Diagnostics{Candidates: len(lines), Timeline: plan.Timeline, Intent: plan.Intent}
	if len(lines) == 0 {
		diag.Strategy = "empty"
		return Selection{Diagnostics: diag}
	}

	tokens := tokenize(plan.RewrittenQuery)
	if len(tokens) == 0 {
		tokens = tokenize(question)
	}

	ranked := make([]scored, len(lines))
	positive := 0
	for i, l := range lines {
		s := contentScore(l, plan, tokens) + positionBonus(i, len(lines), plan.Timeline)
		ranked[i] = scored{idx: i, score: s}
		if s > 0 {
			positive++
		}
	}
	diag.Positive = positive

	byScore := append([]scored(nil), ranked...)
	sort.SliceStable(byScore, func(a, b int) bool { return byScore[a].score > byScore[b].score })
	diag.TopScore = byScore[0].score

	var picked []int
	switch {
	case positive == 0:
		diag.Strategy = "recent_fallback"
		for i := max(0, len(lines)-FallbackLines); i < len(lines); i++ {
			picked = append(picked, i)
		}
	case IsBroad(question, plan) && len(lines) >= broadMinLines && positive >= broadMinPositive:
		diag.Strategy = "broad_sample"
		picked = sampleBuckets(ranked, byScore, len(lines))
	default:
		diag.Strategy = "ranked"
		for _, s := range byScore {
			if s.score <= 0 || len(picked) == TargetLines {
				break
			}
			picked = append(picked, s.idx)
		}
	}
	diag.Selected = len(picked)

	window := picked
	if diag.Strategy != "recent_fallback" {
		window = expand(picked, len(lines))
	}
	out := make([]Line, 0, len(window))
	for _, i := range window {
		out = append(out, lines[i])
	}
	diag.WithContext = len(out)
	return Selection{Lines: out, Diagnostics: diag}
}

// sampleBuckets takes the best positive line from each region of the
// transcript, then fills the remaining slots by score.
func sampleBuckets(ranked, byScore []scored, n int) []int {
	chosen := make(map[int]bool)
	var picked []int
	perBucket := TargetLines / broadBuckets
	for b := 0; b < broadBuckets; b++ {
		lo := b * n / broadBuckets
		hi := (b + 1) * n / broadBuckets
		bucket := append([]scored(nil), ranked[lo:hi]...)
		sort.SliceStable(bucket, func(i, j int) bool { return bucket[i].score > bucket[j].score })
		for k := 0; k < perBucket && k < len(bucket) && bucket[k].score > 0; k++ {
			chosen[bucket[k].idx] = true
			picked = append(picked, bucket[k].idx)
		}
	}
	for _, s := range byScore {
		if len(picked) >= TargetLines || s.score <= 0 {
			break
		}
		if !chosen[s.idx] {
			chosen[s.idx] = true
			picked = append(picked, s.idx)
		}
	}
	return picked
}

// expand adds ContextRadius neighbours to each pick and returns the sorted
// union, capped at MaxLines.
func expand(picked []int, n int) []int {
	set := make(map[int]bool)
	for _, i := range picked {
		for j := i - ContextRadius; j <= i+ContextRadius; j++ {
			if j >= 0 && j < n {
				set[j] = true
			}
		}
	}
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	if len(out) > MaxLines {
		out = capWindow(out, picked)
	}
	return out
}

// capWindow keeps the picks in score order plus as much context as fits.
func capWindow(window, picked []int) []int {
	keep := make(map[int]bool)
	for _, i := range picked {
		if len(keep) == MaxLines {
			break
		}
		keep[i] = true
	}
	for _, i := range window {
		if len(keep) == MaxLines {
			break
		}
		keep[i] = true
	}
	out := make([]int, 0, len(keep))
	for i := range keep {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Evidence scores lines by keyword and speaker overlap alone and returns the
// best positive ones in transcript order.
func Evidence(lines []Line, plan Plan, question string, limit int) []Line {
	tokens := tokenize(question)
	if extra := tokenize(plan.RewrittenQuery); len(extra) > 0 {
		tokens = mergeHints(tokens, extra)
	}
	var hits []scored
	for i, l := range lines {
		if s := contentScore(l, plan, tokens); s > 0 {
			hits = append(hits, scored{idx: i, score: s})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].idx < hits[b].idx })
	out := make([]Line, 0, len(hits))
	for _, h := range hits {
		out = append(out, lines[h.idx])
	}
	return out
}
