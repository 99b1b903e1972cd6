package retrieval

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sjawhar/ghost-minutes/internal/storage"
)

// Line is one parsed transcript line with a stable synthetic id.
type Line struct {
	ID         string  `json:"id"`
	ChunkIndex int     `json:"chunk_index"`
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
}

// Haystack is the lower-cased "speaker: text" form used for matching.
func (l Line) Haystack() string {
	if l.Speaker == "" {
		return strings.ToLower(l.Text)
	}
	return strings.ToLower(l.Speaker + ": " + l.Text)
}

func (l Line) Citation() storage.Citation {
	return storage.Citation{
		LineID:     l.ID,
		ChunkIndex: l.ChunkIndex,
		StartSec:   l.StartSec,
		EndSec:     l.EndSec,
		Speaker:    l.Speaker,
		Text:       l.Text,
	}
}

type aliasPayload struct {
	SpeakerID *int   `json:"speaker_id"`
	Alias     string `json:"alias"`
}

// AliasMap replays speaker_alias events in order. The latest event per
// speaker wins and an empty alias clears it.
func AliasMap(events []storage.Event) map[int]string {
	aliases := make(map[int]string)
	for _, ev := range events {
		if ev.Type != storage.EventSpeakerAlias || len(ev.Payload) == 0 {
			continue
		}
		var p aliasPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.SpeakerID == nil {
			continue
		}
		if alias := strings.TrimSpace(p.Alias); alias != "" {
			aliases[*p.SpeakerID] = alias
		} else {
			delete(aliases, *p.SpeakerID)
		}
	}
	return aliases
}

var speakerPrefix = regexp.MustCompile(`(?m)^(\[[^\]]*\]\s*)?Speaker (\d+):`)

// ApplyAliases rewrites "Speaker N:" prefixes using aliases.
func ApplyAliases(text string, aliases map[int]string) string {
	if len(aliases) == 0 {
		return text
	}
	return speakerPrefix.ReplaceAllStringFunc(text, func(match string) string {
		m := speakerPrefix.FindStringSubmatch(match)
		id, err := strconv.Atoi(m[2])
		if err != nil {
			return match
		}
		alias, ok := aliases[id]
		if !ok {
			return match
		}
		return m[1] + alias + ":"
	})
}

// TranscriptText joins the aliased text of every done chunk.
func TranscriptText(chunks []storage.Chunk, aliases map[int]string) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		text := strings.TrimSpace(c.TextOrEmpty())
		if c.Status != storage.ChunkDone || text == "" {
			continue
		}
		parts = append(parts, ApplyAliases(text, aliases))
	}
	return strings.Join(parts, "\n")
}

var linePattern = regexp.MustCompile(`^\[(\d+(?:\.\d+)?)-(\d+(?:\.\d+)?)\]\s*([^:]{1,80}):\s*(.*)$`)

// ParseLines splits done chunks into lines. Lines without a timestamp
// prefix inherit the chunk's timing and have no speaker.
func ParseLines(chunks []storage.Chunk, aliases map[int]string) []Line {
	var lines []Line
	for _, c := range chunks {
		text := strings.TrimSpace(c.TextOrEmpty())
		if c.Status != storage.ChunkDone || text == "" {
			continue
		}
		n := 0
		for _, raw := range strings.Split(ApplyAliases(text, aliases), "\n") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			n++
			line := Line{
				ID:         fmt.Sprintf("c%d-l%d", c.Index, n),
				ChunkIndex: c.Index,
				StartSec:   c.StartSec,
				EndSec:     c.EndSec,
				Text:       raw,
			}
			if m := linePattern.FindStringSubmatch(raw); m != nil {
				line.StartSec, _ = strconv.ParseFloat(m[1], 64)
				line.EndSec, _ = strconv.ParseFloat(m[2], 64)
				line.Speaker = strings.TrimSpace(m[3])
				line.Text = strings.TrimSpace(m[4])
			}
			lines = append(lines, line)
		}
	}
	return lines
}

// Speakers returns the distinct speaker names in order of first appearance.
func Speakers(lines []Line) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lines {
		if l.Speaker == "" || seen[l.Speaker] {
			continue
		}
		seen[l.Speaker] = true
		out = append(out, l.Speaker)
	}
	return out
}

func formatClock(sec float64) string {
	total := int(sec)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// render formats lines for a prompt, one per row, prefixed by line id.
func render(lines []Line) string {
	var b strings.Builder
	for _, l := range lines {
		speaker := l.Speaker
		if speaker == "" {
			speaker = "Unknown"
		}
		fmt.Fprintf(&b, "[%s] (%s) %s: %s\n", l.ID, formatClock(l.StartSec), speaker, l.Text)
	}
	return b.String()
}
