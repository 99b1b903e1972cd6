package transcribe

import (
	"fmt"
	"strings"
)

// MergeGap is the longest silence between two same-speaker utterances that
// still folds them into one line.
const MergeGap = 0.8

// GroupWordsBySpeaker folds consecutive same-speaker words into utterances.
// Used when a provider returns word timings without utterances.
func GroupWordsBySpeaker(words []Word) []Utterance {
	if len(words) == 0 {
		return nil
	}

	var out []Utterance
	var current Utterance
	var confSum float64
	var n int
	started := false

	flush := func() {
		if n > 0 {
			current.Confidence = confSum / float64(n)
		}
		out = append(out, current)
	}

	for _, w := range words {
		if !started || !sameSpeaker(current.Speaker, w.Speaker) {
			if started {
				flush()
			}
			current = Utterance{Speaker: w.Speaker, Text: w.PunctuatedWord, Start: w.Start, End: w.End}
			confSum, n = w.Confidence, 1
			started = true
			continue
		}
		current.Text += " " + w.PunctuatedWord
		current.End = w.End
		confSum += w.Confidence
		n++
	}

	flush()
	return out
}

// MergeUtterances joins adjacent utterances from the same speaker separated by
// at most MergeGap seconds. Empty utterances are dropped.
func MergeUtterances(utterances []Utterance) []Utterance {
	merged := make([]Utterance, 0, len(utterances))
	for _, u := range utterances {
		u.Text = strings.TrimSpace(u.Text)
		if u.Text == "" {
			continue
		}
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if sameSpeaker(last.Speaker, u.Speaker) && u.Start-last.End <= MergeGap {
				last.Text += " " + u.Text
				if u.End > last.End {
					last.End = u.End
				}
				if u.Confidence < last.Confidence {
					last.Confidence = u.Confidence
				}
				continue
			}
		}
		merged = append(merged, u)
	}
	return merged
}

// FormatLine renders one transcript line. offset shifts chunk-relative times
// onto the session timeline.
func FormatLine(u Utterance, offset float64) string {
	speaker := "Speaker ?"
	if u.Speaker != nil {
		speaker = fmt.Sprintf("Speaker %d", *u.Speaker)
	}
	return fmt.Sprintf("[%.2f-%.2f] %s: %s", u.Start+offset, u.End+offset, speaker, strings.TrimSpace(u.Text))
}

// RenderText builds the stored chunk text: merged utterance lines when
// available, else provider paragraphs, else the plain transcript.
func RenderText(r Result, offset float64) (string, int) {
	utterances := r.Utterances
	if len(utterances) == 0 {
		utterances = GroupWordsBySpeaker(r.Words)
	}

	merged := MergeUtterances(utterances)
	if len(merged) > 0 {
		lines := make([]string, 0, len(merged))
		for _, u := range merged {
			lines = append(lines, FormatLine(u, offset))
		}
		return strings.Join(lines, "\n"), len(merged)
	}

	if p := strings.TrimSpace(r.Paragraphs); p != "" {
		return p, 0
	}
	return strings.TrimSpace(r.Transcript), 0
}

func sameSpeaker(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
