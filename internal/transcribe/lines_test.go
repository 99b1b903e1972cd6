package transcribe

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func intPtr(i int) *int { return &i }

func TestGroupWordsBySpeaker(t *testing.T) {
	words := []Word{
		{Speaker: intPtr(0), PunctuatedWord: "Hello", Start: 0.0, End: 0.5},
		{Speaker: intPtr(0), PunctuatedWord: "world.", Start: 0.5, End: 1.0},
		{Speaker: intPtr(1), PunctuatedWord: "Hi", Start: 1.2, End: 1.5},
		{Speaker: intPtr(1), PunctuatedWord: "there.", Start: 1.5, End: 2.0},
		{Speaker: intPtr(0), PunctuatedWord: "How", Start: 2.2, End: 2.5},
		{Speaker: intPtr(0), PunctuatedWord: "are", Start: 2.5, End: 2.7},
		{Speaker: intPtr(0), PunctuatedWord: "you?", Start: 2.7, End: 3.0},
	}

	utterances := GroupWordsBySpeaker(words)

	if len(utterances) != 3 {
		t.Fatalf("expected 3 utterances, got %d", len(utterances))
	}
	if *utterances[0].Speaker != 0 || utterances[0].Text != "Hello world." {
		t.Errorf("utterance 0: got speaker=%d text=%q", *utterances[0].Speaker, utterances[0].Text)
	}
	if *utterances[1].Speaker != 1 || utterances[1].Text != "Hi there." {
		t.Errorf("utterance 1: got speaker=%d text=%q", *utterances[1].Speaker, utterances[1].Text)
	}
	if utterances[2].Start != 2.2 || utterances[2].End != 3.0 {
		t.Errorf("utterance 2: got %.1f-%.1f", utterances[2].Start, utterances[2].End)
	}
}

func TestMergeUtterancesJoinsShortSameSpeakerGaps(t *testing.T) {
	in := []Utterance{
		{Speaker: intPtr(0), Start: 0.0, End: 1.0, Text: "we shipped", Confidence: 0.9},
		{Speaker: intPtr(0), Start: 1.5, End: 2.0, Text: "the release", Confidence: 0.8},
		{Speaker: intPtr(0), Start: 3.0, End: 3.5, Text: "yesterday", Confidence: 0.95},
		{Speaker: intPtr(1), Start: 3.6, End: 4.0, Text: "nice", Confidence: 0.99},
		{Speaker: intPtr(1), Start: 4.1, End: 4.2, Text: "   ", Confidence: 0.99},
	}

	got := MergeUtterances(in)
	if len(got) != 3 {
		t.Fatalf("expected 3 merged utterances, got %d: %+v", len(got), got)
	}
	if got[0].Text != "we shipped the release" || got[0].End != 2.0 {
		t.Fatalf("unexpected first merge %+v", got[0])
	}
	if got[0].Confidence != 0.8 {
		t.Fatalf("expected min confidence 0.8, got %.2f", got[0].Confidence)
	}
	if got[1].Text != "yesterday" {
		t.Fatalf("gap over threshold should not merge, got %+v", got[1])
	}
	if *got[2].Speaker != 1 {
		t.Fatalf("expected speaker change, got %+v", got[2])
	}
}

func TestMergeUtterancesNilSpeakers(t *testing.T) {
	got := MergeUtterances([]Utterance{
		{Start: 0, End: 1, Text: "a"},
		{Start: 1.2, End: 2, Text: "b"},
		{Speaker: intPtr(0), Start: 2.1, End: 3, Text: "c"},
	})
	if len(got) != 2 || got[0].Text != "a b" {
		t.Fatalf("unexpected merge %+v", got)
	}
}

func TestRenderTextFallbacks(t *testing.T) {
	cases := []struct {
		name   string
		result Result
		offset float64
		want   string
		lines  int
	}{
		{
			name: "utterances",
			result: Result{Utterances: []Utterance{
				{Speaker: intPtr(0), Start: 0.5, End: 1.25, Text: "hello"},
				{Speaker: intPtr(1), Start: 2, End: 3, Text: "hi"},
			}},
			offset: 30,
			want:   "[30.50-31.25] Speaker 0: hello\n[32.00-33.00] Speaker 1: hi",
			lines:  2,
		},
		{
			name: "words",
			result: Result{Words: []Word{
				{Speaker: intPtr(2), PunctuatedWord: "just", Start: 0, End: 0.2},
				{Speaker: intPtr(2), PunctuatedWord: "words.", Start: 0.2, End: 0.6},
			}},
			want:  "[0.00-0.60] Speaker 2: just words.",
			lines: 1,
		},
		{
			name:   "paragraphs",
			result: Result{Paragraphs: "\nSpeaker 0: para text\n", Transcript: "para text"},
			want:   "Speaker 0: para text",
		},
		{
			name:   "plain",
			result: Result{Transcript: "  plain text "},
			want:   "plain text",
		},
		{
			name: "empty",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, n := RenderText(tc.result, tc.offset)
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
			if n != tc.lines {
				t.Fatalf("got %d lines, want %d", n, tc.lines)
			}
		})
	}
}

func TestFormatLineUnknownSpeaker(t *testing.T) {
	got := FormatLine(Utterance{Start: 1, End: 2, Text: " hi "}, 0)
	if got != "[1.00-2.00] Speaker ?: hi" {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestParseDeepgramResponse(t *testing.T) {
	raw := `{
	  "metadata": {
	    "request_id": "req-123",
	    "duration": 29.98,
	    "model_info": {"abc": {"name": "2-general-nova", "version": "2024"}}
	  },
	  "results": {
	    "channels": [{
	      "alternatives": [{
	        "transcript": "we shipped the release what about the docs",
	        "confidence": 0.97,
	        "words": [
	          {"word": "we", "punctuated_word": "We", "start": 0.1, "end": 0.3, "confidence": 0.9, "speaker": 0},
	          {"word": "shipped", "start": 0.3, "end": 0.7, "confidence": 0.9, "speaker": 0}
	        ],
	        "paragraphs": {"transcript": "\nSpeaker 0: We shipped the release."}
	      }]
	    }],
	    "utterances": [
	      {"start": 0.1, "end": 1.9, "confidence": 0.95, "transcript": "We shipped the release.", "speaker": 0},
	      {"start": 2.4, "end": 3.5, "confidence": 0.91, "transcript": "What about the docs?", "speaker": 1}
	    ]
	  }
	}`

	result, err := parseDeepgramResponse([]byte(raw))
	if err != nil {
		t.Fatalf("parseDeepgramResponse failed: %v", err)
	}
	if result.RequestID != "req-123" || result.Duration != 29.98 {
		t.Fatalf("unexpected metadata %+v", result)
	}
	if result.Model != "2-general-nova" {
		t.Fatalf("expected model from model_info, got %q", result.Model)
	}
	if len(result.Utterances) != 2 || *result.Utterances[1].Speaker != 1 {
		t.Fatalf("unexpected utterances %+v", result.Utterances)
	}
	if len(result.Words) != 2 || result.Words[1].PunctuatedWord != "shipped" {
		t.Fatalf("expected word fallback to raw word, got %+v", result.Words)
	}
	if result.WordCount() != 2 {
		t.Fatalf("expected 2 words, got %d", result.WordCount())
	}
	if !strings.HasPrefix(result.Paragraphs, "Speaker 0:") {
		t.Fatalf("unexpected paragraphs %q", result.Paragraphs)
	}

	text, lines := RenderText(result, 60)
	if lines != 2 || !strings.Contains(text, "[62.40-63.50] Speaker 1: What about the docs?") {
		t.Fatalf("unexpected rendering %q", text)
	}
}

func TestDeepgramRequiresAPIKey(t *testing.T) {
	d := NewDeepgram("", "", "")
	if d.Model != DefaultDeepgramModel {
		t.Fatalf("expected default model, got %q", d.Model)
	}
	_, err := d.Transcribe(context.Background(), "seg.wav")
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Status != 401 {
		t.Fatalf("expected 401 provider error, got %v", err)
	}
}

func TestDeepgramErrorExtractsStatus(t *testing.T) {
	err := deepgramError(errors.New("request failed: Status Code: 503 service unavailable"))
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Status != 503 {
		t.Fatalf("expected status 503, got %v", err)
	}

	err = deepgramError(context.DeadlineExceeded)
	if !errors.As(err, &perr) || perr.Status != StatusTimeout {
		t.Fatalf("expected timeout status, got %v", err)
	}
}
