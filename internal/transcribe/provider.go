// Package transcribe turns one audio file into speaker-attributed transcript lines.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider transcribes a single finished audio file.
type Provider interface {
	Transcribe(ctx context.Context, path string) (Result, error)
	Name() string
}

type Utterance struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Speaker    *int    `json:"speaker,omitempty"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type Word struct {
	Speaker        *int
	PunctuatedWord string
	Start          float64
	End            float64
	Confidence     float64
}

// Result is the provider response normalised to what the worker persists.
type Result struct {
	Transcript string
	Paragraphs string
	Utterances []Utterance
	Words      []Word
	Confidence float64
	Duration   float64
	Model      string
	RequestID  string
}

// WordCount counts words, preferring provider word timings over the plain transcript.
func (r Result) WordCount() int {
	if len(r.Words) > 0 {
		return len(r.Words)
	}
	return len(strings.Fields(r.Transcript))
}

// ProviderError carries the HTTP-like status of a failed provider call.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// StatusTimeout is reported when the call exceeded its deadline.
const StatusTimeout = 408

func newProviderError(provider string, err error) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	status := 0
	if errors.Is(err, context.DeadlineExceeded) {
		status = StatusTimeout
	}
	return &ProviderError{Provider: provider, Status: status, Message: err.Error()}
}
