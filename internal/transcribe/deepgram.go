package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	prerecorded "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const DefaultDeepgramModel = "nova-2"

var initDeepgram sync.Once

// Deepgram calls the Deepgram pre-recorded (batch) API.
type Deepgram struct {
	APIKey   string
	Model    string
	Language string
	Host     string
}

func NewDeepgram(apiKey, model, language string) *Deepgram {
	if strings.TrimSpace(model) == "" {
		model = DefaultDeepgramModel
	}
	return &Deepgram{APIKey: apiKey, Model: model, Language: language}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Transcribe(ctx context.Context, path string) (Result, error) {
	if strings.TrimSpace(d.APIKey) == "" {
		return Result{}, &ProviderError{Provider: d.Name(), Status: 401, Message: "DEEPGRAM_API_KEY is not set"}
	}

	initDeepgram.Do(func() {
		client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
	})

	cOptions := &interfaces.ClientOptions{Host: d.Host}
	dg := prerecorded.New(client.NewREST(d.APIKey, cOptions))

	tOptions := &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.Model,
		Language:    d.Language,
		Diarize:     true,
		Punctuate:   true,
		SmartFormat: true,
		Utterances:  true,
		Paragraphs:  true,
	}

	res, err := dg.FromFile(ctx, path, tOptions)
	if err != nil {
		return Result{}, deepgramError(err)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return Result{}, fmt.Errorf("encode deepgram response: %w", err)
	}
	result, err := parseDeepgramResponse(raw)
	if err != nil {
		return Result{}, err
	}
	if result.Model == "" {
		result.Model = d.Model
	}
	return result, nil
}

// deepgramResponse mirrors the subset of the pre-recorded JSON payload we use.
type deepgramResponse struct {
	Metadata struct {
		RequestID string   `json:"request_id"`
		Duration  float64  `json:"duration"`
		Models    []string `json:"models"`
		ModelInfo map[string]struct {
			Name string `json:"name"`
		} `json:"model_info"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
				Words      []struct {
					Word           string  `json:"word"`
					PunctuatedWord string  `json:"punctuated_word"`
					Start          float64 `json:"start"`
					End            float64 `json:"end"`
					Confidence     float64 `json:"confidence"`
					Speaker        *int    `json:"speaker"`
				} `json:"words"`
				Paragraphs *struct {
					Transcript string `json:"transcript"`
				} `json:"paragraphs"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Confidence float64 `json:"confidence"`
			Transcript string  `json:"transcript"`
			Speaker    *int    `json:"speaker"`
		} `json:"utterances"`
	} `json:"results"`
}

func parseDeepgramResponse(raw []byte) (Result, error) {
	var resp deepgramResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Result{}, fmt.Errorf("decode deepgram response: %w", err)
	}

	result := Result{
		RequestID: resp.Metadata.RequestID,
		Duration:  resp.Metadata.Duration,
	}
	for _, info := range resp.Metadata.ModelInfo {
		if info.Name != "" {
			result.Model = info.Name
			break
		}
	}

	if len(resp.Results.Channels) > 0 && len(resp.Results.Channels[0].Alternatives) > 0 {
		alt := resp.Results.Channels[0].Alternatives[0]
		result.Transcript = strings.TrimSpace(alt.Transcript)
		result.Confidence = alt.Confidence
		if alt.Paragraphs != nil {
			result.Paragraphs = strings.TrimSpace(alt.Paragraphs.Transcript)
		}
		for _, w := range alt.Words {
			text := w.PunctuatedWord
			if text == "" {
				text = w.Word
			}
			result.Words = append(result.Words, Word{
				Speaker:        w.Speaker,
				PunctuatedWord: text,
				Start:          w.Start,
				End:            w.End,
				Confidence:     w.Confidence,
			})
		}
	}

	for _, u := range resp.Results.Utterances {
		result.Utterances = append(result.Utterances, Utterance{
			Start:      u.Start,
			End:        u.End,
			Speaker:    u.Speaker,
			Text:       strings.TrimSpace(u.Transcript),
			Confidence: u.Confidence,
		})
	}

	return result, nil
}

var deepgramStatus = regexp.MustCompile(`(?i)\b(?:status(?:\s*code)?|http)\s*[:=]?\s*(\d{3})\b`)

func deepgramError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newProviderError("deepgram", err)
	}
	perr := &ProviderError{Provider: "deepgram", Message: err.Error()}
	if m := deepgramStatus.FindStringSubmatch(err.Error()); m != nil {
		perr.Status, _ = strconv.Atoi(m[1])
	}
	return perr
}
