package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	ctx := context.Background()
	config := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		config.HTTPOptions.BaseURL = opts.baseURL
	}

	client, err := genai.NewClient(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &geminiClient{client: client, model: model}, nil
}

// geminiContents maps chat roles onto Gemini's user/model turns. Every system
// message becomes one part of the system instruction.
func geminiContents(messages []Message) (*genai.Content, []*genai.Content) {
	var systemParts []*genai.Part
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, &genai.Part{Text: m.Content})
		case "user":
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		case "assistant":
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(systemParts) == 0 {
		return nil, contents
	}
	return &genai.Content{Parts: systemParts}, contents
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	return c.generate(ctx, messages, false)
}

// CompleteJSON sets the application/json response MIME type, retrying without
// it when the model refuses structured output.
func (c *geminiClient) CompleteJSON(ctx context.Context, messages []Message, schema *Schema) (string, error) {
	out, err := c.generate(ctx, withJSONInstruction(messages, schema), true)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "mime") {
		slog.Warn("gemini rejected json response type, retrying without it", "model", c.model)
		return c.generate(ctx, withJSONInstruction(messages, schema), false)
	}
	return out, err
}

func (c *geminiClient) generate(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	systemInstruction, contents := geminiContents(messages)
	if !hasRole(contents, "user") {
		return "", fmt.Errorf("gemini: no user message provided")
	}

	config := &genai.GenerateContentConfig{SystemInstruction: systemInstruction}
	if jsonMode {
		var zero float32
		config.ResponseMIMEType = "application/json"
		config.Temperature = &zero
	}
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: empty response text")
	}
	return text, nil
}

func hasRole(contents []*genai.Content, role string) bool {
	for _, c := range contents {
		if c.Role == role {
			return true
		}
	}
	return false
}
