package llm

import (
	"context"
	"fmt"
	"strings"
)

type Message struct {
	Role    string
	Content string
}

// Client completes chat prompts. CompleteJSON asks for a single JSON object;
// providers fall back to plain completion when structured output is rejected,
// so callers still validate the payload.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	CompleteJSON(ctx context.Context, messages []Message, schema *Schema) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL string
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return parts[0], parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	case "openai-responses":
		return newResponsesClient(apiKey, model, o)
	case "anthropic":
		return newAnthropicClient(apiKey, model, o)
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are openai, openai-responses, anthropic, gemini", provider)
	}
}

const jsonOnlyInstruction = "Respond with a single JSON object and nothing else."

// withJSONInstruction appends the JSON-only instruction to the system prompt,
// adding one when there is none.
func withJSONInstruction(messages []Message, schema *Schema) []Message {
	instruction := jsonOnlyInstruction
	if schema != nil && len(schema.Definition) > 0 {
		instruction += " It must match this JSON schema: " + schema.String()
	}

	out := make([]Message, 0, len(messages)+1)
	added := false
	for _, m := range messages {
		if m.Role == "system" && !added {
			m.Content = strings.TrimSpace(m.Content) + "\n\n" + instruction
			added = true
		}
		out = append(out, m)
	}
	if !added {
		out = append([]Message{{Role: "system", Content: instruction}}, out...)
	}
	return out
}
