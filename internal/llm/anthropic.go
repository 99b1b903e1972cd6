package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 8192

type anthropicClient struct {
	client anthropic.Client
	model  string
}

func newAnthropicClient(apiKey, model string, opts *clientOptions) (*anthropicClient, error) {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if opts.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.baseURL))
	}
	return &anthropicClient{client: anthropic.NewClient(clientOpts...), model: model}, nil
}

func (c *anthropicClient) Complete(ctx context.Context, messages []Message) (string, error) {
	return c.send(ctx, messages, "")
}

// CompleteJSON puts the schema instruction into the system prompt and
// prefills the assistant turn with "{" so the reply starts as an object.
func (c *anthropicClient) CompleteJSON(ctx context.Context, messages []Message, schema *Schema) (string, error) {
	out, err := c.send(ctx, withJSONInstruction(messages, schema), "{")
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(out, "{") {
		out = "{" + out
	}
	return out, nil
}

func (c *anthropicClient) send(ctx context.Context, messages []Message, prefill string) (string, error) {
	system, turns := anthropicTurns(messages)
	if prefill != "" {
		turns = append(turns, Message{Role: "assistant", Content: prefill})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: anthropicMaxTokens,
		System:    system,
	}
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var b strings.Builder
	for i := range resp.Content {
		if block := &resp.Content[i]; block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	result := strings.TrimSpace(b.String())
	if result == "" {
		return "", fmt.Errorf("anthropic: empty response content")
	}
	return result, nil
}

// anthropicTurns lifts system messages into the top-level system field and
// merges consecutive turns of the same role, which the Messages API rejects.
func anthropicTurns(messages []Message) ([]anthropic.TextBlockParam, []Message) {
	var system []anthropic.TextBlockParam
	var turns []Message
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "user", "assistant":
			if n := len(turns); n > 0 && turns[n-1].Role == m.Role {
				turns[n-1].Content += "\n\n" + m.Content
				continue
			}
			turns = append(turns, m)
		}
	}
	return system, turns
}
