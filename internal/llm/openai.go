package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type openaiClient struct {
	client *openai.Client
	model  string
}

func newOpenAIClient(apiKey, model string, opts *clientOptions) (*openaiClient, error) {
	config := openai.DefaultConfig(apiKey)
	if opts.baseURL != "" {
		config.BaseURL = opts.baseURL
	}
	return &openaiClient{client: openai.NewClientWithConfig(config), model: model}, nil
}

func (c *openaiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	return c.create(ctx, messages, false)
}

// CompleteJSON uses json_object mode. The schema is folded into the system
// prompt because json_object mode does not take one.
func (c *openaiClient) CompleteJSON(ctx context.Context, messages []Message, schema *Schema) (string, error) {
	return c.create(ctx, withJSONInstruction(messages, schema), true)
}

func (c *openaiClient) create(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	req := openai.ChatCompletionRequest{Model: c.model, Messages: msgs}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil && jsonMode && rejectsParam(err, "response_format") {
		slog.Warn("openai rejected json mode, retrying without it", "model", c.model)
		req.ResponseFormat = nil
		resp, err = c.client.CreateChatCompletion(ctx, req)
	}
	if err != nil && rejectsParam(err, "reasoning") {
		slog.Warn("openai requires reasoning, retrying with reasoning enabled", "model", c.model)
		req.ReasoningEffort = "low"
		resp, err = c.client.CreateChatCompletion(ctx, req)
	}
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// rejectsParam reports whether err is a client error naming param.
func rejectsParam(err error, param string) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.HTTPStatusCode != http.StatusBadRequest && apiErr.HTTPStatusCode != http.StatusUnprocessableEntity {
		return false
	}
	if apiErr.Param != nil && strings.Contains(strings.ToLower(*apiErr.Param), param) {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), param)
}
