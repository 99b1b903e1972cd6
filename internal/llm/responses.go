package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// responsesClient talks to the OpenAI Responses API, which supports strict
// json_schema output.
type responsesClient struct {
	client *openai.Client
	model  string
}

func newResponsesClient(apiKey, model string, opts *clientOptions) (*responsesClient, error) {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if opts.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.baseURL))
	}
	client := openai.NewClient(clientOpts...)
	return &responsesClient{client: &client, model: model}, nil
}

func (c *responsesClient) Complete(ctx context.Context, messages []Message) (string, error) {
	return c.create(ctx, messages, nil)
}

func (c *responsesClient) CompleteJSON(ctx context.Context, messages []Message, schema *Schema) (string, error) {
	if schema == nil || len(schema.Definition) == 0 {
		return c.create(ctx, withJSONInstruction(messages, nil), nil)
	}
	out, err := c.create(ctx, messages, schema)
	if err != nil && isSchemaRejection(err) {
		slog.Warn("responses api rejected json schema, retrying as plain text", "model", c.model, "schema", schema.Name)
		return c.create(ctx, withJSONInstruction(messages, schema), nil)
	}
	return out, err
}

func (c *responsesClient) create(ctx context.Context, messages []Message, schema *Schema) (string, error) {
	var instructions []string
	items := make([]responses.ResponseInputItemUnionParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			instructions = append(instructions, m.Content)
		case "assistant":
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleAssistant))
		default:
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleUser))
		}
	}

	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if len(instructions) > 0 {
		params.Instructions = openai.String(strings.Join(instructions, "\n\n"))
	}
	if schema != nil {
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        schema.Name,
					Schema:      schema.Definition,
					Strict:      openai.Bool(true),
					Description: openai.String(schema.Description),
					Type:        "json_schema",
				},
			},
		}
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai responses: %w", err)
	}

	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return "", fmt.Errorf("openai responses: empty output")
	}
	return text, nil
}

func isSchemaRejection(err error) bool {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		return false
	}
	detail := strings.ToLower(apiErr.Param + " " + apiErr.Message)
	return strings.Contains(detail, "json_schema") || strings.Contains(detail, "text.format")
}
