// Package openai implements the structured generation capability via chat
// completions with a strict json_schema response format.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/aneezhealth/consult/providers"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4o

var _ providers.Generator = (*Generator)(nil)

// Generator implements providers.Generator against the OpenAI API.
type Generator struct {
	client *openai.Client
	model  string
}

// NewGenerator creates an OpenAI structured generator. An empty model
// selects DefaultModel.
func NewGenerator(client *openai.Client, model string) *Generator {
	if model == "" {
		model = DefaultModel
	}
	return &Generator{client: client, model: model}
}

// Generate submits the prompt constrained by the schema in strict mode and
// returns the raw response text.
func (g *Generator) Generate(ctx context.Context, prompt string, schema *jsonschema.Schema) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "prescription",
					Schema: convSchema(schema),
					Strict: param.NewOpt(true),
				},
			},
		},
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return "", fmt.Errorf("blocked: %s", choice.Message.Refusal)
	}
	return choice.Message.Content, nil
}

// convSchema renders the schema descriptor to the plain map form the OpenAI
// request expects. Strict mode requires additionalProperties:false on every
// object.
func convSchema(schema *jsonschema.Schema) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	disallowExtra(m)
	return m
}

func disallowExtra(m map[string]any) {
	if m["type"] == "object" {
		m["additionalProperties"] = false
	}
	if props, ok := m["properties"].(map[string]any); ok {
		for _, v := range props {
			if sub, ok := v.(map[string]any); ok {
				disallowExtra(sub)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		disallowExtra(items)
	}
}
