package qwen

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/lumina-ai/lumina-core/core/llms"
	"go.opentelemetry.io/otel/attribute"
)

// PromptJSON sends a schema-constrained prompt and unmarshals the result
// into out, which must be a non-nil pointer to a struct. Models that wrap
// the JSON in a markdown fence are tolerated.
func (c *Client) PromptJSON(ctx context.Context, model string, messages []llms.Message, out any) error {
	ctx, span := tracer.Start(ctx, "prompt llm structured")
	defer span.End()

	outType := reflect.TypeOf(out)
	if outType == nil || outType.Kind() != reflect.Ptr || reflect.ValueOf(out).IsNil() {
		return fmt.Errorf("structured output target must be a non-nil pointer")
	}

	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.ReflectFromType(outType.Elem())

	span.SetAttributes(attribute.String("request.model", model))
	if schemaString, err := schema.MarshalJSON(); err == nil {
		span.SetAttributes(attribute.String("request.schema", string(schemaString)))
	}

	body, err := c.do(ctx, requestBody{
		Model:    model,
		Messages: messages,
		ResponseFormat: &chatResponseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaFormat{
				Name:   outType.Elem().Name(),
				Schema: *schema,
				Strict: true,
			},
		},
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	var response responseBody
	if err := json.Unmarshal(body, &response); err != nil {
		err = fmt.Errorf("error unmarshalling response: %w", err)
		span.RecordError(err)
		return err
	}
	if len(response.Choices) == 0 {
		err := fmt.Errorf("response contained no choices")
		span.RecordError(err)
		return err
	}

	content := response.Choices[0].Message.Content
	if split := strings.Split(content, "```"); len(split) > 1 {
		content = split[1]
		content = strings.TrimPrefix(content, "json")
	}

	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), out); err != nil {
		err = fmt.Errorf("error unmarshalling structured response: %w", err)
		span.RecordError(err)
		return err
	}
	return nil
}

type chatResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type jsonSchemaFormat struct {
	Name   string            `json:"name"`
	Schema jsonschema.Schema `json:"schema"`
	Strict bool              `json:"strict"`
}
