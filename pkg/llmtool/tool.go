// Package llmtool turns a JSON schema into an OpenAI function tool and reads
// validated arguments back out of a chat completion.
package llmtool

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/shared"
)

// ErrNoToolCall is returned when the model neither called the tool nor
// answered with a JSON object.
var ErrNoToolCall = errors.New("model did not call the tool")

type Tool struct {
	name        string
	description string
	schema      *jsonschema.Schema
	resolved    *jsonschema.Resolved
	params      shared.FunctionParameters
}

// New resolves schema once so every response can be validated against it.
func New(name, description string, schema *jsonschema.Schema) (*Tool, error) {
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema for tool %s: %w", name, err)
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for tool %s: %w", name, err)
	}

	params := shared.FunctionParameters{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to convert schema for tool %s: %w", name, err)
	}

	return &Tool{
		name:        name,
		description: description,
		schema:      schema,
		resolved:    resolved,
		params:      params,
	}, nil
}

// MustNew is like New but panics on error. For package level tools.
func MustNew(name, description string, schema *jsonschema.Schema) *Tool {
	t, err := New(name, description, schema)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tool) Name() string {
	return t.name
}

// Param returns the tool in the form the chat completions API expects.
func (t *Tool) Param() openai.ChatCompletionToolUnionParam {
	function := shared.FunctionDefinitionParam{
		Name:       t.name,
		Parameters: t.params,
	}

	if t.description != "" {
		function.Description = openai.String(t.description)
	}

	return openai.ChatCompletionFunctionTool(function)
}

// Arguments finds the call to this tool in completion, validates its
// arguments against the schema and decodes them into out. A message whose
// content is a JSON object is accepted in place of a tool call.
func (t *Tool) Arguments(completion *openai.ChatCompletion, out any) error {
	if completion == nil || len(completion.Choices) == 0 {
		return fmt.Errorf("no completion choices returned")
	}

	message := completion.Choices[0].Message

	raw := ""
	for _, call := range message.ToolCalls {
		if call.Function.Name == t.name {
			raw = call.Function.Arguments
			break
		}
	}

	if raw == "" {
		content := StripFences(message.Content)
		if !strings.HasPrefix(strings.TrimSpace(content), "{") {
			return ErrNoToolCall
		}
		raw = content
	}

	return t.Decode([]byte(raw), out)
}

// Decode validates raw tool arguments and unmarshals them into out. Models
// sometimes emit slightly broken JSON, so unparsable arguments are repaired
// once before giving up.
func (t *Tool) Decode(raw []byte, out any) error {
	var instance map[string]any
	if err := json.Unmarshal(raw, &instance); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(string(raw))
		if repairErr != nil {
			return fmt.Errorf("failed to parse %s arguments: %w", t.name, err)
		}
		raw = []byte(fixed)
		instance = nil
		if err := json.Unmarshal(raw, &instance); err != nil {
			return fmt.Errorf("failed to parse %s arguments: %w", t.name, err)
		}
	}

	if err := t.resolved.Validate(instance); err != nil {
		return fmt.Errorf("invalid %s arguments: %w", t.name, err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s arguments: %w", t.name, err)
	}

	return nil
}

var fenceRe = regexp.MustCompile("(?s)^\\s*```[a-zA-Z0-9_+-]*[ \\t]*\\n(.*?)\\n?```\\s*$")

// StripFences removes a single markdown code fence wrapping s, if present.
func StripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}
