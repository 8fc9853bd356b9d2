// Package promptagent turns a prompt file into an agent that a harness
// worker can serve: the file under test is the system prompt and every
// invocation is one chat completion.
package promptagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

type Agent interface {
	Run(ctx context.Context, history []Turn, prompt string) (string, error)
}

// Turn is one exchange of a conversation.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

type openaiAgent struct {
	client       *openai.Client
	model        shared.ChatModel
	systemPrompt string
}

func NewOpenAIAgent(url, apiKey, model, systemPrompt string, opts ...option.RequestOption) (Agent, error) {
	if url == "" || apiKey == "" {
		return nil, fmt.Errorf("both url and API key must be provided to create an openai agent")
	}

	var chatModel shared.ChatModel
	if model == "" {
		chatModel = openai.ChatModelGPT4o // default model
	} else {
		chatModel = shared.ChatModel(model)
	}

	client := openai.NewClient(append([]option.RequestOption{
		option.WithBaseURL(url),
		option.WithAPIKey(apiKey),
	}, opts...)...)

	return &openaiAgent{
		client:       &client,
		model:        chatModel,
		systemPrompt: systemPrompt,
	}, nil
}

func (o *openaiAgent) Run(ctx context.Context, history []Turn, prompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if strings.TrimSpace(o.systemPrompt) != "" {
		messages = append(messages, openai.SystemMessage(o.systemPrompt))
	}
	for _, turn := range history {
		messages = append(messages, openai.UserMessage(turn.User), openai.AssistantMessage(turn.Assistant))
	}
	messages = append(messages, openai.UserMessage(prompt))

	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    o.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}

	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}

	return completion.Choices[0].Message.Content, nil
}

// Prompt renders invocation arguments as the user message: strings as is,
// anything else as indented JSON, separated by blank lines.
func Prompt(args []any) (string, error) {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if s, ok := arg.(string); ok {
			parts = append(parts, s)
			continue
		}
		data, err := json.MarshalIndent(arg, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to render argument: %w", err)
		}
		parts = append(parts, string(data))
	}
	return strings.Join(parts, "\n\n"), nil
}
