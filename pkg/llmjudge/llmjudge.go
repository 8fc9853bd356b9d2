package llmjudge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaizen-agent/kaizen/pkg/llmtool"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"k8s.io/utils/ptr"
)

const JudgementToolName = "submit_judgement"

// LLMJudge scores an agent output against a natural language criteria.
type LLMJudge interface {
	Judge(ctx context.Context, criteria string, actual any) (*LLMJudgeResult, error)
	ModelName() string
}

type LLMJudgeResult struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

var judgementTool = llmtool.MustNew(
	JudgementToolName,
	"Submit the score for the agent output",
	&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"score": {
				Type:        "number",
				Description: "How well the output satisfies the criteria, from 0.0 to 1.0",
				Minimum:     ptr.To(0.0),
				Maximum:     ptr.To(1.0),
			},
			"reason": {
				Type:        "string",
				Description: "Why the output got this score",
			},
		},
		Required: []string{"score", "reason"},
	},
)

type openaiJudge struct {
	client *openai.Client
	model  shared.ChatModel
}

var _ LLMJudge = &openaiJudge{}

// NewLLMJudge builds an OpenAI compatible judge from the env indirection in
// cfg.
func NewLLMJudge(cfg *LLMJudgeEvalConfig, opts ...option.RequestOption) (LLMJudge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid llm judge config: %w", err)
	}

	return NewOpenAIJudge(cfg.BaseUrl(), cfg.ApiKey(), cfg.ModelName(), opts...)
}

func NewOpenAIJudge(baseURL, apiKey, model string, opts ...option.RequestOption) (LLMJudge, error) {
	if baseURL == "" || apiKey == "" {
		return nil, fmt.Errorf("both url and API key must be provided to create an llm judge")
	}

	var chatModel shared.ChatModel
	if model == "" {
		chatModel = openai.ChatModelGPT4o
	} else {
		chatModel = shared.ChatModel(model)
	}

	opts = append([]option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
	}, opts...)
	client := openai.NewClient(opts...)

	return &openaiJudge{
		client: &client,
		model:  chatModel,
	}, nil
}

func (j *openaiJudge) ModelName() string {
	return string(j.model)
}

func (j *openaiJudge) Judge(ctx context.Context, criteria string, actual any) (*LLMJudgeResult, error) {
	systemPrompt, err := BuildSystemPrompt(SystemPromptData{Criteria: criteria})
	if err != nil {
		return nil, fmt.Errorf("failed to build system prompt: %w", err)
	}

	userPrompt, err := BuildUserPrompt(UserPromptData{
		Target: targetFromContext(ctx),
		Actual: Render(actual),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build user prompt: %w", err)
	}

	completion, err := j.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: j.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Tools: []openai.ChatCompletionToolUnionParam{judgementTool.Param()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat completion: %w", err)
	}

	result := &LLMJudgeResult{}
	if err := judgementTool.Arguments(completion, result); err != nil {
		return nil, err
	}

	if math.IsNaN(result.Score) {
		return nil, fmt.Errorf("judge returned a score that is not a number")
	}

	return result, nil
}

// Render formats an agent output for a prompt. Strings are used as is and
// everything else is indented JSON.
func Render(v any) string {
	switch t := v.(type) {
	case nil:
		return "<no output>"
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
