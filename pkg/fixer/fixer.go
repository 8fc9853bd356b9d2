// Package fixer asks a model for new sources of the files under repair,
// given the steps that are failing.
package fixer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaizen-agent/kaizen/pkg/llmjudge"
	"github.com/kaizen-agent/kaizen/pkg/llmtool"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

const FixToolName = "submit_fix"

// ErrNoFixAvailable means the generator has nothing to propose.
var ErrNoFixAvailable = errors.New("no fix available")

// Generator proposes new file contents for a failing agent.
type Generator interface {
	ProposeFix(ctx context.Context, req *Request) (*Proposal, error)
}

// Request is everything the generator is told about the current state.
type Request struct {
	Suite        string
	Agent        string
	FailingSteps []FailingStep
	// Files maps each path that may be changed to its current source.
	Files   map[string]string
	History []AttemptSummary
}

type FailingStep struct {
	Name        string
	Description string
	Inputs      []string
	Expected    any
	Output      any
	Variables   map[string]any
	Error       string
	Failures    []string
}

// AttemptSummary describes an earlier fix attempt so the generator does not
// repeat it.
type AttemptSummary struct {
	Index       int
	SuccessRate float64
	Description string
	Kept        bool
}

// Proposal maps paths to their complete new source.
type Proposal struct {
	Files       map[string]string
	Description string
}

// Paths returns the proposed paths in sorted order.
func (p *Proposal) Paths() []string {
	paths := make([]string, 0, len(p.Files))
	for path := range p.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req *Request) (*Proposal, error)

func (f GeneratorFunc) ProposeFix(ctx context.Context, req *Request) (*Proposal, error) {
	return f(ctx, req)
}

var fixTool = llmtool.MustNew(
	FixToolName,
	"Submit the complete new source of every file you change",
	&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"files": {
				Type:        "array",
				Description: "Files to replace. Each content is the whole file, not a diff.",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"path":    {Type: "string"},
						"content": {Type: "string"},
					},
					Required: []string{"path", "content"},
				},
			},
			"description": {
				Type:        "string",
				Description: "What was changed and why it should fix the failing steps",
			},
			"noFix": {
				Type:        "boolean",
				Description: "True when no change to the given files can fix the failures",
			},
		},
		Required: []string{"files", "description"},
	},
)

type fixArguments struct {
	Files []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"files"`
	Description string `json:"description"`
	NoFix       bool   `json:"noFix"`
}

type openaiGenerator struct {
	client *openai.Client
	model  shared.ChatModel
}

var _ Generator = &openaiGenerator{}

// NewGenerator builds an OpenAI compatible generator from the env indirection
// in cfg.
func NewGenerator(cfg *llmjudge.LLMJudgeEvalConfig, opts ...option.RequestOption) (Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fixer config: %w", err)
	}

	return NewOpenAIGenerator(cfg.BaseUrl(), cfg.ApiKey(), cfg.ModelName(), opts...)
}

func NewOpenAIGenerator(baseURL, apiKey, model string, opts ...option.RequestOption) (Generator, error) {
	if baseURL == "" || apiKey == "" {
		return nil, fmt.Errorf("both url and API key must be provided to create a fix generator")
	}

	chatModel := shared.ChatModel(model)
	if model == "" {
		chatModel = openai.ChatModelGPT4o
	}

	opts = append([]option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
	}, opts...)
	client := openai.NewClient(opts...)

	return &openaiGenerator{
		client: &client,
		model:  chatModel,
	}, nil
}

func (g *openaiGenerator) ProposeFix(ctx context.Context, req *Request) (*Proposal, error) {
	if len(req.Files) == 0 {
		return nil, ErrNoFixAvailable
	}

	userPrompt, err := BuildUserPrompt(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build user prompt: %w", err)
	}

	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Tools: []openai.ChatCompletionToolUnionParam{fixTool.Param()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat completion: %w", err)
	}

	args := &fixArguments{}
	if err := fixTool.Arguments(completion, args); err != nil {
		return nil, err
	}

	if args.NoFix {
		return nil, ErrNoFixAvailable
	}

	proposal := &Proposal{
		Files:       make(map[string]string, len(args.Files)),
		Description: strings.TrimSpace(args.Description),
	}
	for _, f := range args.Files {
		content := llmtool.StripFences(f.Content)
		if current, ok := req.Files[f.Path]; ok && current == content {
			continue
		}
		proposal.Files[f.Path] = content
	}

	if len(proposal.Files) == 0 {
		return nil, ErrNoFixAvailable
	}

	return proposal, nil
}
