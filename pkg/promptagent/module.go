package promptagent

import (
	"context"

	"github.com/kaizen-agent/kaizen/pkg/harness/sdk"
)

const (
	FunctionRun    = "run"
	ClassChat      = "Chat"
	MethodSend     = "send"
	VariableTurns  = "turns"
	VariableSystem = "system_prompt"
)

// NewAgentFunc builds an agent around a system prompt.
type NewAgentFunc func(systemPrompt string) (Agent, error)

// chat is the instance behind ClassChat. Its history is what the harness
// snapshots as the object fields.
type chat struct {
	History []Turn `json:"history"`
}

// Module serves the unit text as the system prompt of newAgent. It exposes
// a stateless function run and a class Chat whose send method keeps the
// conversation.
func Module(newAgent NewAgentFunc) sdk.ModuleFactory {
	return func(u sdk.Unit) (*sdk.Module, error) {
		agent, err := newAgent(u.Source)
		if err != nil {
			return nil, err
		}

		return &sdk.Module{
			Functions: map[string]sdk.Func{
				FunctionRun: func(ctx context.Context, args []any) (any, error) {
					prompt, err := Prompt(args)
					if err != nil {
						return nil, err
					}
					sdk.SetVariable(ctx, VariableSystem, u.Source)
					return agent.Run(ctx, nil, prompt)
				},
			},
			Classes: map[string]*sdk.Class{
				ClassChat: {
					New: func(ctx context.Context, args map[string]any) (any, error) {
						return &chat{}, nil
					},
					Methods: map[string]sdk.Method{
						MethodSend: func(ctx context.Context, self any, args []any) (any, error) {
							c := self.(*chat)

							prompt, err := Prompt(args)
							if err != nil {
								return nil, err
							}

							reply, err := agent.Run(ctx, c.History, prompt)
							if err != nil {
								return nil, err
							}

							c.History = append(c.History, Turn{User: prompt, Assistant: reply})
							sdk.SetVariable(ctx, VariableTurns, len(c.History))
							sdk.SetVariable(ctx, VariableSystem, u.Source)
							return reply, nil
						},
					},
				},
			},
		}, nil
	}
}
