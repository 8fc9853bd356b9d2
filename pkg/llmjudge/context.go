package llmjudge

import "context"

type contextKey struct{}

func WithJudge(ctx context.Context, judge LLMJudge) context.Context {
	return context.WithValue(ctx, contextKey{}, judge)
}

func FromContext(ctx context.Context) (LLMJudge, bool) {
	judge, ok := ctx.Value(contextKey{}).(LLMJudge)
	return judge, ok
}

type targetKey struct{}

// WithTarget records the name of the output being judged so that prompts
// can mention it.
func WithTarget(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, targetKey{}, name)
}

func targetFromContext(ctx context.Context) string {
	name, _ := ctx.Value(targetKey{}).(string)
	return name
}
