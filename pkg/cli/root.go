// Package cli implements the kaizen command line.
package cli

import (
	"github.com/kaizen-agent/kaizen/pkg/harness/sdk"
	"github.com/spf13/cobra"
)

type options struct {
	harness *sdk.Harness
	gateway prGatewayFactory
}

type Option func(*options)

// WithHarness serves agents of suites without a harness command from h,
// in process.
func WithHarness(h *sdk.Harness) Option {
	return func(o *options) {
		o.harness = h
	}
}

// NewRootCmd creates the root kaizen command
func NewRootCmd(opts ...Option) *cobra.Command {
	o := &options{gateway: defaultGateway}
	for _, opt := range opts {
		opt(o)
	}

	rootCmd := &cobra.Command{
		Use:   "kaizen",
		Short: "Test AI agents and fix them automatically",
		Long: `kaizen runs an agent against the steps of a test suite, scores each output
with an LLM judge and, when asked to, lets an LLM rewrite the agent's files
until the suite passes or the retry budget is spent.`,
	}

	rootCmd.AddCommand(newTestCmd(o))
	rootCmd.AddCommand(NewValidateCmd())
	rootCmd.AddCommand(NewViewCmd())
	rootCmd.AddCommand(NewSummaryCmd())
	rootCmd.AddCommand(NewVerifyCmd())
	rootCmd.AddCommand(NewDiffCmd())

	return rootCmd
}

// Execute runs the root command
func Execute(opts ...Option) error {
	return NewRootCmd(opts...).Execute()
}
