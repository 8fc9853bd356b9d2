package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kaizen-agent/kaizen/pkg/harness/sdk"
	"github.com/kaizen-agent/kaizen/pkg/promptagent"
	"github.com/spf13/cobra"
)

var (
	module    string
	openaiURL string
	openaiKey string
	model     string
)

var rootCmd = &cobra.Command{
	Use:   "kaizen-worker",
	Short: "A harness worker that serves prompt files as agents",
	Long: `kaizen-worker speaks the kaizen harness protocol on stdin/stdout. Every file
it is asked to load is used as the system prompt of an OpenAI-compatible chat
model, so kaizen can test and fix prompts the same way it fixes code.

The module exposes a function "run" and a class "Chat" whose "send" method
keeps the conversation between calls.`,
	Example: `  harness:
    command: kaizen-worker --model gpt-4o
  agent:
    module: prompt
    method: run`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.Flags().StringVar(&module, "module", "prompt", "Module name the prompt files are served under")

	// Optional flags with environment variable defaults
	rootCmd.Flags().StringVar(&openaiURL, "openai-url", getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"), "OpenAI API base URL")
	rootCmd.Flags().StringVar(&openaiKey, "openai-key", getEnvOrDefault("OPENAI_API_KEY", ""), "OpenAI API key")
	rootCmd.Flags().StringVar(&model, "model", getEnvOrDefault("OPENAI_MODEL", "gpt-4o"), "OpenAI model to use")
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Validate OpenAI API key
	if openaiKey == "" {
		return fmt.Errorf("OpenAI API key must be provided via --openai-key flag or OPENAI_API_KEY environment variable")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := sdk.New(sdk.Info{Name: "kaizen-worker", Version: "0.1.0"})
	h.RegisterModule(module, promptagent.Module(func(systemPrompt string) (promptagent.Agent, error) {
		return promptagent.NewOpenAIAgent(openaiURL, openaiKey, model, systemPrompt)
	}))

	return h.Run(ctx)
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// stdout carries the protocol, so errors go to stderr only
	rootCmd.SetOut(os.Stderr)
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
