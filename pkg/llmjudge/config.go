package llmjudge

import (
	"errors"
	"fmt"
	"os"
)

// LLMJudgeEvalConfig names the environment variables that hold the model
// endpoint and credentials. The values themselves never appear in suite
// files.
type LLMJudgeEvalConfig struct {
	Env *LLMJudgeEnvConfig `json:"env,omitempty"`
}

type LLMJudgeEnvConfig struct {
	BaseUrlKey   string `json:"baseUrlKey"`
	ApiKeyKey    string `json:"apiKeyKey"`
	ModelNameKey string `json:"modelNameKey"`
}

func (cfg *LLMJudgeEvalConfig) BaseUrl() string {
	return os.Getenv(cfg.Env.BaseUrlKey)
}

func (cfg *LLMJudgeEvalConfig) ApiKey() string {
	return os.Getenv(cfg.Env.ApiKeyKey)
}

func (cfg *LLMJudgeEvalConfig) ModelName() string {
	return os.Getenv(cfg.Env.ModelNameKey)
}

func (cfg *LLMJudgeEvalConfig) Validate() error {
	if cfg == nil || cfg.Env == nil {
		return fmt.Errorf("env must be specified")
	}

	var err error
	for field, key := range map[string]string{
		"baseUrlKey":   cfg.Env.BaseUrlKey,
		"apiKeyKey":    cfg.Env.ApiKeyKey,
		"modelNameKey": cfg.Env.ModelNameKey,
	} {
		if key == "" {
			err = errors.Join(err, fmt.Errorf("env.%s must be specified", field))
			continue
		}
		if os.Getenv(key) == "" {
			err = errors.Join(err, fmt.Errorf("environment variable %s (env.%s) is not set", key, field))
		}
	}

	return err
}
