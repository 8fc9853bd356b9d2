package suite

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Validate checks the structural rules of a suite. Input specs are only
// checked for their type here; missing fields are reported per step when
// the input is materialized.
func (s *TestSuite) Validate() error {
	var err error
	cfg := s.Config

	if s.Metadata.Name == "" {
		err = errors.Join(err, fmt.Errorf("metadata.name is required"))
	}
	if cfg.FilePath == "" {
		err = errors.Join(err, fmt.Errorf("config.filePath is required"))
	}

	switch {
	case cfg.Agent != nil && cfg.Region != "":
		err = errors.Join(err, fmt.Errorf("only one of config.agent or config.region can be specified, not both"))
	case cfg.Agent == nil && cfg.Region == "":
		err = errors.Join(err, fmt.Errorf("one of config.agent or config.region must be specified"))
	case cfg.Agent != nil:
		if cfg.Method != "" {
			err = errors.Join(err, fmt.Errorf("config.method is only used with config.region; set config.agent.method instead"))
		}
		if cfg.Agent.Module == "" {
			err = errors.Join(err, fmt.Errorf("config.agent.module is required"))
		}
		if cfg.Agent.Method == "" {
			err = errors.Join(err, fmt.Errorf("config.agent.method is required"))
		}
	}

	if cfg.MaxRetries != nil && *cfg.MaxRetries < 0 {
		err = errors.Join(err, fmt.Errorf("config.maxRetries must be >= 0, got %d", *cfg.MaxRetries))
	}

	if th := cfg.Evaluation.Threshold; th != nil && (math.IsNaN(*th) || *th < 0 || *th > 1) {
		err = errors.Join(err, fmt.Errorf("config.evaluation.threshold must be within [0, 1], got %v", *th))
	}

	targets := make(map[string]bool, len(cfg.Evaluation.Targets))
	for i, t := range cfg.Evaluation.Targets {
		if t.Name == "" {
			err = errors.Join(err, fmt.Errorf("evaluation target %d: name is required", i))
		}
		if targets[t.Name] {
			err = errors.Join(err, fmt.Errorf("evaluation target %q is defined more than once", t.Name))
		}
		targets[t.Name] = true
		if t.Source != "" && t.Source != SourceReturn && t.Source != SourceVariable {
			err = errors.Join(err, fmt.Errorf("evaluation target %q: unknown source %q", t.Name, t.Source))
		}
		if t.Criteria == "" {
			err = errors.Join(err, fmt.Errorf("evaluation target %q: criteria is required", t.Name))
		}
		if t.Weight != nil && (*t.Weight < 0 || math.IsNaN(*t.Weight) || math.IsInf(*t.Weight, 0)) {
			err = errors.Join(err, fmt.Errorf("evaluation target %q: weight must be a finite number >= 0", t.Name))
		}
	}

	if cfg.Settings.Timeout != "" {
		if d, perr := time.ParseDuration(cfg.Settings.Timeout); perr != nil || d <= 0 {
			err = errors.Join(err, fmt.Errorf("config.settings.timeout %q is not a positive duration", cfg.Settings.Timeout))
		}
	}
	if c := cfg.Settings.Concurrency; c != nil && *c < 1 {
		err = errors.Join(err, fmt.Errorf("config.settings.concurrency must be >= 1, got %d", *c))
	}

	switch cfg.PR.Strategy {
	case "", StrategyAllPassing, StrategyAnyImprovement, StrategyNone:
	default:
		err = errors.Join(err, fmt.Errorf("config.pr.strategy %q is not one of %s, %s, %s", cfg.PR.Strategy, StrategyAllPassing, StrategyAnyImprovement, StrategyNone))
	}

	if cfg.AutoFix && len(cfg.FilesToFix) == 0 {
		err = errors.Join(err, fmt.Errorf("config.filesToFix must list at least one file when autoFix is enabled"))
	}

	if len(s.Steps) == 0 {
		err = errors.Join(err, fmt.Errorf("at least one step is required"))
	}
	names := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if step.Name == "" {
			err = errors.Join(err, fmt.Errorf("step %d: name is required", i))
			continue
		}
		if names[step.Name] {
			err = errors.Join(err, fmt.Errorf("step name %q is used more than once", step.Name))
		}
		names[step.Name] = true
	}

	return err
}
