package suite

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kaizen-agent/kaizen/pkg/llmjudge"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"
)

const (
	KindTestSuite = "TestSuite"

	DefaultThreshold    = 0.6
	DefaultMaxRetries   = 1
	DefaultTimeout      = 2 * time.Minute
	DefaultConcurrency  = 1
	DefaultBaseBranch   = "main"
	DefaultBranchPrefix = "kaizen/autofix-"

	// RegionMain selects the whole file; RegionDefault selects the block
	// between unnamed markers.
	RegionMain    = "main"
	RegionDefault = "default"
)

const (
	SourceReturn   = "return"
	SourceVariable = "variable"
)

const (
	StrategyAllPassing     = "ALL_PASSING"
	StrategyAnyImprovement = "ANY_IMPROVEMENT"
	StrategyNone           = "NONE"
)

type TestSuite struct {
	TypeMeta `json:",inline"`
	Metadata SuiteMetadata `json:"metadata"`
	Config   SuiteConfig   `json:"config"`
	Steps    []TestStep    `json:"steps"`
}

type SuiteMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type SuiteConfig struct {
	// FilePath is the file containing the agent under test
	FilePath string `json:"filePath"`

	// Exactly one of Agent or Region must be set
	Agent  *AgentEntry `json:"agent,omitempty"`
	Region string      `json:"region,omitempty"`
	// Method picks the entry point inside Region: the method to call when
	// the region defines a class, or the function when it defines several.
	Method string `json:"method,omitempty"`

	Harness    HarnessConfig    `json:"harness,omitempty"`
	Evaluation EvaluationConfig `json:"evaluation"`

	MaxRetries *int `json:"maxRetries,omitempty"`
	AutoFix    bool `json:"autoFix,omitempty"`

	FilesToFix      []string `json:"filesToFix,omitempty"`
	ReferencedFiles []string `json:"referencedFiles,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`

	Settings Settings                     `json:"settings,omitempty"`
	PR       PRConfig                     `json:"pr,omitempty"`
	Fixer    *llmjudge.LLMJudgeEvalConfig `json:"fixer,omitempty"`
}

// AgentEntry names the entry point in the agent file. Without Class, Method
// is a module level function.
type AgentEntry struct {
	Module string `json:"module"`
	Class  string `json:"class,omitempty"`
	Method string `json:"method"`
}

type HarnessConfig struct {
	// Command starts an out-of-process worker, e.g. "python -m kaizen_harness".
	// Empty means the agent is served by an in-process Go harness.
	Command string            `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Stateless agents share one instance across steps instead of getting a
	// fresh one per step.
	Stateless bool `json:"stateless,omitempty"`
}

type EvaluationConfig struct {
	Threshold *float64                     `json:"threshold,omitempty"`
	LLMJudge  *llmjudge.LLMJudgeEvalConfig `json:"llmJudge,omitempty"`
	Targets   []EvaluationTarget           `json:"targets,omitempty"`
}

type EvaluationTarget struct {
	Name string `json:"name"`
	// Source is "return" or "variable"
	Source   string   `json:"source"`
	Criteria string   `json:"criteria"`
	Weight   *float64 `json:"weight,omitempty"`
}

type Settings struct {
	// Timeout bounds each step, judge call and fix call, e.g. "90s"
	Timeout     string `json:"timeout,omitempty"`
	Concurrency *int   `json:"concurrency,omitempty"`
}

type PRConfig struct {
	Create       bool   `json:"create,omitempty"`
	Strategy     string `json:"strategy,omitempty"`
	BaseBranch   string `json:"baseBranch,omitempty"`
	BranchPrefix string `json:"branchPrefix,omitempty"`
}

type TestStep struct {
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	Input          []InputSpec `json:"input,omitempty"`
	ExpectedOutput any         `json:"expectedOutput,omitempty"`
}

func (s *TestSuite) UnmarshalJSON(data []byte) error {
	type Doppleganger TestSuite

	tmp := (*Doppleganger)(s)
	return decodeSuite(data, tmp)
}

// Read parses a suite, resolves its relative paths against basePath, applies
// defaults and validates it.
func Read(data []byte, basePath string) (*TestSuite, error) {
	s := &TestSuite{}

	err := yaml.Unmarshal(data, s)
	if err != nil {
		return nil, err
	}

	if err := s.TypeMeta.validate(); err != nil {
		return nil, err
	}

	resolveFilePath(&s.Config.FilePath, basePath)
	for i := range s.Config.FilesToFix {
		resolveFilePath(&s.Config.FilesToFix[i], basePath)
	}
	for i := range s.Config.ReferencedFiles {
		resolveFilePath(&s.Config.ReferencedFiles[i], basePath)
	}
	for i := range s.Steps {
		for j := range s.Steps[i].Input {
			if co, ok := s.Steps[i].Input[j].(*ClassObjectInput); ok {
				resolveFilePath(&co.PicklePath, basePath)
			}
		}
	}

	s.SetDefaults()

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

func resolveFilePath(filePath *string, basePath string) {
	if filePath == nil || *filePath == "" || filepath.IsAbs(*filePath) {
		return
	}

	*filePath = filepath.Join(basePath, *filePath)
}

func FromFile(path string) (*TestSuite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file '%s' for test suite: %w", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for '%s': %w", path, err)
	}

	return Read(data, filepath.Dir(absPath))
}

// SetDefaults fills every optional knob so that downstream components never
// pick their own defaults.
func (s *TestSuite) SetDefaults() {
	cfg := &s.Config

	if cfg.MaxRetries == nil {
		cfg.MaxRetries = ptr.To(DefaultMaxRetries)
	}
	if cfg.Evaluation.Threshold == nil {
		cfg.Evaluation.Threshold = ptr.To(DefaultThreshold)
	}
	for i := range cfg.Evaluation.Targets {
		t := &cfg.Evaluation.Targets[i]
		if t.Source == "" {
			t.Source = SourceReturn
		}
		if t.Weight == nil {
			t.Weight = ptr.To(1.0)
		}
	}
	if cfg.Settings.Timeout == "" {
		cfg.Settings.Timeout = DefaultTimeout.String()
	}
	if cfg.Settings.Concurrency == nil {
		cfg.Settings.Concurrency = ptr.To(DefaultConcurrency)
	}
	if cfg.PR.Strategy == "" {
		cfg.PR.Strategy = StrategyAllPassing
	}
	if cfg.PR.BaseBranch == "" {
		cfg.PR.BaseBranch = DefaultBaseBranch
	}
	if cfg.PR.BranchPrefix == "" {
		cfg.PR.BranchPrefix = DefaultBranchPrefix
	}
	if cfg.Fixer == nil {
		cfg.Fixer = cfg.Evaluation.LLMJudge
	}
}

func (s *TestSuite) Name() string {
	return s.Metadata.Name
}

func (s *TestSuite) Threshold() float64 {
	return ptr.Deref(s.Config.Evaluation.Threshold, DefaultThreshold)
}

func (s *TestSuite) MaxRetries() int {
	return ptr.Deref(s.Config.MaxRetries, DefaultMaxRetries)
}

func (s *TestSuite) Concurrency() int {
	return ptr.Deref(s.Config.Settings.Concurrency, DefaultConcurrency)
}

// Timeout returns the per-step timeout. Validate guarantees it parses.
func (s *TestSuite) Timeout() time.Duration {
	d, err := time.ParseDuration(s.Config.Settings.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// Dir is the directory the agent file lives in. Object inputs are resolved
// relative to it.
func (s *TestSuite) Dir() string {
	return filepath.Dir(s.Config.FilePath)
}

// VariableNames lists the variables the evaluation targets read.
func (s *TestSuite) VariableNames() []string {
	var names []string
	for _, t := range s.Config.Evaluation.Targets {
		if t.Source == SourceVariable {
			names = append(names, t.Name)
		}
	}
	return names
}
