// Package config loads and validates the coordinator's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config is the top-level typed configuration, mirroring the teacher's
// nested-struct-per-concern layout (General/Cadence/... there;
// Runtime/Loop/LLM/... here).
type Config struct {
	Runtime     Runtime     `yaml:"runtime"`
	Loop        Loop        `yaml:"loop"`
	LLM         LLM         `yaml:"llm"`
	Thresholds  Thresholds  `yaml:"thresholds"`
	Pheromones  Pheromones  `yaml:"pheromones"`
	Scout       Scout       `yaml:"scout"`
	Transformer Transformer `yaml:"transformer"`
	Tester      Tester      `yaml:"tester"`
	Validator   Validator   `yaml:"validator"`
	Metrics     Metrics     `yaml:"metrics"`
	Prompts     Prompts     `yaml:"prompts"`
}

// Runtime holds process-level settings: the target repo and output.
type Runtime struct {
	RepoPath  string `yaml:"repo_path"`
	RepoRef   string `yaml:"repo_ref"`
	OutputDir string `yaml:"output_dir"`
	Seed      int64  `yaml:"seed"`
	DryRun    bool   `yaml:"dry_run"`
	Resume    bool   `yaml:"resume"`
	Verbose   bool   `yaml:"verbose"`
	LogLevel  string `yaml:"log_level"`
}

// Loop configures the scheduler's stop conditions.
type Loop struct {
	MaxTicks         int `yaml:"max_ticks"`
	IdleCyclesToStop int `yaml:"idle_cycles_to_stop"`
}

// LLM configures the chat-completion gateway.
type LLM struct {
	Model             string     `yaml:"model"`
	Temperature       float64    `yaml:"temperature"`
	MaxResponseTokens int        `yaml:"max_response_tokens"`
	RetryAttempts     int        `yaml:"retry_attempts"`
	RetryBackoff      []Duration `yaml:"retry_backoff"`
	RequestTimeout    Duration   `yaml:"request_timeout"`
	BaseURL           string     `yaml:"base_url"`
	APIKeyEnv         string     `yaml:"api_key_env"`
	PricingURL        string     `yaml:"pricing_url"`
	StrictPricing     bool       `yaml:"pricing_strict"`
	MaxTokensTotal    int        `yaml:"max_tokens_total"`
	MaxBudgetUSD      float64    `yaml:"max_budget_usd"`
}

// Thresholds holds the guardrail policy parameters shared across agents.
type Thresholds struct {
	MaxRetryCount int `yaml:"max_retry_count"`
	ScopeLockTTL  int `yaml:"scope_lock_ttl"`
}

// Pheromones configures the store's decay and clamp policy.
type Pheromones struct {
	Dir                   string  `yaml:"dir"`
	DecayType             string  `yaml:"decay_type"`
	DecayRate             float64 `yaml:"decay_rate"`
	InhibitionDecayRate   float64 `yaml:"inhibition_decay_rate"`
	TaskIntensityClampMin float64 `yaml:"task_intensity_clamp_min"`
	TaskIntensityClampMax float64 `yaml:"task_intensity_clamp_max"`
}

// Scout configures candidate discovery.
type Scout struct {
	IncludeExtensions []string `yaml:"include_extensions"`
	NonPythonEnabled  bool     `yaml:"non_python_enabled"`
	MaxTextFileBytes  int64    `yaml:"max_text_file_bytes"`
	LLMAnalysisEnabled bool    `yaml:"llm_analysis_enabled"`
}

// Transformer configures candidate selection and the syntax-gate repair loop.
type Transformer struct {
	IntensityMin        float64 `yaml:"intensity_min"`
	InhibitionThreshold float64 `yaml:"inhibition_threshold"`
	LineThreshold       int     `yaml:"line_threshold"`
	MaxFewShotExamples  int     `yaml:"max_few_shot_examples"`
	MaxRetryIssuesLarge int     `yaml:"max_retry_issues_large"`
	RepairAttemptsMax   int     `yaml:"repair_attempts_max"`
	SyntaxGateEnabled   bool    `yaml:"syntax_gate_enabled"`
}

// Tester configures adaptive test evaluation.
type Tester struct {
	PassConfidence float64 `yaml:"pass_confidence"`
	FailConfidence float64 `yaml:"fail_confidence"`
}

// Validator configures the confidence-threshold decision tree.
type Validator struct {
	ConfidenceHigh float64 `yaml:"confidence_high"`
	ConfidenceLow  float64 `yaml:"confidence_low"`
}

// Metrics configures the collector/exporter.
type Metrics struct {
	StarvationThreshold int  `yaml:"starvation_threshold"`
	WriteManifest       bool `yaml:"write_manifest"`
}

// Prompts holds the stigmergic preamble override and disable switch,
// matching agents/base_agent.py's config-driven preamble logic. An
// empty StigmergicPreamble keeps the built-in preamble.
type Prompts struct {
	StigmergicPreamble string `yaml:"stigmergic_preamble"`
	DisablePreamble    bool   `yaml:"disable_preamble"`
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.LLM.RetryBackoff = append([]Duration(nil), cfg.LLM.RetryBackoff...)
	cloned.Scout.IncludeExtensions = append([]string(nil), cfg.Scout.IncludeExtensions...)
	return &cloned
}

// Load reads and validates a coordinator YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Runtime.OutputDir == "" {
		cfg.Runtime.OutputDir = "output"
	}
	if cfg.Runtime.LogLevel == "" {
		cfg.Runtime.LogLevel = "info"
	}

	if cfg.Loop.MaxTicks <= 0 {
		cfg.Loop.MaxTicks = 50
	}
	if cfg.Loop.IdleCyclesToStop <= 0 {
		cfg.Loop.IdleCyclesToStop = 2
	}

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.2
	}
	if cfg.LLM.MaxResponseTokens <= 0 {
		cfg.LLM.MaxResponseTokens = 4096
	}
	if cfg.LLM.RetryAttempts <= 0 {
		cfg.LLM.RetryAttempts = 3
	}
	if len(cfg.LLM.RetryBackoff) == 0 {
		cfg.LLM.RetryBackoff = []Duration{
			{Duration: time.Second},
			{Duration: 2 * time.Second},
			{Duration: 4 * time.Second},
		}
	}
	if cfg.LLM.RequestTimeout.Duration == 0 {
		cfg.LLM.RequestTimeout.Duration = 60 * time.Second
	}
	if cfg.LLM.MaxTokensTotal <= 0 {
		cfg.LLM.MaxTokensTotal = 100_000
	}

	if cfg.Thresholds.MaxRetryCount <= 0 {
		cfg.Thresholds.MaxRetryCount = 3
	}
	if cfg.Thresholds.ScopeLockTTL <= 0 {
		cfg.Thresholds.ScopeLockTTL = 3
	}

	if cfg.Pheromones.Dir == "" {
		cfg.Pheromones.Dir = "pheromones"
	}
	if cfg.Pheromones.DecayType == "" {
		cfg.Pheromones.DecayType = "exponential"
	}
	if cfg.Pheromones.DecayRate == 0 {
		cfg.Pheromones.DecayRate = 0.05
	}
	if cfg.Pheromones.InhibitionDecayRate == 0 {
		cfg.Pheromones.InhibitionDecayRate = 0.1
	}
	if cfg.Pheromones.TaskIntensityClampMax == 0 {
		cfg.Pheromones.TaskIntensityClampMax = 1.0
	}

	if len(cfg.Scout.IncludeExtensions) == 0 {
		cfg.Scout.IncludeExtensions = []string{".py"}
	}
	if cfg.Scout.MaxTextFileBytes <= 0 {
		cfg.Scout.MaxTextFileBytes = 1 << 20
	}

	if cfg.Transformer.InhibitionThreshold == 0 {
		cfg.Transformer.InhibitionThreshold = 0.5
	}
	if cfg.Transformer.LineThreshold <= 0 {
		cfg.Transformer.LineThreshold = 400
	}
	if cfg.Transformer.MaxFewShotExamples <= 0 {
		cfg.Transformer.MaxFewShotExamples = 3
	}
	if cfg.Transformer.MaxRetryIssuesLarge <= 0 {
		cfg.Transformer.MaxRetryIssuesLarge = 5
	}
	if cfg.Transformer.RepairAttemptsMax <= 0 {
		cfg.Transformer.RepairAttemptsMax = 2
	}

	if cfg.Tester.PassConfidence == 0 {
		cfg.Tester.PassConfidence = 0.85
	}
	if cfg.Tester.FailConfidence == 0 {
		cfg.Tester.FailConfidence = 0.4
	}

	if cfg.Validator.ConfidenceHigh == 0 {
		cfg.Validator.ConfidenceHigh = 0.8
	}
	if cfg.Validator.ConfidenceLow == 0 {
		cfg.Validator.ConfidenceLow = 0.5
	}

	if cfg.Metrics.StarvationThreshold <= 0 {
		cfg.Metrics.StarvationThreshold = 12
	}
}

// normalizePaths expands "~" and trims whitespace for configured filesystem paths.
func normalizePaths(cfg *Config) {
	cfg.Runtime.RepoPath = ExpandHome(strings.TrimSpace(cfg.Runtime.RepoPath))
	cfg.Runtime.OutputDir = ExpandHome(strings.TrimSpace(cfg.Runtime.OutputDir))
	cfg.Pheromones.Dir = ExpandHome(strings.TrimSpace(cfg.Pheromones.Dir))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func validate(cfg *Config) error {
	if cfg.Runtime.RepoPath == "" {
		return fmt.Errorf("runtime.repo_path is required")
	}
	if cfg.Pheromones.DecayType != "exponential" && cfg.Pheromones.DecayType != "linear" {
		return fmt.Errorf("pheromones.decay_type must be exponential or linear, got %q", cfg.Pheromones.DecayType)
	}
	if cfg.Pheromones.TaskIntensityClampMin < 0 || cfg.Pheromones.TaskIntensityClampMax > 1 {
		return fmt.Errorf("pheromones.task_intensity_clamp_min/max must be within [0,1]")
	}
	if cfg.Pheromones.TaskIntensityClampMin >= cfg.Pheromones.TaskIntensityClampMax {
		return fmt.Errorf("pheromones.task_intensity_clamp_min must be < task_intensity_clamp_max")
	}
	if cfg.Validator.ConfidenceLow >= cfg.Validator.ConfidenceHigh {
		return fmt.Errorf("validator.confidence_low must be < confidence_high")
	}
	if cfg.LLM.MaxBudgetUSD < 0 {
		return fmt.Errorf("llm.max_budget_usd cannot be negative")
	}
	if cfg.LLM.StrictPricing && cfg.LLM.MaxBudgetUSD <= 0 {
		return fmt.Errorf("llm.pricing_strict requires llm.max_budget_usd > 0")
	}
	return nil
}
