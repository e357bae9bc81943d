package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stigmergy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
runtime:
  repo_path: /tmp/repo-under-migration
  output_dir: /tmp/out

loop:
  max_ticks: 40

llm:
  model: gpt-4o-mini
  max_tokens_total: 50000

pheromones:
  decay_rate: 0.1
  task_intensity_clamp_max: 0.9

validator:
  confidence_high: 0.8
  confidence_low: 0.5
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/repo-under-migration", cfg.Runtime.RepoPath)
	assert.Equal(t, 40, cfg.Loop.MaxTicks)
	assert.Equal(t, 2, cfg.Loop.IdleCyclesToStop)
	assert.Equal(t, 3, cfg.Thresholds.MaxRetryCount)
	assert.Equal(t, "exponential", cfg.Pheromones.DecayType)
	assert.InDelta(t, 0.9, cfg.Pheromones.TaskIntensityClampMax, 1e-9)
	assert.Equal(t, []string{".py"}, cfg.Scout.IncludeExtensions)
	assert.Equal(t, 3, len(cfg.LLM.RetryBackoff))
}

func TestLoadRejectsMissingRepoPath(t *testing.T) {
	path := writeTestConfig(t, "runtime:\n  output_dir: /tmp/out\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidDecayType(t *testing.T) {
	path := writeTestConfig(t, `
runtime:
  repo_path: /tmp/repo
pheromones:
  decay_type: quadratic
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvertedConfidenceThresholds(t *testing.T) {
	path := writeTestConfig(t, `
runtime:
  repo_path: /tmp/repo
validator:
  confidence_high: 0.4
  confidence_low: 0.6
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsStrictPricingWithoutBudget(t *testing.T) {
	path := writeTestConfig(t, `
runtime:
  repo_path: /tmp/repo
llm:
  pricing_strict: true
`)
	_, err := Load(path)
	require.Error(t, err)
}
