// Command stigmergy runs the stigmergic Python2->Python3 migration
// coordinator: a round-robin Scout/Transformer/Tester/Validator loop
// over a shared pheromone store, grounded on original_source/main.py
// and the teacher's cmd/cortex flag-parse -> config-load ->
// component-construction -> run idiom.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stigmergic-migrate/coordinator/internal/agent"
	"github.com/stigmergic-migrate/coordinator/internal/agent/capability"
	"github.com/stigmergic-migrate/coordinator/internal/config"
	"github.com/stigmergic-migrate/coordinator/internal/decay"
	"github.com/stigmergic-migrate/coordinator/internal/guardrail"
	"github.com/stigmergic-migrate/coordinator/internal/llm"
	"github.com/stigmergic-migrate/coordinator/internal/metrics"
	"github.com/stigmergic-migrate/coordinator/internal/pheromone"
	"github.com/stigmergic-migrate/coordinator/internal/scheduler"
)

func configureLogger(logLevel string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	configPath := flag.String("config", "stigmergy.yaml", "path to config file")
	repoPath := flag.String("repo", "", "path to the repo under migration (overrides runtime.repo_path)")
	repoRef := flag.String("repo-ref", "", "git ref to check out before running (overrides runtime.repo_ref)")
	maxTicks := flag.Int("max-ticks", 0, "override loop.max_ticks")
	maxTokens := flag.Int("max-tokens", 0, "override llm.max_tokens_total")
	maxBudgetUSD := flag.Float64("max-budget-usd", 0, "override llm.max_budget_usd")
	model := flag.String("model", "", "override llm.model")
	seed := flag.Int64("seed", 0, "override runtime.seed")
	outputDir := flag.String("output-dir", "", "override runtime.output_dir")
	dryRun := flag.Bool("dry-run", false, "suppress VCS side effects in the Validator")
	resume := flag.Bool("resume", false, "resume against the existing pheromone store instead of resetting it")
	review := flag.Bool("review", false, "interactively resolve needs_review status entries, then exit")
	verbose := flag.Bool("verbose", false, "force debug-level logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stigmergy: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, *repoPath, *repoRef, *maxTicks, *maxTokens, *maxBudgetUSD, *model, *seed, *outputDir, *dryRun, *resume, *verbose)

	logger := configureLogger(cfg.Runtime.LogLevel, cfg.Runtime.Verbose)
	slog.SetDefault(logger)

	if err := run(cfg, logger, *review); err != nil {
		logger.Error("stigmergy run failed", "error", err)
		os.Exit(1)
	}
}

func applyFlagOverrides(cfg *config.Config, repoPath, repoRef string, maxTicks, maxTokens int, maxBudgetUSD float64, model string, seed int64, outputDir string, dryRun, resume, verbose bool) {
	if repoPath != "" {
		cfg.Runtime.RepoPath = repoPath
	}
	if repoRef != "" {
		cfg.Runtime.RepoRef = repoRef
	}
	if maxTicks > 0 {
		cfg.Loop.MaxTicks = maxTicks
	}
	if maxTokens > 0 {
		cfg.LLM.MaxTokensTotal = maxTokens
	}
	if maxBudgetUSD > 0 {
		cfg.LLM.MaxBudgetUSD = maxBudgetUSD
	}
	if model != "" {
		cfg.LLM.Model = model
	}
	if seed != 0 {
		cfg.Runtime.Seed = seed
	}
	if outputDir != "" {
		cfg.Runtime.OutputDir = outputDir
	}
	if dryRun {
		cfg.Runtime.DryRun = true
	}
	if resume {
		cfg.Runtime.Resume = true
	}
	if verbose {
		cfg.Runtime.Verbose = true
	}
}

func run(cfg *config.Config, logger *slog.Logger, reviewMode bool) error {
	pheromonesDir := cfg.Pheromones.Dir
	if !filepath.IsAbs(pheromonesDir) {
		pheromonesDir = filepath.Join(cfg.Runtime.RepoPath, pheromonesDir)
	}

	if !cfg.Runtime.Resume && !reviewMode {
		if err := resetPheromoneState(pheromonesDir); err != nil {
			return fmt.Errorf("stigmergy: reset pheromone state: %w", err)
		}
	}

	guardrails := guardrail.New(guardrail.Thresholds{
		MaxRetryCount:  cfg.Thresholds.MaxRetryCount,
		ScopeLockTTL:   cfg.Thresholds.ScopeLockTTL,
		MaxTokensTotal: cfg.LLM.MaxTokensTotal,
	})

	store, err := pheromone.Open(pheromonesDir, pheromone.Config{
		DecayType:             decay.Kind(cfg.Pheromones.DecayType),
		DecayRate:             cfg.Pheromones.DecayRate,
		InhibitionDecayRate:   cfg.Pheromones.InhibitionDecayRate,
		TaskIntensityClampMin: cfg.Pheromones.TaskIntensityClampMin,
		TaskIntensityClampMax: cfg.Pheromones.TaskIntensityClampMax,
		Guardrails:            guardrails,
	})
	if err != nil {
		return fmt.Errorf("stigmergy: open pheromone store: %w", err)
	}

	if reviewMode {
		return runReviewMode(store, logger)
	}

	runLock := scheduler.NewRunLock(pheromonesDir)
	if err := runLock.Acquire(); err != nil {
		return fmt.Errorf("stigmergy: acquire run lock: %w", err)
	}
	defer runLock.Release()

	gateway := llm.New(llm.Config{
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		MaxResponseTokens: cfg.LLM.MaxResponseTokens,
		RetryAttempts:     cfg.LLM.RetryAttempts,
		RetryBackoff:      toDurations(cfg.LLM.RetryBackoff),
		MaxTokensTotal:     cfg.LLM.MaxTokensTotal,
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            os.Getenv(cfg.LLM.APIKeyEnv),
		PricingURL:        cfg.LLM.PricingURL,
		StrictPricing:     cfg.LLM.StrictPricing,
		RequestTimeout:    cfg.LLM.RequestTimeout.Duration,
		MaxBudgetUSD:      cfg.LLM.MaxBudgetUSD,
	}, logger)

	ctx := context.Background()
	if cfg.LLM.MaxBudgetUSD > 0 {
		if err := gateway.FetchPricing(ctx); err != nil {
			return fmt.Errorf("stigmergy: fetch pricing: %w", err)
		}
	}

	transformer := &agent.Transformer{
		Base: &agent.Base{
			AgentName:      "transformer",
			Config:         promptConfig(cfg),
			Store:          store,
			TargetRepoPath: cfg.Runtime.RepoPath,
			Gateway:        gateway,
			Logger:         logger,
		},
		SyntaxGate: capability.SyntaxGateConfig{
			Enabled:           cfg.Transformer.SyntaxGateEnabled,
			RepairAttemptsMax: cfg.Transformer.RepairAttemptsMax,
		},
		LineThreshold:       cfg.Transformer.LineThreshold,
		MaxFewShotExamples:  cfg.Transformer.MaxFewShotExamples,
		MaxRetryIssuesLarge: cfg.Transformer.MaxRetryIssuesLarge,
		IntensityMin:        cfg.Transformer.IntensityMin,
		InhibitionThreshold: cfg.Transformer.InhibitionThreshold,
		Validator:           capability.DefaultPythonSyntaxValidator(cfg.Runtime.RepoPath),
	}

	agents := []agent.Agent{
		&agent.Scout{
			Base: &agent.Base{
				AgentName:      "scout",
				Config:         promptConfig(cfg),
				Store:          store,
				TargetRepoPath: cfg.Runtime.RepoPath,
				Gateway:        gateway,
				Logger:         logger,
			},
			DiscoverConfig: capability.DiscoverConfig{
				IncludeExtensions: cfg.Scout.IncludeExtensions,
				NonPythonEnabled:  cfg.Scout.NonPythonEnabled,
				MaxTextFileBytes:  cfg.Scout.MaxTextFileBytes,
				Patterns:          capability.DefaultPatterns(),
				IntensityClampMin: cfg.Pheromones.TaskIntensityClampMin,
				IntensityClampMax: cfg.Pheromones.TaskIntensityClampMax,
				LLMAnalysisEnabled: cfg.Scout.LLMAnalysisEnabled,
			},
		},
		transformer,
		&agent.Tester{
			Base: &agent.Base{
				AgentName:      "tester",
				Config:         promptConfig(cfg),
				Store:          store,
				TargetRepoPath: cfg.Runtime.RepoPath,
				Gateway:        gateway,
				Logger:         logger,
			},
		},
		&agent.Validator{
			Base: &agent.Base{
				AgentName:      "validator",
				Config:         promptConfig(cfg),
				Store:          store,
				TargetRepoPath: cfg.Runtime.RepoPath,
				Gateway:        gateway,
				Logger:         logger,
			},
			Thresholds: capability.ValidateThresholds{
				ConfidenceHigh: cfg.Validator.ConfidenceHigh,
				ConfidenceLow:  cfg.Validator.ConfidenceLow,
				MaxRetryCount:  cfg.Thresholds.MaxRetryCount,
			},
			DryRun: cfg.Runtime.DryRun,
		},
	}

	tickSetter := func(tick int) { transformer.CurrentTick = tick }

	sched := scheduler.New(scheduler.Config{
		MaxTicks:         cfg.Loop.MaxTicks,
		IdleCyclesToStop: cfg.Loop.IdleCyclesToStop,
		MaxTokensTotal:   cfg.LLM.MaxTokensTotal,
	}, store, gateway, agents, tickSetter, logger)

	collector := metrics.NewCollector(store.AuditLogPath(), cfg.Metrics.StarvationThreshold)

	result, err := sched.Run(ctx, collector)
	if err != nil {
		return fmt.Errorf("stigmergy: scheduler run: %w", err)
	}
	logger.Info("run complete", "stop_reason", result.StopReason, "ticks_run", result.TicksRun)

	return exportResults(cfg, collector, string(result.StopReason))
}

func toDurations(in []config.Duration) []time.Duration {
	out := make([]time.Duration, len(in))
	for i, d := range in {
		out[i] = d.Duration
	}
	return out
}

func promptConfig(cfg *config.Config) map[string]any {
	prompts := map[string]any{}
	if cfg.Prompts.DisablePreamble {
		prompts["stigmergic_preamble"] = ""
	} else if cfg.Prompts.StigmergicPreamble != "" {
		prompts["stigmergic_preamble"] = cfg.Prompts.StigmergicPreamble
	}
	return map[string]any{"prompts": prompts}
}

func resetPheromoneState(dir string) error {
	for _, name := range []string{"tasks.json", "status.json", "quality.json", "audit_log.jsonl"} {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func exportResults(cfg *config.Config, collector *metrics.Collector, stopReason string) error {
	if err := metrics.EnsureOutputDir(cfg.Runtime.OutputDir); err != nil {
		return err
	}
	if err := metrics.WriteTicksCSV(filepath.Join(cfg.Runtime.OutputDir, "ticks.csv"), collector.TickRows); err != nil {
		return err
	}
	summary := collector.BuildSummary(stopReason)
	if err := metrics.WriteSummaryJSON(filepath.Join(cfg.Runtime.OutputDir, "summary.json"), summary); err != nil {
		return err
	}
	if cfg.Metrics.WriteManifest {
		manifest := map[string]any{
			"repo_path":   cfg.Runtime.RepoPath,
			"repo_ref":    cfg.Runtime.RepoRef,
			"model":       cfg.LLM.Model,
			"max_ticks":   cfg.Loop.MaxTicks,
			"stop_reason": stopReason,
		}
		if err := metrics.WriteManifestJSON(filepath.Join(cfg.Runtime.OutputDir, "manifest.json"), manifest); err != nil {
			return err
		}
	}
	return nil
}

// runReviewMode iterates needs_review status entries and applies an
// operator decision per file, grounded on main.py's _run_review_mode.
func runReviewMode(store *pheromone.Store, logger *slog.Logger) error {
	entries, err := store.Query(pheromone.Status, []pheromone.Filter{{Field: "status", Op: "eq", Value: "needs_review"}})
	if err != nil {
		return fmt.Errorf("stigmergy: query needs_review: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("no files awaiting review")
		return nil
	}

	reader := bufio.NewReader(os.Stdin)
	for fileKey := range entries {
		fmt.Printf("%s: [v]alidate / [r]etry / [s]kip ? ", fileKey)
		line, _ := reader.ReadString('\n')
		choice := strings.ToLower(strings.TrimSpace(line))

		var nextStatus string
		switch choice {
		case "v", "validate":
			nextStatus = "validated"
		case "r", "retry":
			nextStatus = "retry"
		case "s", "skip":
			nextStatus = "skipped"
		default:
			fmt.Println("unrecognized choice, skipping this file")
			continue
		}

		if err := store.Update(pheromone.Status, fileKey, map[string]any{
			"status": nextStatus,
		}, "human-review"); err != nil {
			logger.Error("review decision failed", "file_key", fileKey, "error", err)
			return err
		}
	}
	return nil
}
