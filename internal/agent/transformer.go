package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/stigmergic-migrate/coordinator/internal/agent/capability"
	"github.com/stigmergic-migrate/coordinator/internal/pheromone"
)

// Transformer consumes pending/retry task pheromones and produces
// transformed files, grounded on agents/transformer.py.
type Transformer struct {
	*Base
	SyntaxGate          capability.SyntaxGateConfig
	LineThreshold        int
	MaxFewShotExamples   int
	MaxRetryIssuesLarge  int
	IntensityMin         float64
	InhibitionThreshold  float64
	Validator            capability.SyntaxValidator
	CurrentTick          int
}

type transformerAction struct {
	candidate     capability.TransformCandidate
	sourceContent string
	patterns      []string
	prompt        string
	systemPrompt  string
	largeFileMode bool
	fileKind      string
}

func (t *Transformer) Perceive(ctx context.Context) (any, error) {
	tasks, err := t.Store.ReadAll(pheromone.Tasks)
	if err != nil {
		return nil, err
	}
	status, err := t.Store.ReadAll(pheromone.Status)
	if err != nil {
		return nil, err
	}
	return capability.SelectTransformCandidates(tasks, status, t.IntensityMin, t.InhibitionThreshold), nil
}

func (t *Transformer) ShouldAct(perception any) bool {
	return len(perception.([]capability.TransformCandidate)) > 0
}

func (t *Transformer) Decide(ctx context.Context, perception any) (any, error) {
	candidate := perception.([]capability.TransformCandidate)[0]
	fileKey := candidate.FileKey

	sourceBytes, err := os.ReadFile(filepath.Join(t.TargetRepoPath, fileKey))
	if err != nil {
		return nil, err
	}
	source := string(sourceBytes)
	fileKind, _ := candidate.TaskEntry["file_kind"].(string)
	if fileKind == "" {
		fileKind = inferFileKindTransformer(fileKey)
	}

	lineCount := strings.Count(source, "\n") + 1
	patterns, _ := toStringSlice(candidate.TaskEntry["patterns_found"])

	largeFileMode := false
	var fewShot []string
	var retryContext string

	if fileKind == "python" {
		largeFileMode = lineCount >= t.LineThreshold
		maxFewShot := 3
		maxRetryIssues := 0
		if largeFileMode {
			maxFewShot = t.MaxFewShotExamples
			maxRetryIssues = t.MaxRetryIssuesLarge
		}
		tasks, _ := t.Store.ReadAll(pheromone.Tasks)
		status, _ := t.Store.ReadAll(pheromone.Status)
		quality, _ := t.Store.ReadAll(pheromone.Quality)
		fewShot = capability.CollectFewShotExamples(t.TargetRepoPath, status, quality, tasks, patterns, fileKey, maxFewShot)

		retryCount, _ := toIntAny(candidate.StatusEntry["retry_count"])
		var issues []string
		if q, ok := quality[fileKey]; ok {
			if raw, ok := toStringSlice(q["issues"]); ok {
				issues = raw
			}
		}
		retryContext = capability.BuildRetryContext(issues, retryCount, maxRetryIssues)
	}

	prompt := t.buildPrompt(fileKey, source, patterns, fewShot, retryContext, fileKind)

	return transformerAction{
		candidate:     candidate,
		sourceContent: source,
		patterns:      patterns,
		prompt:        prompt,
		systemPrompt:  t.BuildSystemPrompt(capability.TransformerRolePrompt),
		largeFileMode: largeFileMode,
		fileKind:      fileKind,
	}, nil
}

func (t *Transformer) buildPrompt(fileKey, source string, patterns, fewShot []string, retryContext, fileKind string) string {
	if fileKind != "python" {
		return "Update this text file so it matches a completed Python 3 migration.\n\n" +
			"File: " + fileKey + "\n\nSource file:\n---\n" + source + "\n---\n" +
			"Return ONLY the complete updated file, no explanations."
	}
	var b strings.Builder
	b.WriteString("Convert this Python 2 file to Python 3.\n\n")
	b.WriteString("File: " + fileKey + "\n\n")
	b.WriteString("Patterns to address: " + strings.Join(patterns, ", ") + "\n\n")
	if len(fewShot) > 0 {
		b.WriteString("Few-shot examples from validated traces:\n")
		for _, ex := range fewShot {
			b.WriteString(ex + "\n\n")
		}
	}
	if retryContext != "" {
		b.WriteString(retryContext + "\n\n")
	}
	b.WriteString("Source file:\n---\n" + source + "\n---\n\n")
	b.WriteString("Return ONLY the complete converted Python 3 file.")
	return b.String()
}

func (t *Transformer) Execute(ctx context.Context, action any) (any, error) {
	a := action.(transformerAction)
	retryCount, _ := toIntAny(a.candidate.StatusEntry["retry_count"])
	inhibition, _ := a.candidate.StatusEntry["inhibition"].(float64)

	if err := t.Store.Update(pheromone.Status, a.candidate.FileKey, map[string]any{
		"status":          "in_progress",
		"previous_status": a.candidate.StatusEntry["status"],
		"retry_count":     retryCount,
		"inhibition":      inhibition,
		"current_tick":    t.CurrentTick,
	}, t.Name()); err != nil {
		return nil, err
	}

	result := capability.TransformFile(ctx, t.TargetRepoPath, t.Gateway, a.candidate.FileKey, a.prompt, a.systemPrompt, retryCount, inhibition, a.fileKind, t.SyntaxGate, t.Validator)
	result.LargeFileMode = a.largeFileMode
	result.Patterns = a.patterns
	return result, nil
}

func (t *Transformer) Deposit(ctx context.Context, result any) error {
	r := result.(capability.TransformResult)

	if r.Success {
		return t.Store.Update(pheromone.Status, r.FileKey, map[string]any{
			"status":          "transformed",
			"previous_status": "in_progress",
			"retry_count":     r.RetryCount,
			"inhibition":      r.Inhibition,
			"metadata": map[string]any{
				"tokens_used":          r.TokensUsed,
				"latency_ms":           r.LatencyMs,
				"diff_lines":           r.DiffLines,
				"patterns_migrated":    r.Patterns,
				"repair_attempts_used": r.RepairAttemptsUsed,
				"syntax_gate_passed":   r.SyntaxGatePassed,
				"large_file_mode":      r.LargeFileMode,
				"file_kind":            r.FileKind,
				"transform_mode":       r.TransformMode,
			},
		}, t.Name())
	}

	if r.Retryable {
		return t.Store.Update(pheromone.Status, r.FileKey, map[string]any{
			"status":          "retry",
			"previous_status": "in_progress",
			"retry_count":     r.RetryCount,
			"inhibition":      r.Inhibition,
			"metadata": map[string]any{
				"error": r.Error,
				"transformer_syntax_gate_failed": true,
				"repair_attempts_used":           r.RepairAttemptsUsed,
				"file_kind":                      r.FileKind,
				"transform_mode":                 r.TransformMode,
			},
		}, t.Name())
	}

	return t.Store.Update(pheromone.Status, r.FileKey, map[string]any{
		"status":          "failed",
		"previous_status": "in_progress",
		"retry_count":     r.RetryCount,
		"inhibition":      r.Inhibition,
		"metadata": map[string]any{
			"error":     r.Error,
			"file_kind": r.FileKind,
		},
	}, t.Name())
}

func inferFileKindTransformer(fileKey string) string {
	if strings.HasSuffix(fileKey, ".py") {
		return "python"
	}
	return "text"
}
