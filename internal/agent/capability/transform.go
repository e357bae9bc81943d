package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/stigmergic-migrate/coordinator/internal/llm"
	"github.com/stigmergic-migrate/coordinator/internal/pheromone"
)

// TransformerRolePrompt is the Transformer's role-specific system
// prompt suffix.
const TransformerRolePrompt = `You are the Transformer. Convert the given file to remove the
reported migration traces while preserving behavior. Return only the
complete converted file.`

// TransformCandidate is one file eligible for transformation, paired
// with its task/status context.
type TransformCandidate struct {
	FileKey     string
	TaskEntry   pheromone.Entry
	StatusEntry pheromone.Entry
	Intensity   float64
	Inhibition  float64
}

// SelectTransformCandidates implements the three-tier priority
// selection: preferred (high intensity, low inhibition), fallback
// (any intensity, low inhibition), starved (inhibited-only). Exactly
// one non-empty tier is returned, each sorted per its own rule.
func SelectTransformCandidates(tasks, status pheromone.NamespaceData, intensityMin, inhibitionThreshold float64) []TransformCandidate {
	var preferred, fallback, inhibited []TransformCandidate

	for fileKey, statusEntry := range status {
		s, _ := statusEntry["status"].(string)
		if s != "pending" && s != "retry" {
			continue
		}
		taskEntry := tasks[fileKey]
		intensity, _ := taskEntry["intensity"].(float64)
		inhibition, _ := statusEntry["inhibition"].(float64)
		cand := TransformCandidate{FileKey: fileKey, TaskEntry: taskEntry, StatusEntry: statusEntry, Intensity: intensity, Inhibition: inhibition}

		if inhibition < inhibitionThreshold {
			fallback = append(fallback, cand)
			if intensity >= intensityMin {
				preferred = append(preferred, cand)
			}
		} else {
			inhibited = append(inhibited, cand)
		}
	}

	switch {
	case len(preferred) > 0:
		sort.Slice(preferred, func(i, j int) bool {
			if preferred[i].Intensity != preferred[j].Intensity {
				return preferred[i].Intensity > preferred[j].Intensity
			}
			return preferred[i].FileKey < preferred[j].FileKey
		})
		return preferred
	case len(fallback) > 0:
		sort.Slice(fallback, func(i, j int) bool {
			if fallback[i].Intensity != fallback[j].Intensity {
				return fallback[i].Intensity > fallback[j].Intensity
			}
			return fallback[i].FileKey < fallback[j].FileKey
		})
		return fallback
	default:
		sort.Slice(inhibited, func(i, j int) bool {
			if inhibited[i].Inhibition != inhibited[j].Inhibition {
				return inhibited[i].Inhibition < inhibited[j].Inhibition
			}
			if inhibited[i].Intensity != inhibited[j].Intensity {
				return inhibited[i].Intensity > inhibited[j].Intensity
			}
			return inhibited[i].FileKey < inhibited[j].FileKey
		})
		return inhibited
	}
}

// TransformResult is what Transformer.Deposit branches on.
type TransformResult struct {
	FileKey           string
	Success           bool
	Retryable         bool
	Error             string
	RetryCount        int
	Inhibition        float64
	TokensUsed        int
	LatencyMs         int64
	DiffLines         int
	Patterns          []string
	RepairAttemptsUsed int
	SyntaxGatePassed  bool
	LargeFileMode     bool
	FileKind          string
	TransformMode     string
}

// SyntaxGateConfig controls the Transformer's self-repair loop.
type SyntaxGateConfig struct {
	Enabled           bool
	RepairAttemptsMax int
}

// SyntaxValidator checks the transformed content for syntax errors,
// returning a human-readable message ("" if valid). Injectable so
// tests can stub it out without a real interpreter.
type SyntaxValidator func(content string) string

// TransformFile calls the gateway, extracts the code block, runs the
// syntax-gate repair loop for python files, writes the result, and
// reports the diff size — mirroring transform_file in
// agents/capabilities/transform.py. The caller takes the scope lock
// (status in_progress) before calling it.
func TransformFile(ctx context.Context, repoPath string, gateway *llm.Gateway, fileKey, prompt, systemPrompt string, retryCount int, inhibition float64, fileKind string, gate SyntaxGateConfig, validate SyntaxValidator) TransformResult {
	if fileKind == "" {
		fileKind = inferFileKind(fileKey)
	}
	result := TransformResult{FileKey: fileKey, RetryCount: retryCount, Inhibition: inhibition, FileKind: fileKind, SyntaxGatePassed: true}

	resp, err := gateway.Call(ctx, prompt, systemPrompt)
	if err != nil {
		result.Error = err.Error()
		result.Retryable = false
		result.TransformMode = "unknown"
		return result
	}
	result.TokensUsed = resp.TokensUsed
	result.LatencyMs = resp.LatencyMs

	content := llm.ExtractCodeBlock(resp.Content)
	if content == "" {
		result.Error = "empty code block extracted from model response"
		result.Retryable = true
		result.RetryCount = retryCount + 1
		result.Inhibition = inhibition + 0.5
		result.TransformMode = transformMode(fileKind)
		return result
	}

	if fileKind == "python" && gate.Enabled && validate != nil {
		attempts := 0
		for {
			issue := validate(content)
			if issue == "" {
				break
			}
			attempts++
			if attempts > gate.RepairAttemptsMax {
				result.Error = fmt.Sprintf("syntax gate failed after %d repair attempts: %s", gate.RepairAttemptsMax, issue)
				result.Retryable = true
				result.RetryCount = retryCount + 1
				result.Inhibition = inhibition + 0.5
				result.RepairAttemptsUsed = attempts - 1
				result.SyntaxGatePassed = false
				result.TransformMode = transformMode(fileKind)
				return result
			}
			repairPrompt := buildSyntaxRepairPrompt(content, issue)
			repairResp, repairErr := gateway.Call(ctx, repairPrompt, systemPrompt)
			if repairErr != nil {
				result.Error = repairErr.Error()
				result.Retryable = true
				result.RetryCount = retryCount + 1
				result.Inhibition = inhibition + 0.5
				result.RepairAttemptsUsed = attempts
				result.SyntaxGatePassed = false
				result.TransformMode = transformMode(fileKind)
				return result
			}
			result.TokensUsed += repairResp.TokensUsed
			result.LatencyMs += repairResp.LatencyMs
			content = llm.ExtractCodeBlock(repairResp.Content)
		}
		result.RepairAttemptsUsed = attempts
	}

	fullPath := filepath.Join(repoPath, fileKey)
	original, readErr := os.ReadFile(fullPath)
	if readErr != nil {
		result.Error = readErr.Error()
		result.Retryable = false
		result.TransformMode = "unknown"
		return result
	}
	finalContent := strings.TrimRight(content, "\n") + "\n"
	if err := os.WriteFile(fullPath, []byte(finalContent), 0o644); err != nil {
		result.Error = err.Error()
		result.Retryable = false
		result.TransformMode = "unknown"
		return result
	}

	result.Success = true
	result.DiffLines = countDiffLines(string(original), finalContent)
	result.TransformMode = transformMode(fileKind)
	return result
}

func transformMode(fileKind string) string {
	if fileKind == "python" {
		return "python_syntax_gate"
	}
	return "text_full_file"
}

func buildSyntaxRepairPrompt(content, issue string) string {
	return "The following code failed to parse: " + issue +
		"\n\nFix only the syntax error and return the complete corrected file.\n\n---\n" + content + "\n---"
}

// countDiffLines counts +/- lines in a unified diff, excluding
// +++/---/@@ headers, matching _count_diff_lines.
func countDiffLines(before, after string) int {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "before",
		ToFile:   "after",
		Context:  0,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return 0
	}
	count := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") || strings.HasPrefix(line, "@@") {
			continue
		}
		if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
			count++
		}
	}
	return count
}

// CollectFewShotExamples harvests up to maxExamples validated,
// high-confidence files whose detected patterns overlap the target's,
// matching collect_few_shot_examples.
func CollectFewShotExamples(repoPath string, status, quality, tasks pheromone.NamespaceData, targetPatterns []string, targetFileKey string, maxExamples int) []string {
	if maxExamples <= 0 {
		return nil
	}
	targetSet := map[string]bool{}
	for _, p := range targetPatterns {
		targetSet[p] = true
	}

	var keys []string
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var examples []string
	for _, fileKey := range keys {
		if len(examples) >= maxExamples {
			break
		}
		if fileKey == targetFileKey {
			continue
		}
		s, _ := status[fileKey]["status"].(string)
		if s != "validated" {
			continue
		}
		q := quality[fileKey]
		confidence, _ := q["confidence"].(float64)
		if confidence < 0.8 {
			continue
		}
		task := tasks[fileKey]
		kind, _ := task["file_kind"].(string)
		if kind != "python" {
			continue
		}
		if len(targetSet) > 0 {
			overlap := false
			for _, n := range stringSliceAny(task["patterns_found"]) {
				if targetSet[n] {
					overlap = true
					break
				}
			}
			if !overlap {
				continue
			}
		}
		content, err := os.ReadFile(filepath.Join(repoPath, fileKey))
		if err != nil {
			continue
		}
		examples = append(examples, fmt.Sprintf("Example (%s):\n---\n%s\n---", fileKey, string(content)))
	}
	return examples
}

// BuildRetryContext formats the prior failure's quality issues into a
// retry-context block, or "" if retryCount is 0, matching
// build_retry_context.
func BuildRetryContext(issues []string, retryCount int, maxIssues int) string {
	if retryCount <= 0 {
		return ""
	}
	if maxIssues > 0 && len(issues) > maxIssues {
		issues = issues[:maxIssues]
	}
	if len(issues) == 0 {
		return "Retry context from previous failures: no specific issues recorded."
	}
	var b strings.Builder
	b.WriteString("Retry context from previous failures:\n")
	for _, issue := range issues {
		b.WriteString("- " + issue + "\n")
	}
	return b.String()
}

func inferFileKind(fileKey string) string {
	if strings.HasSuffix(fileKey, ".py") {
		return "python"
	}
	return "text"
}

// stringSliceAny coerces a pheromone field to []string regardless of
// whether it arrived as a Go literal ([]string) or round-tripped
// through the JSON store, where encoding/json always decodes arrays
// as []interface{}.
func stringSliceAny(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, elem := range t {
			s, ok := elem.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}
