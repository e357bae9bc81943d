// Package capability holds the shared logic each specialized agent's
// Decide/Execute delegates to — discovery, transformation, testing,
// and validation — mirroring agents/capabilities/*.py.
//
// Pattern-detection regex specifics are an explicit spec non-goal:
// the bank below is representative, not exhaustive. Callers can pass
// their own bank through DiscoverConfig.Patterns; the YAML config has
// no pattern settings, and the CLI always uses DefaultPatterns.
package capability

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/stigmergic-migrate/coordinator/internal/llm"
)

// ScoutRolePrompt is the Scout's role-specific system prompt suffix.
const ScoutRolePrompt = `You are the Scout. Identify Python 2 migration traces in the given
file and report them as structured findings; do not modify the file.`

var defaultExcludedDirs = map[string]bool{
	".git": true, ".venv": true, "__pycache__": true,
	".pytest_cache": true, ".mypy_cache": true, ".ruff_cache": true,
}

// PatternSpec is one configurable regex-detected migration trace.
type PatternSpec struct {
	Name   string
	Regex  *regexp.Regexp
	Weight float64
}

// DefaultSeverityWeights mirrors SEVERITY_WEIGHTS: how much a single
// occurrence of a pattern contributes to a file's raw score.
func DefaultSeverityWeights() map[string]float64 {
	return map[string]float64{
		"print_statement": 1.0,
		"exec_statement":  1.0,
		"has_key":         0.8,
		"xrange":          0.6,
		"basestring":      0.6,
		"unicode_literal": 0.6,
		"raw_input":       0.5,
		"iteritems":       0.5,
		"old_style_class": 0.7,
		"urllib_import":   0.8,
		"future_imports":  0.3,
	}
}

// DefaultPatterns returns the built-in regex bank. Callers may extend
// or replace this list via DiscoverConfig.Patterns.
func DefaultPatterns() []PatternSpec {
	weights := DefaultSeverityWeights()
	mustCompile := func(name, expr string) PatternSpec {
		return PatternSpec{Name: name, Regex: regexp.MustCompile(expr), Weight: weights[name]}
	}
	return []PatternSpec{
		mustCompile("print_statement", `(?m)^\s*print\s+[^(]`),
		mustCompile("exec_statement", `(?m)^\s*exec\s+[^(]`),
		mustCompile("has_key", `\.has_key\(`),
		mustCompile("xrange", `\bxrange\(`),
		mustCompile("basestring", `\bbasestring\b`),
		mustCompile("unicode_literal", `\bunicode\(`),
		mustCompile("raw_input", `\braw_input\(`),
		mustCompile("iteritems", `\.iter(items|keys|values)\(`),
		mustCompile("old_style_class", `(?m)^class\s+\w+\s*:\s*$`),
		mustCompile("urllib_import", `(?m)^\s*import\s+(urllib2|urlparse)\b`),
	}
}

var futureImportRE = regexp.MustCompile(`from __future__ import`)

// DiscoverConfig controls file discovery and pattern detection.
type DiscoverConfig struct {
	IncludeExtensions   []string
	NonPythonEnabled    bool
	MaxTextFileBytes    int64
	Patterns            []PatternSpec
	IntensityClampMin   float64
	IntensityClampMax   float64
	LLMAnalysisEnabled  bool
}

// PatternHit is one detected occurrence.
type PatternHit struct {
	Name string
	Line int
}

// FileAnalysis is the per-file result of discovery, prior to
// intensity normalization across the whole candidate set.
type FileAnalysis struct {
	FileKey       string
	FileKind      string
	FileExtension string
	Patterns      []PatternHit
	Dependencies  []string
	RawScore      float64
	Source        string
}

// DiscoverCandidateFiles walks repoPath and returns every file key
// eligible for analysis: all .py files, plus other extensions when
// non-Python discovery is enabled.
func DiscoverCandidateFiles(repoPath string, cfg DiscoverConfig) ([]string, error) {
	var out []string
	err := filepath.Walk(repoPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(repoPath, path)
		if relErr != nil {
			return relErr
		}
		if info.IsDir() {
			if defaultExcludedDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext == ".py" {
			out = append(out, rel)
			return nil
		}
		if cfg.NonPythonEnabled && containsExt(cfg.IncludeExtensions, ext) {
			out = append(out, rel)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func containsExt(exts []string, ext string) bool {
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}

func inferFileKind(fileKey string) string {
	if strings.HasSuffix(fileKey, ".py") {
		return "python"
	}
	return "text"
}

// AnalyzeFile regex-scans a single file for migration traces,
// returning nil if nothing was found (matching _analyze_text_file's
// "no traces" skip for non-python files; python files always return a
// result since future_imports absence is itself a trace).
func AnalyzeFile(repoPath, fileKey string, cfg DiscoverConfig) (*FileAnalysis, error) {
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	raw, err := os.ReadFile(filepath.Join(repoPath, fileKey))
	if err != nil {
		return nil, err
	}
	content := string(raw)
	kind := inferFileKind(fileKey)

	var hits []PatternHit
	for _, p := range patterns {
		locs := p.Regex.FindAllStringIndex(content, -1)
		for _, loc := range locs {
			hits = append(hits, PatternHit{Name: p.Name, Line: lineFromOffset(content, loc[0])})
		}
	}
	if kind == "python" && !futureImportRE.MatchString(content) {
		hits = append(hits, PatternHit{Name: "future_imports", Line: 1})
	}
	if len(hits) == 0 && kind != "python" {
		return nil, nil
	}

	deps := detectDependencies(repoPath, content, fileKey)
	weights := DefaultSeverityWeights()
	weighted := 0.0
	for _, h := range hits {
		weighted += weights[h.Name]
	}
	rawScore := weighted*0.6 + float64(len(deps))*0.4

	return &FileAnalysis{
		FileKey:       fileKey,
		FileKind:      kind,
		FileExtension: filepath.Ext(fileKey),
		Patterns:      hits,
		Dependencies:  deps,
		RawScore:      rawScore,
		Source:        "regex",
	}, nil
}

var importRE = regexp.MustCompile(`(?m)^\s*(?:from|import)\s+([\w.]+)`)

// detectDependencies resolves local-module imports to candidate file
// keys within the repo, matching _detect_internal_dependencies's
// "module.py or module/__init__.py" resolution heuristic.
func detectDependencies(repoPath, content, fileKey string) []string {
	seen := map[string]bool{}
	var deps []string
	for _, m := range importRE.FindAllStringSubmatch(content, -1) {
		module := strings.ReplaceAll(m[1], ".", "/")
		for _, candidate := range []string{module + ".py", module + "/__init__.py"} {
			if candidate == fileKey || seen[candidate] {
				continue
			}
			if _, err := os.Stat(filepath.Join(repoPath, candidate)); err != nil {
				continue
			}
			seen[candidate] = true
			deps = append(deps, candidate)
			break
		}
	}
	sort.Strings(deps)
	return deps
}

func lineFromOffset(content string, offset int) int {
	return strings.Count(content[:offset], "\n") + 1
}

// DiscoverFiles runs AnalyzeFile over every candidate, optionally
// enriching the regex-only score with an LLM complexity estimate when
// cfg.LLMAnalysisEnabled and a gateway are available. A failed LLM
// call degrades gracefully to the regex-only analysis, matching
// _llm_analyze_file's fallback behavior.
func DiscoverFiles(ctx context.Context, repoPath string, candidates []string, cfg DiscoverConfig, gateway *llm.Gateway, systemPrompt string) ([]*FileAnalysis, error) {
	var analyses []*FileAnalysis
	for _, fileKey := range candidates {
		analysis, err := AnalyzeFile(repoPath, fileKey, cfg)
		if err != nil {
			continue
		}
		if analysis == nil {
			continue
		}
		if cfg.LLMAnalysisEnabled && gateway != nil {
			if score, ok := llmComplexityScore(ctx, gateway, fileKey, analysis, systemPrompt); ok {
				analysis.RawScore = analysis.RawScore*0.7 + score*0.3
				analysis.Source = "llm+regex"
			}
		}
		analyses = append(analyses, analysis)
	}
	return analyses, nil
}

func llmComplexityScore(ctx context.Context, gateway *llm.Gateway, fileKey string, analysis *FileAnalysis, systemPrompt string) (float64, bool) {
	prompt := "Rate the Python-2-to-3 migration complexity of " + fileKey +
		" on a 0-10 scale given these detected traces: " + patternNames(analysis.Patterns) +
		". Respond with only the number."
	resp, err := gateway.Call(ctx, prompt, systemPrompt)
	if err != nil {
		return 0, false
	}
	score, parseErr := strconv.ParseFloat(strings.TrimSpace(resp.Content), 64)
	if parseErr != nil {
		return 0, false
	}
	return score, true
}

func patternNames(hits []PatternHit) string {
	names := make([]string, 0, len(hits))
	for _, h := range hits {
		names = append(names, h.Name)
	}
	return strings.Join(names, ", ")
}

// NormalizedEntry is one Scout deposit-ready task entry.
type NormalizedEntry struct {
	FileKey          string
	Intensity        float64
	PatternsFound    []string
	PatternCount     int
	PatternDetails   []PatternHit
	Dependencies     []string
	DepCount         int
	AnalysisSource   string
	FileKind         string
	FileExtension    string
	LLMComplexity    *float64
}

// NormalizeEntries min-max normalizes raw_score across the batch into
// [clampMin, clampMax], falling back to 0.5 for every entry in the
// degenerate all-equal case, matching normalize_discovered_entries.
func NormalizeEntries(analyses []*FileAnalysis, clampMin, clampMax float64) []NormalizedEntry {
	if clampMax <= clampMin {
		clampMin, clampMax = 0.1, 1.0
	}
	if len(analyses) == 0 {
		return nil
	}
	min, max := analyses[0].RawScore, analyses[0].RawScore
	for _, a := range analyses {
		if a.RawScore < min {
			min = a.RawScore
		}
		if a.RawScore > max {
			max = a.RawScore
		}
	}
	entries := make([]NormalizedEntry, 0, len(analyses))
	for _, a := range analyses {
		intensity := 0.5
		if max > min {
			intensity = clampMin + (a.RawScore-min)/(max-min)*(clampMax-clampMin)
		}
		names := make([]string, 0, len(a.Patterns))
		for _, h := range a.Patterns {
			names = append(names, h.Name)
		}
		entries = append(entries, NormalizedEntry{
			FileKey:        a.FileKey,
			Intensity:      intensity,
			PatternsFound:  names,
			PatternCount:   len(a.Patterns),
			PatternDetails: a.Patterns,
			Dependencies:   a.Dependencies,
			DepCount:       len(a.Dependencies),
			AnalysisSource: a.Source,
			FileKind:       a.FileKind,
			FileExtension:  a.FileExtension,
		})
	}
	return entries
}
