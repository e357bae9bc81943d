package agent

import (
	"context"
	"sort"

	"github.com/stigmergic-migrate/coordinator/internal/agent/capability"
	"github.com/stigmergic-migrate/coordinator/internal/pheromone"
)

var terminalStatuses = map[string]bool{"validated": true, "skipped": true, "needs_review": true}

// Scout discovers migration-target files and deposits task/status
// pheromones for them, grounded on agents/scout.py.
type Scout struct {
	*Base
	DiscoverConfig capability.DiscoverConfig
}

type scoutPerception struct {
	candidateFiles []string
}

func (s *Scout) Perceive(ctx context.Context) (any, error) {
	tasks, err := s.Store.ReadAll(pheromone.Tasks)
	if err != nil {
		return nil, err
	}
	status, err := s.Store.ReadAll(pheromone.Status)
	if err != nil {
		return nil, err
	}
	allFileKeys, err := capability.DiscoverCandidateFiles(s.TargetRepoPath, s.DiscoverConfig)
	if err != nil {
		return nil, err
	}

	var candidates []string
	for _, fileKey := range allFileKeys {
		if _, known := tasks[fileKey]; known {
			continue
		}
		if st, ok := status[fileKey]; ok {
			if name, _ := st["status"].(string); terminalStatuses[name] {
				continue
			}
		}
		candidates = append(candidates, fileKey)
	}
	sort.Strings(candidates)
	return scoutPerception{candidateFiles: candidates}, nil
}

func (s *Scout) ShouldAct(perception any) bool {
	p := perception.(scoutPerception)
	return len(p.candidateFiles) > 0
}

func (s *Scout) Decide(ctx context.Context, perception any) (any, error) {
	p := perception.(scoutPerception)
	systemPrompt := s.BuildSystemPrompt(capability.ScoutRolePrompt)
	analyses, err := capability.DiscoverFiles(ctx, s.TargetRepoPath, p.candidateFiles, s.DiscoverConfig, s.Gateway, systemPrompt)
	if err != nil {
		return nil, err
	}
	return analyses, nil
}

func (s *Scout) Execute(ctx context.Context, action any) (any, error) {
	analyses := action.([]*capability.FileAnalysis)
	entries := capability.NormalizeEntries(analyses, s.DiscoverConfig.IntensityClampMin, s.DiscoverConfig.IntensityClampMax)
	return entries, nil
}

func (s *Scout) Deposit(ctx context.Context, result any) error {
	entries := result.([]capability.NormalizedEntry)
	for _, entry := range entries {
		taskPayload := pheromone.Entry{
			"intensity":       entry.Intensity,
			"patterns_found":  entry.PatternsFound,
			"pattern_count":   entry.PatternCount,
			"pattern_details": entry.PatternDetails,
			"dependencies":    entry.Dependencies,
			"dep_count":       entry.DepCount,
			"analysis_source": entry.AnalysisSource,
			"file_kind":       entry.FileKind,
			"file_extension":  entry.FileExtension,
		}
		if err := s.Store.Write(pheromone.Tasks, entry.FileKey, taskPayload, s.Name()); err != nil {
			return err
		}

		statusPayload := pheromone.Entry{
			"status":      "pending",
			"retry_count": 0,
			"inhibition":  0.0,
			"metadata": map[string]any{
				"patterns_found": entry.PatternsFound,
				"file_kind":      entry.FileKind,
			},
		}
		if err := s.Store.Write(pheromone.Status, entry.FileKey, statusPayload, s.Name()); err != nil {
			return err
		}
	}
	return nil
}
