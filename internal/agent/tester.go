package agent

import (
	"context"

	"github.com/stigmergic-migrate/coordinator/internal/agent/capability"
	"github.com/stigmergic-migrate/coordinator/internal/pheromone"
)

// Tester evaluates transformed files and deposits quality pheromones,
// grounded on agents/tester.py.
type Tester struct {
	*Base
}

func (te *Tester) Perceive(ctx context.Context) (any, error) {
	status, err := te.Store.Query(pheromone.Status, []pheromone.Filter{{Field: "status", Op: "eq", Value: "transformed"}})
	if err != nil {
		return nil, err
	}
	var fileKeys []string
	for k := range status {
		fileKeys = append(fileKeys, k)
	}
	return fileKeys, nil
}

func (te *Tester) ShouldAct(perception any) bool {
	return len(perception.([]string)) > 0
}

func (te *Tester) Decide(ctx context.Context, perception any) (any, error) {
	fileKeys := perception.([]string)
	return fileKeys[0], nil
}

func (te *Tester) Execute(ctx context.Context, action any) (any, error) {
	fileKey := action.(string)
	return capability.TestFile(ctx, te.TargetRepoPath, fileKey), nil
}

func (te *Tester) Deposit(ctx context.Context, result any) error {
	r := result.(capability.TestResult)

	qualityPayload := pheromone.Entry{
		"confidence":  r.Confidence,
		"tests_total": r.TestsTotal,
		"passed":      r.Passed,
		"failed":      r.Failed,
		"coverage":    r.Coverage,
		"issues":      r.Issues,
		"metadata": map[string]any{
			"test_mode": r.TestMode,
			"test_file": r.TestFile,
		},
	}
	if err := te.Store.Write(pheromone.Quality, r.FileKey, qualityPayload, te.Name()); err != nil {
		return err
	}

	return te.Store.Update(pheromone.Status, r.FileKey, map[string]any{
		"status": "tested",
		"metadata": map[string]any{
			"tests_failed": r.Failed,
			"coverage":     r.Coverage,
			"test_mode":    r.TestMode,
		},
	}, te.Name())
}
