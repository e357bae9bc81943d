package agent

import (
	"context"

	"github.com/stigmergic-migrate/coordinator/internal/agent/capability"
	"github.com/stigmergic-migrate/coordinator/internal/pheromone"
)

// Validator applies the confidence-threshold decision tree to tested
// files, committing, escalating for human review, or rolling back,
// grounded on agents/validator.py and agents/capabilities/validate.py.
type Validator struct {
	*Base
	Thresholds capability.ValidateThresholds
	DryRun     bool
}

type validatorAction struct {
	fileKey    string
	confidence float64
	retryCount int
	inhibition float64
}

func (v *Validator) Perceive(ctx context.Context) (any, error) {
	status, err := v.Store.Query(pheromone.Status, []pheromone.Filter{{Field: "status", Op: "eq", Value: "tested"}})
	if err != nil {
		return nil, err
	}
	var fileKeys []string
	for k := range status {
		fileKeys = append(fileKeys, k)
	}
	return fileKeys, nil
}

func (v *Validator) ShouldAct(perception any) bool {
	return len(perception.([]string)) > 0
}

func (v *Validator) Decide(ctx context.Context, perception any) (any, error) {
	fileKey := perception.([]string)[0]
	quality, _, err := v.Store.ReadOne(pheromone.Quality, fileKey)
	if err != nil {
		return nil, err
	}
	status, _, err := v.Store.ReadOne(pheromone.Status, fileKey)
	if err != nil {
		return nil, err
	}
	confidence, _ := quality["confidence"].(float64)
	retryCount, _ := toIntAny(status["retry_count"])
	inhibition, _ := status["inhibition"].(float64)
	return validatorAction{fileKey: fileKey, confidence: confidence, retryCount: retryCount, inhibition: inhibition}, nil
}

type validatorResult struct {
	fileKey    string
	decision   capability.ValidateDecision
	commitErr  error
}

func (v *Validator) Execute(ctx context.Context, action any) (any, error) {
	a := action.(validatorAction)
	decision := capability.ValidateFile(a.confidence, a.retryCount, a.inhibition, v.Thresholds)

	var err error
	if !v.DryRun {
		switch decision.Status {
		case "validated":
			err = capability.CommitFile(v.TargetRepoPath, a.fileKey, decision.UpdatedConfidence)
		case "retry", "skipped":
			err = capability.RollbackFile(v.TargetRepoPath, a.fileKey)
		}
	}
	return validatorResult{fileKey: a.fileKey, decision: decision, commitErr: err}, nil
}

func (v *Validator) Deposit(ctx context.Context, result any) error {
	r := result.(validatorResult)
	if r.commitErr != nil {
		return v.Store.Update(pheromone.Status, r.fileKey, map[string]any{
			"status": "failed",
			"metadata": map[string]any{
				"error": r.commitErr.Error(),
			},
		}, v.Name())
	}

	if err := v.Store.Update(pheromone.Quality, r.fileKey, map[string]any{
		"confidence": r.decision.UpdatedConfidence,
	}, v.Name()); err != nil {
		return err
	}

	return v.Store.Update(pheromone.Status, r.fileKey, map[string]any{
		"status":      r.decision.Status,
		"retry_count": r.decision.NextRetryCount,
		"inhibition":  r.decision.NextInhibition,
		"metadata": map[string]any{
			"decision": map[string]any{
				"decision":        r.decision.Decision,
				"max_retry_count": v.Thresholds.MaxRetryCount,
				"dry_run":         v.DryRun,
			},
		},
	}, v.Name())
}
