package capability

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func writeFileContents(repoPath, fileKey, contents string) error {
	return os.WriteFile(filepath.Join(repoPath, fileKey), []byte(contents), 0o644)
}

// ValidateThresholds mirrors config.Thresholds' validator fields.
type ValidateThresholds struct {
	ConfidenceHigh float64
	ConfidenceLow  float64
	MaxRetryCount  int
}

// ValidateDecision is the outcome of ValidateFile's confidence-gated
// decision tree.
type ValidateDecision struct {
	Status            string // "validated", "needs_review", "retry", "skipped"
	UpdatedConfidence float64
	NextRetryCount    int
	NextInhibition    float64
	Decision          string // "auto_validate", "human_escalation", "rollback"
}

// ValidateFile applies the three-way confidence threshold decision
// tree, matching validate_file in agents/capabilities/validate.py.
// Committing/rolling back the working tree is the caller's
// responsibility via CommitFile/RollbackFile once dryRun is false.
func ValidateFile(confidence float64, retryCount int, inhibition float64, t ValidateThresholds) ValidateDecision {
	switch {
	case confidence >= t.ConfidenceHigh:
		updated := confidence + 0.1
		if updated > 1.0 {
			updated = 1.0
		}
		return ValidateDecision{
			Status:            "validated",
			UpdatedConfidence: updated,
			NextRetryCount:    retryCount,
			NextInhibition:    inhibition,
			Decision:          "auto_validate",
		}
	case confidence >= t.ConfidenceLow:
		return ValidateDecision{
			Status:            "needs_review",
			UpdatedConfidence: confidence,
			NextRetryCount:    retryCount,
			NextInhibition:    inhibition,
			Decision:          "human_escalation",
		}
	default:
		updated := confidence - 0.2
		if updated < 0.0 {
			updated = 0.0
		}
		nextRetry := retryCount + 1
		status := "retry"
		nextInhibition := inhibition + 0.5
		if nextRetry > t.MaxRetryCount {
			status = "skipped"
			nextInhibition = inhibition
		}
		return ValidateDecision{
			Status:            status,
			UpdatedConfidence: updated,
			NextRetryCount:    nextRetry,
			NextInhibition:    nextInhibition,
			Decision:          "rollback",
		}
	}
}

// CommitFile stages and commits fileKey if it has uncommitted changes,
// matching _commit_file's GitPython logic ported to go-git.
func CommitFile(repoPath, fileKey string, confidence float64) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("capability: commit %s: open repo: %w", fileKey, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("capability: commit %s: worktree: %w", fileKey, err)
	}
	if _, err := wt.Add(fileKey); err != nil {
		return fmt.Errorf("capability: commit %s: add: %w", fileKey, err)
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("capability: commit %s: status: %w", fileKey, err)
	}
	if fs, ok := status[fileKey]; !ok || fs.Staging == git.Unmodified {
		return nil
	}
	_, err = wt.Commit(fmt.Sprintf("[stigmergic] Migrate %s to Python 3 (confidence=%.2f)", fileKey, confidence), &git.CommitOptions{
		Author: &object.Signature{Name: "stigmergic-coordinator", Email: "coordinator@localhost"},
	})
	if err != nil {
		return fmt.Errorf("capability: commit %s: commit: %w", fileKey, err)
	}
	return nil
}

// RollbackFile restores fileKey from HEAD, matching _rollback_file's
// `git checkout HEAD -- <file>`.
func RollbackFile(repoPath, fileKey string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("capability: rollback %s: open repo: %w", fileKey, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("capability: rollback %s: worktree: %w", fileKey, err)
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("capability: rollback %s: head: %w", fileKey, err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("capability: rollback %s: commit object: %w", fileKey, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("capability: rollback %s: tree: %w", fileKey, err)
	}
	file, err := tree.File(fileKey)
	if err != nil {
		return fmt.Errorf("capability: rollback %s: file not in HEAD: %w", fileKey, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return fmt.Errorf("capability: rollback %s: contents: %w", fileKey, err)
	}
	if err := writeFileContents(repoPath, fileKey, contents); err != nil {
		return fmt.Errorf("capability: rollback %s: write: %w", fileKey, err)
	}
	if _, err := wt.Add(fileKey); err != nil {
		return fmt.Errorf("capability: rollback %s: re-add: %w", fileKey, err)
	}
	return nil
}
