// Package guardrail enforces the budget, retry, and scope-lock
// invariants that keep agents from stepping on each other's work.
package guardrail

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors making up the guardrail error taxonomy. Callers use
// errors.Is to classify a failure rather than matching on message text.
var (
	ErrBudgetExceeded = errors.New("guardrail: token budget exceeded")
	ErrScopeLocked    = errors.New("guardrail: scope locked by another agent")
)

// StatusEntry is the subset of a status trace the guardrails inspect
// and mutate. Callers pass the live map backing a pheromone entry so
// mutations are visible to the store's write-back.
type StatusEntry map[string]any

// Thresholds mirrors the config.Thresholds/config.LLM fields the
// guardrails are constructed from.
type Thresholds struct {
	MaxRetryCount   int
	ScopeLockTTL    int
	MaxTokensTotal  int
}

// Guardrails holds the configured limits used across a run.
type Guardrails struct {
	thresholds Thresholds
}

// New constructs a Guardrails from typed config thresholds.
func New(t Thresholds) *Guardrails {
	if t.MaxRetryCount <= 0 {
		t.MaxRetryCount = 3
	}
	if t.ScopeLockTTL <= 0 {
		t.ScopeLockTTL = 3
	}
	if t.MaxTokensTotal <= 0 {
		t.MaxTokensTotal = 100_000
	}
	return &Guardrails{thresholds: t}
}

// EnforceTokenBudget returns ErrBudgetExceeded once total usage crosses
// the configured ceiling.
func (g *Guardrails) EnforceTokenBudget(totalTokensUsed int) error {
	if totalTokensUsed > g.thresholds.MaxTokensTotal {
		return fmt.Errorf("%w: used=%d max=%d", ErrBudgetExceeded, totalTokensUsed, g.thresholds.MaxTokensTotal)
	}
	return nil
}

// EnforceRetryLimit reports whether retryCount has exceeded the
// configured cap, at which point the caller should coerce the file to
// a terminal "skipped" status instead of requeuing it again.
func (g *Guardrails) EnforceRetryLimit(retryCount int) bool {
	return retryCount > g.thresholds.MaxRetryCount
}

// EnforceScopeLock raises ErrScopeLocked if the file is currently
// held "in_progress" by a different agent. A nil/empty statusEntry is
// treated as unowned.
func (g *Guardrails) EnforceScopeLock(fileKey, agentID string, statusEntry StatusEntry) error {
	if len(statusEntry) == 0 {
		return nil
	}
	status, _ := statusEntry["status"].(string)
	owner, _ := statusEntry["lock_owner"].(string)
	if status == "in_progress" && owner != "" && owner != agentID {
		return fmt.Errorf("%w: file=%s owner=%s requester=%s", ErrScopeLocked, fileKey, owner, agentID)
	}
	return nil
}

// AcquireScopeLock stamps lock_owner/lock_acquired_tick onto the
// status entry in place and returns it.
func AcquireScopeLock(statusEntry StatusEntry, agentID string, currentTick int) StatusEntry {
	if statusEntry == nil {
		statusEntry = StatusEntry{}
	}
	statusEntry["lock_owner"] = agentID
	statusEntry["lock_acquired_tick"] = currentTick
	return statusEntry
}

// ReleaseScopeLock pops the lock fields, but only if the lock is
// unowned or owned by agentID — another agent's lock is left alone.
func ReleaseScopeLock(statusEntry StatusEntry, agentID string) StatusEntry {
	if statusEntry == nil {
		return statusEntry
	}
	owner, _ := statusEntry["lock_owner"].(string)
	if owner == "" || owner == agentID {
		delete(statusEntry, "lock_owner")
		delete(statusEntry, "lock_acquired_tick")
	}
	return statusEntry
}

// EnforceScopeLockTTL sweeps every "in_progress" status entry and
// demotes any whose lock has outlived the configured TTL back to
// "pending", bumping retry_count but never inhibition (see
// SPEC_FULL.md C2 Open Question resolutions). Returns the file keys
// that were released.
func (g *Guardrails) EnforceScopeLockTTL(statusData map[string]StatusEntry, currentTick int) []string {
	var released []string
	for fileKey, entry := range statusData {
		if status, _ := entry["status"].(string); status != "in_progress" {
			continue
		}
		owner, hasOwner := entry["lock_owner"].(string)
		lockTick, hasTick := toInt(entry["lock_acquired_tick"])
		if !hasOwner || owner == "" || !hasTick {
			continue
		}
		if currentTick-lockTick <= g.thresholds.ScopeLockTTL {
			continue
		}
		entry["previous_status"] = status
		entry["status"] = "pending"
		if rc, _ := toInt(entry["retry_count"]); true {
			entry["retry_count"] = rc + 1
		}
		entry["timestamp"] = UTCTimestamp()
		entry["updated_by"] = "system_ttl"
		delete(entry, "lock_owner")
		delete(entry, "lock_acquired_tick")
		released = append(released, fileKey)
	}
	return released
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// StampTrace sets timestamp always, created_by only if absent (write
// action), or updated_by directly (update action).
func StampTrace(payload map[string]any, agentID, action string) error {
	switch action {
	case "write":
		payload["timestamp"] = UTCTimestamp()
		if _, ok := payload["created_by"]; !ok {
			payload["created_by"] = agentID
		}
	case "update":
		payload["timestamp"] = UTCTimestamp()
		payload["updated_by"] = agentID
	default:
		return fmt.Errorf("guardrail: stamp trace: unsupported action %q", action)
	}
	return nil
}

// UTCTimestamp formats the current time the way the reference
// implementation does: second precision, "Z" suffix.
func UTCTimestamp() string {
	return time.Now().UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}
