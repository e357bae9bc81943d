package guardrail

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnforceTokenBudget(t *testing.T) {
	g := New(Thresholds{MaxTokensTotal: 100})

	require.NoError(t, g.EnforceTokenBudget(100))
	err := g.EnforceTokenBudget(101)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExceeded))
}

func TestEnforceRetryLimit(t *testing.T) {
	g := New(Thresholds{MaxRetryCount: 3})

	assert.False(t, g.EnforceRetryLimit(3))
	assert.True(t, g.EnforceRetryLimit(4))
}

func TestEnforceScopeLockUnowned(t *testing.T) {
	g := New(Thresholds{})
	assert.NoError(t, g.EnforceScopeLock("f.py", "transformer", nil))
}

func TestEnforceScopeLockHeldByOther(t *testing.T) {
	g := New(Thresholds{})
	entry := StatusEntry{"status": "in_progress", "lock_owner": "scout"}

	err := g.EnforceScopeLock("f.py", "transformer", entry)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScopeLocked))
}

func TestEnforceScopeLockHeldBySelf(t *testing.T) {
	g := New(Thresholds{})
	entry := StatusEntry{"status": "in_progress", "lock_owner": "transformer"}

	assert.NoError(t, g.EnforceScopeLock("f.py", "transformer", entry))
}

func TestAcquireAndReleaseScopeLock(t *testing.T) {
	entry := AcquireScopeLock(nil, "scout", 5)
	assert.Equal(t, "scout", entry["lock_owner"])
	assert.Equal(t, 5, entry["lock_acquired_tick"])

	released := ReleaseScopeLock(entry, "scout")
	assert.NotContains(t, released, "lock_owner")
	assert.NotContains(t, released, "lock_acquired_tick")
}

func TestReleaseScopeLockLeavesOtherOwnerAlone(t *testing.T) {
	entry := AcquireScopeLock(nil, "scout", 5)
	released := ReleaseScopeLock(entry, "transformer")
	assert.Equal(t, "scout", released["lock_owner"])
}

func TestEnforceScopeLockTTLReleasesExpiredLocks(t *testing.T) {
	g := New(Thresholds{ScopeLockTTL: 2})
	statusData := map[string]StatusEntry{
		"stale.py": {
			"status":             "in_progress",
			"lock_owner":         "transformer",
			"lock_acquired_tick": 0,
			"retry_count":        1,
		},
		"fresh.py": {
			"status":             "in_progress",
			"lock_owner":         "transformer",
			"lock_acquired_tick": 9,
		},
		"done.py": {
			"status": "validated",
		},
	}

	released := g.EnforceScopeLockTTL(statusData, 10)

	assert.ElementsMatch(t, []string{"stale.py"}, released)
	assert.Equal(t, "pending", statusData["stale.py"]["status"])
	assert.Equal(t, 2, statusData["stale.py"]["retry_count"])
	assert.NotContains(t, statusData["stale.py"], "lock_owner")
	assert.Equal(t, "in_progress", statusData["fresh.py"]["status"])
}

func TestStampTraceWrite(t *testing.T) {
	payload := map[string]any{}
	require.NoError(t, StampTrace(payload, "scout", "write"))
	assert.Equal(t, "scout", payload["created_by"])
	assert.NotEmpty(t, payload["timestamp"])
}

func TestStampTraceWritePreservesExistingCreator(t *testing.T) {
	payload := map[string]any{"created_by": "scout"}
	require.NoError(t, StampTrace(payload, "transformer", "write"))
	assert.Equal(t, "scout", payload["created_by"])
}

func TestStampTraceUpdate(t *testing.T) {
	payload := map[string]any{}
	require.NoError(t, StampTrace(payload, "validator", "update"))
	assert.Equal(t, "validator", payload["updated_by"])
}

func TestStampTraceUnsupportedAction(t *testing.T) {
	err := StampTrace(map[string]any{}, "scout", "delete")
	require.Error(t, err)
}
