package pheromone

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stigmergic-migrate/coordinator/internal/decay"
	"github.com/stigmergic-migrate/coordinator/internal/guardrail"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Config{
		DecayType:           decay.Exponential,
		DecayRate:           0.1,
		InhibitionDecayRate: 0.1,
		Guardrails: guardrail.New(guardrail.Thresholds{
			MaxRetryCount:  3,
			ScopeLockTTL:   3,
			MaxTokensTotal: 100_000,
		}),
	})
	require.NoError(t, err)
	return s
}

func TestWriteAndReadOne(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Tasks, "a.py", Entry{"intensity": 0.7}, "scout"))

	entry, ok, err := s.ReadOne(Tasks, "a.py")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0.7, entry["intensity"])
	require.Equal(t, "scout", entry["created_by"])
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Tasks, "a.py", Entry{"intensity": 0.9}, "scout"))
	require.NoError(t, s.Write(Tasks, "b.py", Entry{"intensity": 0.1}, "scout"))

	result, err := s.Query(Tasks, []Filter{{Field: "intensity", Op: "gte", Value: 0.5}})
	require.NoError(t, err)
	require.Len(t, result, 1)
	_, ok := result["a.py"]
	require.True(t, ok)
}

func TestMaintainStatusRequeuesRetry(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Status, "a.py", Entry{"status": "retry", "retry_count": 1, "inhibition": 0.5}, "transformer"))

	result, err := s.MaintainStatus(5)
	require.NoError(t, err)
	require.Contains(t, result.RetryRequeued, "a.py")

	entry, _, err := s.ReadOne(Status, "a.py")
	require.NoError(t, err)
	require.Equal(t, "pending", entry["status"])
	require.Equal(t, 0.5, entry["inhibition"])
}

func TestApplyDecayReducesIntensity(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Tasks, "a.py", Entry{"intensity": 0.5}, "scout"))
	require.NoError(t, s.ApplyDecay(Tasks))

	entry, _, err := s.ReadOne(Tasks, "a.py")
	require.NoError(t, err)
	require.Less(t, entry["intensity"].(float64), 0.5)
}

func TestApplyDecaySkipsNonPendingRetryStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Tasks, "a.py", Entry{"intensity": 0.5}, "scout"))
	require.NoError(t, s.Write(Status, "a.py", Entry{"status": "validated"}, "validator"))

	require.NoError(t, s.ApplyDecay(Tasks))

	entry, _, err := s.ReadOne(Tasks, "a.py")
	require.NoError(t, err)
	require.Equal(t, 0.5, entry["intensity"])
}

func TestApplyDecayAppliesForRetryStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Tasks, "a.py", Entry{"intensity": 0.5}, "scout"))
	require.NoError(t, s.Write(Status, "a.py", Entry{"status": "retry"}, "validator"))

	require.NoError(t, s.ApplyDecay(Tasks))

	entry, _, err := s.ReadOne(Tasks, "a.py")
	require.NoError(t, err)
	require.Less(t, entry["intensity"].(float64), 0.5)
}

func TestApplyDecayEmitsSystemDecayAuditEvent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Tasks, "a.py", Entry{"intensity": 0.5}, "scout"))
	require.NoError(t, s.ApplyDecay(Tasks))

	events := readAuditEvents(t, s.AuditLogPath())
	var decayEvents []AuditEvent
	for _, ev := range events {
		if ev.AgentID == "system_decay" {
			decayEvents = append(decayEvents, ev)
		}
	}
	require.Len(t, decayEvents, 1)
	require.Equal(t, "tasks", decayEvents[0].Namespace)
	require.Equal(t, "a.py", decayEvents[0].FileKey)
	require.Contains(t, decayEvents[0].FieldsChanged, "intensity")
	require.Contains(t, decayEvents[0].FieldsChanged, "updated_by")
}

func TestApplyDecaySkipsAuditWhenUnchanged(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Tasks, "a.py", Entry{"intensity": 0.0}, "scout"))
	require.NoError(t, s.ApplyDecay(Tasks))

	events := readAuditEvents(t, s.AuditLogPath())
	for _, ev := range events {
		require.NotEqual(t, "system_decay", ev.AgentID)
	}
}

func TestApplyDecayInhibitionEmitsSystemDecayAuditEvent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Status, "a.py", Entry{"status": "in_progress", "inhibition": 0.5}, "transformer"))
	require.NoError(t, s.ApplyDecayInhibition())

	entry, _, err := s.ReadOne(Status, "a.py")
	require.NoError(t, err)
	require.Less(t, entry["inhibition"].(float64), 0.5)
	require.Equal(t, "system_decay", entry["updated_by"])

	events := readAuditEvents(t, s.AuditLogPath())
	var decayEvents []AuditEvent
	for _, ev := range events {
		if ev.AgentID == "system_decay" {
			decayEvents = append(decayEvents, ev)
		}
	}
	require.Len(t, decayEvents, 1)
}

func TestWriteEnforcesScopeLockAgainstOtherOwner(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Status, "a.py", Entry{"status": "in_progress"}, "transformer"))

	err := s.Write(Tasks, "a.py", Entry{"intensity": 0.9}, "scout")
	require.ErrorIs(t, err, guardrail.ErrScopeLocked)
}

func TestUpdateEnforcesScopeLockAgainstOtherOwner(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Status, "a.py", Entry{"status": "in_progress"}, "transformer"))

	err := s.Update(Status, "a.py", map[string]any{"status": "validated"}, "validator")
	require.ErrorIs(t, err, guardrail.ErrScopeLocked)
}

func TestWriteAllowsOwningAgent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Status, "a.py", Entry{"status": "in_progress"}, "transformer"))
	require.NoError(t, s.Update(Status, "a.py", map[string]any{"status": "transformed"}, "transformer"))

	entry, _, err := s.ReadOne(Status, "a.py")
	require.NoError(t, err)
	require.Equal(t, "transformed", entry["status"])
}

func TestWriteToStatusRunsFinalizer(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(Status, "a.py", Entry{"status": "in_progress", "current_tick": 7}, "transformer"))

	entry, _, err := s.ReadOne(Status, "a.py")
	require.NoError(t, err)
	require.Equal(t, "transformer", entry["lock_owner"])
	require.Equal(t, float64(7), entry["lock_acquired_tick"])
	require.NotContains(t, entry, "current_tick")
}

func readAuditEvents(t *testing.T, path string) []AuditEvent {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var events []AuditEvent
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var ev AuditEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	return events
}
