package pheromone

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// AuditEvent is one append-only JSONL record. The five fields below
// are exactly what MetricsCollector's audit-completeness check
// requires to be present and non-empty on every line.
type AuditEvent struct {
	Timestamp      string         `json:"timestamp"`
	Namespace      string         `json:"namespace"`
	FileKey        string         `json:"file_key"`
	AgentID        string         `json:"agent_id"`
	Action         string         `json:"action"`
	FieldsChanged  []string       `json:"fields_changed,omitempty"`
	PreviousValues map[string]any `json:"previous_values,omitempty"`
	UpdatedValues  map[string]any `json:"updated_values,omitempty"`
}

// diffChangedFields compares previous and updated entries, returning
// the field names that genuinely changed and the subset of previous
// values for fields that existed before and changed.
func diffChangedFields(previous, updated Entry) ([]string, map[string]any) {
	changed := make([]string, 0)
	prevValues := make(map[string]any)
	seen := make(map[string]bool)
	for k, uv := range updated {
		pv, existed := previous[k]
		if !existed || !equalValues(pv, uv) {
			changed = append(changed, k)
			seen[k] = true
			if existed {
				prevValues[k] = pv
			}
		}
	}
	for k := range previous {
		if seen[k] {
			continue
		}
		if _, stillPresent := updated[k]; !stillPresent {
			changed = append(changed, k)
			prevValues[k] = previous[k]
		}
	}
	return changed, prevValues
}

// appendAuditEvents appends zero or more events to path under an
// exclusive advisory lock, one JSON object per line. A no-op for an
// empty slice avoids taking the lock unnecessarily.
func appendAuditEvents(path string, events []AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("pheromone: audit: lock: %w", err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("pheromone: audit: open %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("pheromone: audit: marshal: %w", err)
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("pheromone: audit: write: %w", err)
		}
		if _, err := w.WriteString("\n"); err != nil {
			return fmt.Errorf("pheromone: audit: write: %w", err)
		}
	}
	return w.Flush()
}
