package metrics

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/stigmergic-migrate/coordinator/internal/pheromone"
)

var terminalStatuses = map[string]bool{"validated": true, "skipped": true, "needs_review": true}

// Collector accumulates one TickRow per tick and can build the final
// run summary, grounded on metrics/collector.py's MetricsCollector.
type Collector struct {
	auditLogPath       string
	starvationThreshold int
	TickRows           []TickRow

	previousStatuses map[string]string
	idleTicksByFile  map[string]int
	filesWithRetry   map[string]bool
	resolvedRetry    map[string]bool
}

// NewCollector constructs a Collector reading from auditLogPath for
// the audit-completeness calculation.
func NewCollector(auditLogPath string, starvationThreshold int) *Collector {
	if starvationThreshold <= 0 {
		starvationThreshold = 12
	}
	return &Collector{
		auditLogPath:        auditLogPath,
		starvationThreshold: starvationThreshold,
		previousStatuses:    map[string]string{},
		idleTicksByFile:     map[string]int{},
		filesWithRetry:      map[string]bool{},
		resolvedRetry:       map[string]bool{},
	}
}

// RecordTick computes and appends one TickRow.
func (c *Collector) RecordTick(tick int, agentsActed map[string]bool, statusEntries pheromone.NamespaceData, totalTokens int, totalCostUSD float64) TickRow {
	counts := map[string]int{}
	for _, entry := range statusEntries {
		status, _ := entry["status"].(string)
		if status == "" {
			status = "pending"
		}
		counts[status]++
	}
	total := len(statusEntries)

	c.updateStatusTracking(statusEntries)

	row := TickRow{
		Tick:             tick,
		ScoutActed:       agentsActed["scout"],
		TransformerActed: agentsActed["transformer"],
		TesterActed:      agentsActed["tester"],
		ValidatorActed:   agentsActed["validator"],
		Pending:          counts["pending"],
		InProgress:       counts["in_progress"],
		Transformed:      counts["transformed"],
		Tested:           counts["tested"],
		Validated:        counts["validated"],
		NeedsReview:      counts["needs_review"],
		Retry:            counts["retry"],
		Skipped:          counts["skipped"],
		Failed:           counts["failed"],
		TotalFiles:       total,
		TotalTokensUsed:  totalTokens,
		TotalCostUSD:     totalCostUSD,
	}
	if total > 0 {
		row.SuccessRate = float64(counts["validated"]) / float64(total)
		row.RollbackRate = float64(counts["retry"]+counts["skipped"]) / float64(total)
		row.HumanEscalationRate = float64(counts["needs_review"]) / float64(total)
		row.CostPerFileUSD = totalCostUSD / float64(total)
	}
	if len(c.filesWithRetry) > 0 {
		row.RetryResolutionRate = float64(len(c.resolvedRetry)) / float64(len(c.filesWithRetry))
	}
	row.StarvationCount = c.starvationCount()

	c.TickRows = append(c.TickRows, row)
	return row
}

// updateStatusTracking mirrors _update_status_tracking: maintains
// previous-status/idle-tick/retry-resolution bookkeeping across ticks
// and prunes entries no longer present.
func (c *Collector) updateStatusTracking(statusEntries pheromone.NamespaceData) {
	seen := map[string]bool{}
	for fileKey, entry := range statusEntries {
		seen[fileKey] = true
		status, _ := entry["status"].(string)
		prev, known := c.previousStatuses[fileKey]

		if status == "retry" {
			c.filesWithRetry[fileKey] = true
		}
		if known && prev == "retry" && status != "retry" && !terminalStatuses[status] {
			c.resolvedRetry[fileKey] = true
		}

		if known && prev == status {
			c.idleTicksByFile[fileKey]++
		} else {
			c.idleTicksByFile[fileKey] = 0
		}
		c.previousStatuses[fileKey] = status
	}
	for fileKey := range c.previousStatuses {
		if !seen[fileKey] {
			delete(c.previousStatuses, fileKey)
			delete(c.idleTicksByFile, fileKey)
		}
	}
}

func (c *Collector) starvationCount() int {
	count := 0
	for fileKey, idle := range c.idleTicksByFile {
		status := c.previousStatuses[fileKey]
		if terminalStatuses[status] {
			continue
		}
		if idle >= c.starvationThreshold {
			count++
		}
	}
	return count
}

// Summary is the final run report, last tick's row plus the stop
// reason and audit completeness.
type Summary struct {
	TickRow
	StopReason        string  `json:"stop_reason"`
	AuditCompleteness float64 `json:"audit_completeness"`
	RunID             string  `json:"run_id,omitempty"`
}

// BuildSummary returns the last tick's row enriched with stop_reason
// and audit completeness, matching build_summary. An empty run
// (no ticks recorded) reports audit_completeness=1.0, matching the
// reference collector's empty-ticks fallback.
func (c *Collector) BuildSummary(stopReason string) Summary {
	if len(c.TickRows) == 0 {
		return Summary{StopReason: stopReason, AuditCompleteness: 1.0}
	}
	last := c.TickRows[len(c.TickRows)-1]
	return Summary{
		TickRow:           last,
		StopReason:        stopReason,
		AuditCompleteness: c.computeAuditCompleteness(),
	}
}

// requiredAuditFields are the fields an audit JSONL line must carry,
// non-empty, to count toward the completeness numerator.
var requiredAuditFields = []string{"timestamp", "namespace", "file_key", "agent_id", "action"}

// computeAuditCompleteness divides lines with every required field
// present and non-empty by total line count. Malformed JSON lines
// count toward the denominator but contribute 0 to the numerator,
// matching _compute_audit_completeness's documented behavior (see
// SPEC_FULL.md C8 and DESIGN.md).
func (c *Collector) computeAuditCompleteness() float64 {
	f, err := os.Open(c.auditLogPath)
	if err != nil {
		return 1.0
	}
	defer f.Close()

	total := 0
	complete := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		total++
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		if hasAllRequiredFields(record) {
			complete++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(complete) / float64(total)
}

func hasAllRequiredFields(record map[string]any) bool {
	for _, field := range requiredAuditFields {
		v, ok := record[field]
		if !ok {
			return false
		}
		if s, isStr := v.(string); isStr && s == "" {
			return false
		}
		if v == nil {
			return false
		}
	}
	return true
}
