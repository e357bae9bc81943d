// Package metrics implements the per-tick metrics collector and
// CSV/JSON/manifest exporters, grounded on
// original_source/metrics/collector.py and metrics/export.py.
package metrics

// TickRow is one row of the ticks CSV, matching export.py's
// TICK_FIELDNAMES schema. total_cost_usd/cost_per_file_usd are
// populated here (see SPEC_FULL.md C8) using the gateway's pricing
// expansion, which the Python original's collector never had a source
// for.
type TickRow struct {
	Tick                 int     `json:"tick" csv:"tick"`
	ScoutActed           bool    `json:"scout_acted" csv:"scout_acted"`
	TransformerActed     bool    `json:"transformer_acted" csv:"transformer_acted"`
	TesterActed          bool    `json:"tester_acted" csv:"tester_acted"`
	ValidatorActed       bool    `json:"validator_acted" csv:"validator_acted"`
	Pending              int     `json:"pending" csv:"pending"`
	InProgress           int     `json:"in_progress" csv:"in_progress"`
	Transformed          int     `json:"transformed" csv:"transformed"`
	Tested               int     `json:"tested" csv:"tested"`
	Validated            int     `json:"validated" csv:"validated"`
	NeedsReview          int     `json:"needs_review" csv:"needs_review"`
	Retry                int     `json:"retry" csv:"retry"`
	Skipped              int     `json:"skipped" csv:"skipped"`
	Failed               int     `json:"failed" csv:"failed"`
	TotalFiles           int     `json:"total_files" csv:"total_files"`
	TotalTokensUsed       int     `json:"total_tokens_used" csv:"total_tokens_used"`
	SuccessRate          float64 `json:"success_rate" csv:"success_rate"`
	RollbackRate         float64 `json:"rollback_rate" csv:"rollback_rate"`
	HumanEscalationRate  float64 `json:"human_escalation_rate" csv:"human_escalation_rate"`
	RetryResolutionRate  float64 `json:"retry_resolution_rate" csv:"retry_resolution_rate"`
	StarvationCount      int     `json:"starvation_count" csv:"starvation_count"`
	TotalCostUSD         float64 `json:"total_cost_usd" csv:"total_cost_usd"`
	CostPerFileUSD       float64 `json:"cost_per_file_usd" csv:"cost_per_file_usd"`
}

// TickFieldNames is the export column order, matching export.py's
// TICK_FIELDNAMES.
var TickFieldNames = []string{
	"tick", "scout_acted", "transformer_acted", "tester_acted", "validator_acted",
	"pending", "in_progress", "transformed", "tested", "validated", "needs_review",
	"retry", "skipped", "failed", "total_files", "total_tokens_used",
	"success_rate", "rollback_rate", "human_escalation_rate", "retry_resolution_rate",
	"starvation_count", "total_cost_usd", "cost_per_file_usd",
}
