package metrics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// EnsureOutputDir creates dir (and parents) if missing.
func EnsureOutputDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("metrics: ensure output dir %s: %w", dir, err)
	}
	return nil
}

// WriteTicksCSV writes one row per tick in TickFieldNames column order.
func WriteTicksCSV(path string, rows []TickRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metrics: write ticks csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(TickFieldNames); err != nil {
		return fmt.Errorf("metrics: write ticks csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.Itoa(row.Tick),
			strconv.FormatBool(row.ScoutActed),
			strconv.FormatBool(row.TransformerActed),
			strconv.FormatBool(row.TesterActed),
			strconv.FormatBool(row.ValidatorActed),
			strconv.Itoa(row.Pending),
			strconv.Itoa(row.InProgress),
			strconv.Itoa(row.Transformed),
			strconv.Itoa(row.Tested),
			strconv.Itoa(row.Validated),
			strconv.Itoa(row.NeedsReview),
			strconv.Itoa(row.Retry),
			strconv.Itoa(row.Skipped),
			strconv.Itoa(row.Failed),
			strconv.Itoa(row.TotalFiles),
			strconv.Itoa(row.TotalTokensUsed),
			strconv.FormatFloat(row.SuccessRate, 'f', 6, 64),
			strconv.FormatFloat(row.RollbackRate, 'f', 6, 64),
			strconv.FormatFloat(row.HumanEscalationRate, 'f', 6, 64),
			strconv.FormatFloat(row.RetryResolutionRate, 'f', 6, 64),
			strconv.Itoa(row.StarvationCount),
			strconv.FormatFloat(row.TotalCostUSD, 'f', 6, 64),
			strconv.FormatFloat(row.CostPerFileUSD, 'f', 6, 64),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("metrics: write ticks csv row: %w", err)
		}
	}
	return nil
}

func writeIndentedJSON(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("metrics: marshal %s: %w", filepath.Base(path), err)
	}
	payload = append(payload, '\n')
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}

// WriteSummaryJSON writes the run summary as indented JSON.
func WriteSummaryJSON(path string, summary Summary) error {
	return writeIndentedJSON(path, summary)
}

// WriteManifestJSON writes the run manifest as indented JSON.
func WriteManifestJSON(path string, manifest map[string]any) error {
	return writeIndentedJSON(path, manifest)
}
