package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ModelPricing is the per-thousand-token price for one model, as
// returned by the provider's pricing endpoint.
type ModelPricing struct {
	Model               string  `json:"model"`
	PromptPricePerMille float64 `json:"prompt_price_per_1k"`
	OutputPricePerMille float64 `json:"completion_price_per_1k"`
}

// PricingTable holds a fetched snapshot of model prices and computes
// the cost of a completion from it.
type PricingTable struct {
	byModel map[string]ModelPricing
}

// FetchPricing retrieves the gateway's configured pricing table and
// attaches it, so subsequent Call results carry a populated CostUSD.
// In non-strict mode a fetch failure is tolerated and leaves pricing
// unset (every Call result then carries CostUSD 0); in strict mode the
// error is returned to the caller.
func (g *Gateway) FetchPricing(ctx context.Context) error {
	table, err := fetchPricingTable(ctx, g.httpClient, g.cfg.PricingURL)
	if err != nil {
		if g.cfg.StrictPricing {
			return fmt.Errorf("llm: fetch pricing: %w", err)
		}
		if g.logger != nil {
			g.logger.Warn("pricing fetch failed, cost accounting disabled", "error", err)
		}
		return nil
	}
	g.pricing = table
	return nil
}

func fetchPricingTable(ctx context.Context, client *http.Client, url string) (*PricingTable, error) {
	if url == "" {
		return nil, fmt.Errorf("llm: pricing: no pricing URL configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: pricing: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var entries []ModelPricing
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("llm: pricing: parse: %w", err)
	}
	table := &PricingTable{byModel: make(map[string]ModelPricing, len(entries))}
	for _, e := range entries {
		table.byModel[e.Model] = e
	}
	return table, nil
}

// Cost estimates the USD cost of a completion given its total token
// count. Without a per-model split between prompt and completion
// tokens, the table applies the output rate to the full usage — a
// deliberately conservative (upper-bound) estimate, since the gateway
// does not currently separate prompt/completion counts in its usage
// accounting. In strict mode, an unknown model is an error; in
// non-strict mode it costs 0.
func (t *PricingTable) Cost(model string, totalTokens int, strict bool) (float64, error) {
	price, ok := t.byModel[model]
	if !ok {
		if strict {
			return 0, fmt.Errorf("llm: pricing: no price for model %q", model)
		}
		return 0, nil
	}
	return float64(totalTokens) / 1000.0 * price.OutputPricePerMille, nil
}
