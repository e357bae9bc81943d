// Package llm implements the chat-completion gateway every agent
// calls through: budget-gated dispatch, retry with backoff on
// transient failures, and token/cost accounting.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ErrBudgetExceeded is returned by Call when the estimated tokens for
// a request would push total usage over the configured ceiling —
// checked before the request is dispatched, never after.
var ErrBudgetExceeded = errors.New("llm: token budget exceeded")

// Config mirrors the typed config.LLM section.
type Config struct {
	Model             string
	Temperature       float64
	MaxResponseTokens int
	RetryAttempts     int
	RetryBackoff      []time.Duration
	MaxTokensTotal    int
	BaseURL           string
	APIKey            string
	PricingURL        string
	StrictPricing     bool
	RequestTimeout    time.Duration
	MaxBudgetUSD      float64
}

// Response is the result of one successful chat-completion call.
type Response struct {
	Content    string
	TokensUsed int
	Model      string
	LatencyMs  int64
	CostUSD    float64
}

// Gateway is the sole path through which agents reach the LLM
// provider. It is safe to share across agents within one tick since
// the scheduler runs them sequentially.
type Gateway struct {
	cfg             Config
	httpClient      *http.Client
	logger          *slog.Logger
	pricing         *PricingTable
	totalTokensUsed int
	totalCostUSD    float64
}

// New constructs a Gateway from config, defaulting the retry table and
// timeout the way the reference client defaults retry_attempts/backoff.
func New(cfg Config, logger *slog.Logger) *Gateway {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if len(cfg.RetryBackoff) == 0 {
		cfg.RetryBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if cfg.MaxTokensTotal <= 0 {
		cfg.MaxTokensTotal = 100_000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}
}

// TotalTokensUsed is read by the scheduler each tick for the
// budget_exhausted stop condition.
func (g *Gateway) TotalTokensUsed() int {
	return g.totalTokensUsed
}

// TotalCostUSD is read by the metrics collector for the
// total_cost_usd/cost_per_file_usd columns.
func (g *Gateway) TotalCostUSD() float64 {
	return g.totalCostUSD
}

// MaxBudgetUSD is read by the scheduler for the cost-based
// budget_exhausted stop condition, when a cost budget is configured.
func (g *Gateway) MaxBudgetUSD() float64 {
	return g.cfg.MaxBudgetUSD
}

// checkCostBudget reports whether dispatching a request estimated at
// estimatedCost would keep total spend within the configured ceiling.
// A zero MaxBudgetUSD or unknown pricing table disables the check,
// matching the spec's "cost budget > 0 and pricing known" gate.
func (g *Gateway) checkCostBudget(estimatedCost float64) bool {
	if g.cfg.MaxBudgetUSD <= 0 || g.pricing == nil {
		return true
	}
	return g.totalCostUSD+estimatedCost <= g.cfg.MaxBudgetUSD
}

// estimateTokens mirrors _estimate_tokens: a crude chars/4 heuristic
// for the prompt plus the full configured response-token budget,
// since the completion length is unknown before dispatch.
func estimateTokens(prompt, system string, maxResponseTokens int) int {
	chars := len(prompt) + len(system)
	promptTokens := chars / 4
	if promptTokens < 1 {
		promptTokens = 1
	}
	return promptTokens + maxResponseTokens
}

// checkBudget reports whether dispatching a request estimated at
// estimatedTokens would keep total usage within the configured ceiling.
func (g *Gateway) checkBudget(estimatedTokens int) bool {
	return g.totalTokensUsed+estimatedTokens <= g.cfg.MaxTokensTotal
}

// Call dispatches a single chat-completion request, retrying
// transient failures per the configured backoff table, and returns
// the assistant's response content plus usage accounting.
func (g *Gateway) Call(ctx context.Context, prompt, system string) (*Response, error) {
	estimated := estimateTokens(prompt, system, g.cfg.MaxResponseTokens)
	if !g.checkBudget(estimated) {
		return nil, fmt.Errorf("%w: used=%d estimated=%d max=%d", ErrBudgetExceeded, g.totalTokensUsed, estimated, g.cfg.MaxTokensTotal)
	}
	if g.pricing != nil {
		if estimatedCost, err := g.pricing.Cost(g.cfg.Model, estimated, g.cfg.StrictPricing); err == nil && !g.checkCostBudget(estimatedCost) {
			return nil, fmt.Errorf("%w: cost used=%.4f estimated=%.4f max=%.4f", ErrBudgetExceeded, g.totalCostUSD, estimatedCost, g.cfg.MaxBudgetUSD)
		}
	}

	var lastErr error
	for attempt := 0; attempt < g.cfg.RetryAttempts; attempt++ {
		resp, err := g.dispatch(ctx, prompt, system)
		if err == nil {
			g.totalTokensUsed += resp.TokensUsed
			g.totalCostUSD += resp.CostUSD
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, fmt.Errorf("llm: call: %w", err)
		}
		if g.logger != nil {
			g.logger.Warn("llm call failed, retrying", "attempt", attempt, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffForAttempt(g.cfg.RetryBackoff, attempt)):
		}
	}
	return nil, fmt.Errorf("llm: call: retries exhausted: %w", lastErr)
}

// backoffForAttempt indexes into the retry table, clamping to the
// last entry once attempt exceeds it — same as
// internal/dispatch/backoff.go's cap-at-maxDelay behavior, generalized
// to a configured table rather than a pure exponential formula.
func backoffForAttempt(table []time.Duration, attempt int) time.Duration {
	if len(table) == 0 {
		return time.Second
	}
	if attempt >= len(table) {
		return table[len(table)-1]
	}
	return table[attempt]
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// httpStatusError carries the response status code so isRetryable can
// classify it without re-parsing the error string.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("llm: provider returned status %d: %s", e.StatusCode, e.Body)
}

var retryableStatusCodes = map[int]bool{429: true, 500: true, 502: true, 503: true}

func isRetryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return retryableStatusCodes[statusErr.StatusCode]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (g *Gateway) dispatch(ctx context.Context, prompt, system string) (*Response, error) {
	start := time.Now()
	reqBody := chatRequest{
		Model:       g.cfg.Model,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxResponseTokens,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	httpResp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: dispatch: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{StatusCode: httpResp.StatusCode, Body: string(body)}
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("llm: parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm: response had no choices")
	}

	latency := time.Since(start).Milliseconds()
	cost := 0.0
	if g.pricing != nil {
		cost, err = g.pricing.Cost(parsed.Model, parsed.Usage.TotalTokens, g.cfg.StrictPricing)
		if err != nil {
			return nil, fmt.Errorf("llm: pricing: %w", err)
		}
	}

	return &Response{
		Content:    parsed.Choices[0].Message.Content,
		TokensUsed: parsed.Usage.TotalTokens,
		Model:      parsed.Model,
		LatencyMs:  latency,
		CostUSD:    cost,
	}, nil
}
