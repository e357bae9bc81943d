// Package scheduler implements the round-robin Scout -> Transformer ->
// Tester -> Validator tick loop, grounded on
// original_source/stigmergy/loop.py, restructured using the teacher's
// Scheduler{config, store, logger} constructor shape.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/stigmergic-migrate/coordinator/internal/agent"
	"github.com/stigmergic-migrate/coordinator/internal/llm"
	"github.com/stigmergic-migrate/coordinator/internal/metrics"
	"github.com/stigmergic-migrate/coordinator/internal/pheromone"
)

// StopReason names why the loop ended.
type StopReason string

const (
	StopAllTerminal     StopReason = "all_terminal"
	StopBudgetExhausted StopReason = "budget_exhausted"
	StopIdleCycles      StopReason = "idle_cycles"
	StopMaxTicks        StopReason = "max_ticks"
)

// Config holds the scheduler's tunables, mirroring config.Loop/config.LLM.
type Config struct {
	MaxTicks          int
	IdleCyclesToStop  int
	MaxTokensTotal    int
}

// Scheduler runs the fixed-order agent loop against one pheromone
// store and LLM gateway.
type Scheduler struct {
	cfg     Config
	store   *pheromone.Store
	gateway *llm.Gateway
	agents  []agent.Agent
	tickSetter func(tick int)
	logger  *slog.Logger
}

// New constructs a Scheduler. agents must be supplied in the fixed
// Scout, Transformer, Tester, Validator order; tickSetter lets the
// caller thread the current tick into the Transformer's scope-lock
// acquisition without the scheduler needing to know its concrete type.
func New(cfg Config, store *pheromone.Store, gateway *llm.Gateway, agents []agent.Agent, tickSetter func(tick int), logger *slog.Logger) *Scheduler {
	if cfg.MaxTicks <= 0 {
		cfg.MaxTicks = 50
	}
	if cfg.IdleCyclesToStop <= 0 {
		cfg.IdleCyclesToStop = 2
	}
	if cfg.MaxTokensTotal <= 0 {
		cfg.MaxTokensTotal = 100_000
	}
	return &Scheduler{cfg: cfg, store: store, gateway: gateway, agents: agents, tickSetter: tickSetter, logger: logger}
}

// Result is what Run returns once the loop stops.
type Result struct {
	StopReason StopReason
	TicksRun   int
	Collector  *metrics.Collector
}

// Run executes the tick loop: maintenance, decay, then each agent in
// order, then the three ordered stop-condition checks, falling
// through to StopMaxTicks if none trip within cfg.MaxTicks.
func (s *Scheduler) Run(ctx context.Context, collector *metrics.Collector) (Result, error) {
	stopReason := StopMaxTicks
	idleCycles := 0
	ticksRun := 0

	for tick := 0; tick < s.cfg.MaxTicks; tick++ {
		ticksRun = tick + 1
		if s.tickSetter != nil {
			s.tickSetter(tick)
		}

		maintenance, err := s.store.MaintainStatus(tick)
		if err != nil {
			return Result{}, err
		}
		if len(maintenance.TTLReleased) > 0 || len(maintenance.RetryRequeued) > 0 {
			if s.logger != nil {
				s.logger.Info("maintenance", "tick", tick, "ttl_released", maintenance.TTLReleased, "retry_requeued", maintenance.RetryRequeued)
			}
		}

		if err := s.store.ApplyDecay(pheromone.Tasks); err != nil {
			return Result{}, err
		}
		if err := s.store.ApplyDecayInhibition(); err != nil {
			return Result{}, err
		}

		agentsActed := make(map[string]bool, len(s.agents))
		for _, a := range s.agents {
			acted, err := agent.Run(ctx, a, s.logger)
			if err != nil {
				return Result{}, err
			}
			agentsActed[a.Name()] = acted
		}

		statusEntries, err := s.store.ReadAll(pheromone.Status)
		if err != nil {
			return Result{}, err
		}
		totalTokens := 0
		if s.gateway != nil {
			totalTokens = s.gateway.TotalTokensUsed()
		}
		totalCost := 0.0
		maxBudgetUSD := 0.0
		if s.gateway != nil {
			totalCost = s.gateway.TotalCostUSD()
			maxBudgetUSD = s.gateway.MaxBudgetUSD()
		}
		collector.RecordTick(tick, agentsActed, statusEntries, totalTokens, totalCost)

		anyActed := false
		for _, acted := range agentsActed {
			if acted {
				anyActed = true
				break
			}
		}
		if anyActed {
			idleCycles = 0
		} else {
			idleCycles++
		}

		if allTerminal(statusEntries) {
			stopReason = StopAllTerminal
			break
		}
		if totalTokens >= s.cfg.MaxTokensTotal || (maxBudgetUSD > 0 && totalCost >= maxBudgetUSD) {
			stopReason = StopBudgetExhausted
			break
		}
		if idleCycles >= s.cfg.IdleCyclesToStop {
			stopReason = StopIdleCycles
			break
		}
	}

	return Result{StopReason: stopReason, TicksRun: ticksRun, Collector: collector}, nil
}

// allTerminal reports whether every status entry has reached a
// terminal status. An empty status namespace is never considered
// terminal (nothing has run yet), matching _all_terminal.
func allTerminal(statusEntries pheromone.NamespaceData) bool {
	if len(statusEntries) == 0 {
		return false
	}
	terminal := map[string]bool{"validated": true, "skipped": true, "needs_review": true}
	for _, entry := range statusEntries {
		status, _ := entry["status"].(string)
		if status == "" {
			status = "pending"
		}
		if !terminal[status] {
			return false
		}
	}
	return true
}
