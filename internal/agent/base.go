// Package agent implements the shared five-phase agent contract
// (Perceive/ShouldAct/Decide/Execute/Deposit) and the four specialized
// agents built on it.
package agent

import (
	"context"
	"log/slog"

	"github.com/stigmergic-migrate/coordinator/internal/llm"
	"github.com/stigmergic-migrate/coordinator/internal/pheromone"
)

// stigmergicPreamble is the default framing every agent's system
// prompt carries unless the config overrides or disables it.
const stigmergicPreamble = `You are one of several autonomous agents coordinating through a
shared environment of traces, the way ants coordinate through
pheromones rather than direct messages. Never assume another agent's
internal reasoning; act only on what the shared traces tell you.`

// Agent is the contract every specialized agent implements. Perceive
// reads the environment; ShouldAct gates whether this tick does
// anything; Decide builds an action from the perception; Execute
// performs it (including any LLM calls); Deposit writes the resulting
// traces back to the store.
type Agent interface {
	Name() string
	Perceive(ctx context.Context) (any, error)
	ShouldAct(perception any) bool
	Decide(ctx context.Context, perception any) (any, error)
	Execute(ctx context.Context, action any) (any, error)
	Deposit(ctx context.Context, result any) error
}

// Base holds the fields every specialized agent shares, mirroring
// agents/base_agent.py's BaseAgent.__init__.
type Base struct {
	AgentName      string
	Config         map[string]any
	Store          *pheromone.Store
	TargetRepoPath string
	Gateway        *llm.Gateway
	Logger         *slog.Logger
}

// Name satisfies the Agent interface's name accessor.
func (b *Base) Name() string {
	return b.AgentName
}

// BuildSystemPrompt prefixes roleSpecific with the stigmergic preamble
// unless config.prompts.stigmergic_preamble is explicitly set to "" to
// disable it, or set to a non-empty string to override it.
func (b *Base) BuildSystemPrompt(roleSpecific string) string {
	preamble := stigmergicPreamble
	if prompts, ok := b.Config["prompts"].(map[string]any); ok {
		if v, present := prompts["stigmergic_preamble"]; present {
			s, _ := v.(string)
			if s == "" {
				return roleSpecific
			}
			preamble = s
		}
	}
	return preamble + "\n\n" + roleSpecific
}

// Run executes the full five-phase contract for one tick and reports
// whether the agent acted, mirroring BaseAgent.run().
func Run(ctx context.Context, a Agent, logger *slog.Logger) (bool, error) {
	perception, err := a.Perceive(ctx)
	if err != nil {
		return false, err
	}
	if !a.ShouldAct(perception) {
		if logger != nil {
			logger.Debug("agent has nothing to act on", "agent", a.Name())
		}
		return false, nil
	}
	action, err := a.Decide(ctx, perception)
	if err != nil {
		return false, err
	}
	result, err := a.Execute(ctx, action)
	if err != nil {
		return false, err
	}
	if err := a.Deposit(ctx, result); err != nil {
		return false, err
	}
	return true, nil
}

// toIntAny coerces a pheromone field to int regardless of whether it
// arrived as a Go literal or round-tripped through the JSON store,
// where encoding/json always decodes numbers as float64.
func toIntAny(v any) (int, bool) {
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

// toStringSlice coerces a pheromone field to []string regardless of
// whether it arrived as a Go literal ([]string) or round-tripped
// through the JSON store, where encoding/json always decodes arrays
// as []interface{}.
func toStringSlice(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, elem := range t {
			s, ok := elem.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
