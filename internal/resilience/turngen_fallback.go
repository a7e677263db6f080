package resilience

import (
	"context"

	"github.com/evrhire/cadenza/internal/turngen"
)

// TurnFallback implements [turngen.Generator] with automatic failover across
// multiple turn engines. Each engine has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
//
// Two error classes never fail over:
//
//   - Recoverable throttling (rate or usage limits). The session wants to
//     warn the interviewer and keep waiting, not silently drain a second
//     engine's quota. These also do not count against the breaker.
//   - Parent context cancellation. The turn is already abandoned; trying
//     further engines only burns their failure budgets.
type TurnFallback struct {
	group *FallbackGroup[turngen.Generator]
}

// Compile-time interface assertion.
var _ turngen.Generator = (*TurnFallback)(nil)

// NewTurnFallback creates a [TurnFallback] with primary as the preferred engine.
func NewTurnFallback(primary turngen.Generator, primaryName string, cfg FallbackConfig) *TurnFallback {
	return &TurnFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional turn engine as a fallback.
func (f *TurnFallback) AddFallback(name string, gen turngen.Generator) {
	f.group.AddFallback(name, gen)
}

// Next asks the first healthy engine for the next interview turn.
func (f *TurnFallback) Next(ctx context.Context, req turngen.TurnRequest) (*turngen.TurnResult, error) {
	var soft error
	res, err := ExecuteWithResult(f.group, func(g turngen.Generator) (*turngen.TurnResult, error) {
		res, err := g.Next(ctx, req)
		if err == nil {
			return res, nil
		}
		if turngen.Recoverable(err) {
			soft = err
			return nil, nil
		}
		if ctx.Err() != nil {
			soft = ctx.Err()
			return nil, nil
		}
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	if soft != nil {
		return nil, soft
	}
	return res, nil
}
