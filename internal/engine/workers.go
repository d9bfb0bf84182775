// Decide worker pool: runs every trader's decide() in parallel against an
// immutable observation, each call under a soft compute budget.
package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/tradersim/internal/agents"
	"github.com/talgya/tradersim/internal/entropy"
)

// decideFunc is the per-trader decision hook. The default calls
// Trader.Decide; tests substitute failing implementations.
type decideFunc func(ctx context.Context, t *agents.Trader, tick uint64, obs *agents.Observation, r *rand.Rand) (agents.Decision, error)

func defaultDecide(_ context.Context, t *agents.Trader, tick uint64, obs *agents.Observation, r *rand.Rand) (agents.Decision, error) {
	return t.Decide(tick, obs, r)
}

type decideResult struct {
	decision agents.Decision
	err      error
}

// runDecisions evaluates traders in the given order. Results are written into
// slots indexed by position, so the gathered buffer does not depend on which
// worker finishes first. Each trader decides on a private clone, so a call
// abandoned after its budget can never touch live state.
func (s *Simulation) runDecisions(ctx context.Context, tick uint64, order []*agents.Trader, base *agents.Observation) []decideResult {
	results := make([]decideResult, len(order))
	budget := s.cfg.Simulation.DecideBudget.Duration

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.Simulation.Workers))
	for i, t := range order {
		obs := *base
		obs.Inbox = s.network.Inbox(t.ID)
		clone := t.Clone()
		r := entropy.Derive(s.seed, entropy.StreamDecide, tick, entropy.HashString(t.ID))
		g.Go(func() error {
			d, err := s.callWithBudget(gctx, budget, clone, tick, &obs, r)
			if err != nil {
				err = &DecisionError{TraderID: clone.ID, Tick: tick, Err: err}
			}
			results[i] = decideResult{decision: d, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// callWithBudget runs one decide call, converting panics and overruns into
// errors. An overrunning call is abandoned, not waited for.
func (s *Simulation) callWithBudget(ctx context.Context, budget time.Duration, t *agents.Trader, tick uint64, obs *agents.Observation, r *rand.Rand) (agents.Decision, error) {
	done := make(chan decideResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- decideResult{err: fmt.Errorf("%w: %v", ErrDecisionPanic, p)}
			}
		}()
		d, err := s.decide(ctx, t, tick, obs, r)
		done <- decideResult{decision: d, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.decision, res.err
	case <-timer.C:
		return agents.Decision{}, ErrDecisionTimeout
	case <-ctx.Done():
		return agents.Decision{}, ctx.Err()
	}
}
