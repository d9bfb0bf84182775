// Market cycle: six-phase macro state machine that modulates risk appetite,
// price volatility and event likelihood.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/talgya/tradersim/internal/config"
)

// Phase is a macro-economic regime.
type Phase uint8

const (
	PhaseExpansion Phase = iota
	PhasePeak
	PhaseContraction
	PhaseTrough
	PhaseRecovery
	PhaseGrowth
	numPhases
)

// PhaseName returns the configuration name of a phase.
func PhaseName(p Phase) string {
	if p < numPhases {
		return config.PhaseNames[p]
	}
	return "unknown"
}

func (p Phase) String() string { return PhaseName(p) }

// ParsePhase maps a configuration name to a Phase.
func ParsePhase(name string) (Phase, error) {
	for i, n := range config.PhaseNames {
		if n == name {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown cycle phase %q", name)
}

// Next returns the successor along the fixed cyclic adjacency.
func (p Phase) Next() Phase {
	return (p + 1) % numPhases
}

// CycleState is the serializable cycle state.
type CycleState struct {
	Phase       Phase        `json:"phase"`
	PhaseStart  uint64       `json:"phase_start"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// Transition records one phase change.
type Transition struct {
	Tick   uint64 `json:"tick"`
	From   Phase  `json:"from"`
	To     Phase  `json:"to"`
	Forced bool   `json:"forced"`
	Cause  string `json:"cause,omitempty"`
}

const maxTransitions = 64

// CycleController advances phases on a timer and accepts crisis overrides.
// It has no terminal state.
type CycleController struct {
	durations [numPhases]uint64
	coeffs    [numPhases]config.PhaseCoefficients
	state     CycleState
}

// NewCycleController creates a controller in the configured initial phase.
func NewCycleController(cfg config.CycleConfig) (*CycleController, error) {
	initial, err := ParsePhase(cfg.InitialPhase)
	if err != nil {
		return nil, err
	}
	c := &CycleController{state: CycleState{Phase: initial}}
	for i, name := range config.PhaseNames {
		c.durations[i] = uint64(cfg.Durations[name])
		c.coeffs[i] = cfg.Coefficients[name]
	}
	return c, nil
}

// Phase returns the current phase.
func (c *CycleController) Phase() Phase { return c.state.Phase }

// Coefficients returns the coefficient row of the current phase.
func (c *CycleController) Coefficients() config.PhaseCoefficients {
	return c.coeffs[c.state.Phase]
}

// Remaining returns ticks left in the current phase as of tick.
func (c *CycleController) Remaining(tick uint64) uint64 {
	end := c.state.PhaseStart + c.durations[c.state.Phase]
	if tick >= end {
		return 0
	}
	return end - tick
}

// Evaluate moves to the next phase once the current one has lasted its
// configured duration. It reports whether a transition happened.
func (c *CycleController) Evaluate(tick uint64) bool {
	if tick < c.state.PhaseStart || tick-c.state.PhaseStart < c.durations[c.state.Phase] {
		return false
	}
	c.transition(tick, c.state.Phase.Next(), false, "")
	return true
}

// Force jumps directly to phase, outside the normal adjacency. Used when a
// crisis event demands it.
func (c *CycleController) Force(tick uint64, phase Phase, cause string) {
	if phase == c.state.Phase {
		return
	}
	c.transition(tick, phase, true, cause)
}

func (c *CycleController) transition(tick uint64, to Phase, forced bool, cause string) {
	from := c.state.Phase
	c.state.Phase = to
	c.state.PhaseStart = tick
	c.state.Transitions = append(c.state.Transitions, Transition{Tick: tick, From: from, To: to, Forced: forced, Cause: cause})
	if len(c.state.Transitions) > maxTransitions {
		c.state.Transitions = c.state.Transitions[len(c.state.Transitions)-maxTransitions:]
	}
	slog.Info("cycle phase change", "tick", tick, "from", from, "to", to, "forced", forced, "cause", cause)
}

// State returns a copy of the cycle state.
func (c *CycleController) State() CycleState {
	st := c.state
	st.Transitions = append([]Transition(nil), c.state.Transitions...)
	return st
}

// Restore replaces the cycle state.
func (c *CycleController) Restore(st CycleState) {
	c.state = st
	c.state.Transitions = append([]Transition(nil), st.Transitions...)
}
