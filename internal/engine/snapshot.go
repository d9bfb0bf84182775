package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/talgya/tradersim/internal/agents"
	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/economy"
	"github.com/talgya/tradersim/internal/social"
	"github.com/talgya/tradersim/internal/stream"
)

// StateVersion is bumped whenever State changes shape.
const StateVersion = 1

// State is the complete serializable simulation state at a tick boundary.
// Restoring it with the same configuration reproduces every later tick.
type State struct {
	Version    int                  `json:"version"`
	Seed       int64                `json:"seed"`
	Tick       uint64               `json:"tick"`
	NextID     uint64               `json:"next_id"`
	Traders    []*agents.Trader     `json:"traders"`
	Reputation []social.Entry       `json:"reputation"`
	Network    social.NetworkState  `json:"network"`
	Markets    []economy.AssetState `json:"markets"`
	OrderSeq   uint64               `json:"order_seq"`
	Cycle      CycleState           `json:"cycle"`
	Events     EventState           `json:"events"`
	Trades     []economy.Trade      `json:"trades"`
	Pool       decimal.Decimal      `json:"pool"`
	Injected   decimal.Decimal      `json:"injected"`
	Removed    decimal.Decimal      `json:"removed"`
}

// Snapshot returns a deep copy of the state at the last committed tick.
// Player input queued for the next tick is not part of it.
func (s *Simulation) Snapshot() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state()
}

func (s *Simulation) state() *State {
	traders := make([]*agents.Trader, len(s.traders))
	for i, t := range s.traders {
		traders[i] = t.Clone()
	}
	markets, seq := s.pricing.State()
	return &State{
		Version:    StateVersion,
		Seed:       s.seed,
		Tick:       s.tick,
		NextID:     s.spawner.NextID(),
		Traders:    traders,
		Reputation: s.ledger.Entries(),
		Network:    s.network.State(),
		Markets:    markets,
		OrderSeq:   seq,
		Cycle:      s.cycle.State(),
		Events:     s.events.State(),
		Trades:     append([]economy.Trade(nil), s.trades...),
		Pool:       s.pool,
		Injected:   s.injected,
		Removed:    s.removed,
	}
}

// Restore rebuilds a simulation from a snapshot taken under cfg.
func Restore(cfg config.Config, st *State, facts *stream.Broadcaster) (*Simulation, error) {
	if st.Version != StateVersion {
		return nil, fmt.Errorf("restoring state: version %d, want %d", st.Version, StateVersion)
	}
	if st.Seed != cfg.Seed {
		return nil, fmt.Errorf("restoring state: seed %d does not match configured seed %d", st.Seed, cfg.Seed)
	}
	s, err := newSimulation(cfg, facts)
	if err != nil {
		return nil, err
	}
	if err := s.restore(st); err != nil {
		return nil, err
	}
	return s, nil
}

// restore replaces all state with a copy of st.
func (s *Simulation) restore(st *State) error {
	if err := s.pricing.Restore(st.Markets, st.OrderSeq); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}
	s.traders = make([]*agents.Trader, 0, len(st.Traders))
	s.index = make(map[string]*agents.Trader, len(st.Traders))
	players := make(map[string]string)
	for _, t := range st.Traders {
		c := t.Clone()
		if c.Inventory == nil {
			c.Inventory = make(map[string]int64)
		}
		s.traders = append(s.traders, c)
		s.index[c.ID] = c
		if c.Kind == agents.KindPlayer && c.Active() {
			players[c.ID] = c.TokenHash
		}
	}
	s.in.reset(players)
	s.ledger.Load(st.Reputation)
	s.network.Restore(st.Network)
	s.cycle.Restore(st.Cycle)
	s.events.Restore(st.Events)
	s.spawner.SetNextID(st.NextID)
	s.trades = append([]economy.Trade(nil), st.Trades...)
	s.tick = st.Tick
	s.pool = st.Pool
	s.injected = st.Injected
	s.removed = st.Removed
	return nil
}
