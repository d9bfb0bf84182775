// Trader spawning: builds the seeded initial population and admits new
// traders during a session.
package agents

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/entropy"
)

// Spawner issues trader ids and draws per-trader idiosyncrasies.
type Spawner struct {
	seed   int64
	nextID uint64
}

// NewSpawner creates a spawner for the session seed.
func NewSpawner(seed int64) *Spawner {
	return &Spawner{seed: seed, nextID: 1}
}

// NextID returns the next id number that will be issued.
func (s *Spawner) NextID() uint64 { return s.nextID }

// SetNextID sets the next id number (used when restoring a checkpoint).
func (s *Spawner) SetNextID(id uint64) { s.nextID = id }

// Spawn creates one trader from a template at the given tick.
func (s *Spawner) Spawn(kind Kind, tpl config.PersonalityTemplate, capital decimal.Decimal, inventory map[string]int64, tick uint64) *Trader {
	n := s.nextID
	s.nextID++
	id := fmt.Sprintf("tr-%04d", n)
	name := fmt.Sprintf("%s-%d", tpl.Name, n)
	t := NewTrader(id, name, kind, tpl, capital, inventory, tick)
	if kind == KindAI {
		r := entropy.Derive(s.seed, entropy.StreamSpawn, 0, n)
		t.Bias = (r.Float64()*2 - 1) * 0.05
	}
	return t
}

// SpawnPopulation creates the initial population described by cfg. Every
// group member receives Inventory units of every asset.
func (s *Spawner) SpawnPopulation(cfg *config.Config) ([]*Trader, error) {
	var out []*Trader
	for _, g := range cfg.Population.Groups {
		tpl, ok := cfg.Template(g.Template)
		if !ok {
			return nil, fmt.Errorf("population group: unknown template %q", g.Template)
		}
		inv := make(map[string]int64, len(cfg.Market.Assets))
		for _, a := range cfg.Market.Assets {
			inv[a.ID] = g.Inventory
		}
		for i := 0; i < g.Count; i++ {
			out = append(out, s.Spawn(KindAI, tpl, decimal.NewFromFloat(g.Capital), inv, 0))
		}
	}
	return out, nil
}
