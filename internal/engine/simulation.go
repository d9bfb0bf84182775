// Simulation ties together all market systems and runs them each tick.
package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/talgya/tradersim/internal/agents"
	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/economy"
	"github.com/talgya/tradersim/internal/social"
	"github.com/talgya/tradersim/internal/stream"
)

// Retention limits for in-memory history.
const (
	maxTradeLog = 2000
	maxReports  = 256
)

// Simulation is the scheduler and the owner of all market state. A tick
// holds the write lock from start to commit; queries take the read lock, so
// no reader ever sees a half-applied tick.
type Simulation struct {
	mu sync.RWMutex

	cfg  config.Config
	seed int64
	tick uint64 // last committed tick

	traders []*agents.Trader // admission order
	index   map[string]*agents.Trader

	pricing      *economy.PricingEngine
	fundamentals *economy.Fundamentals
	ledger       *social.Ledger
	network      *social.Network
	cycle        *CycleController
	events       *EventGenerator
	spawner      *agents.Spawner

	trades  []economy.Trade
	reports []TickReport

	// Currency accounting for the closed-economy check.
	pool     decimal.Decimal // capital of the seeded population
	injected decimal.Decimal // capital added by admissions
	removed  decimal.Decimal // capital held by traders archived on bankruptcy

	in     *inbound
	decide decideFunc
	facts  *stream.Broadcaster
}

// NewSimulation builds a simulation and seeds its initial population from
// cfg. facts may be nil when nothing consumes the push stream.
func NewSimulation(cfg config.Config, facts *stream.Broadcaster) (*Simulation, error) {
	s, err := newSimulation(cfg, facts)
	if err != nil {
		return nil, err
	}
	pop, err := s.spawner.SpawnPopulation(&s.cfg)
	if err != nil {
		return nil, err
	}
	for _, t := range pop {
		s.add(t)
		s.pool = s.pool.Add(t.Capital)
	}
	return s, nil
}

// newSimulation builds the components without any traders.
func newSimulation(cfg config.Config, facts *stream.Broadcaster) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cycle, err := NewCycleController(cfg.Cycle)
	if err != nil {
		return nil, err
	}
	return &Simulation{
		cfg:          cfg,
		seed:         cfg.Seed,
		index:        make(map[string]*agents.Trader),
		pricing:      economy.NewPricingEngine(cfg.Market, cfg.Simulation.HistoryWindow),
		fundamentals: economy.NewFundamentals(cfg.Seed, cfg.Market),
		ledger:       social.NewLedger(cfg.Reputation),
		network:      social.NewNetwork(cfg.Information),
		cycle:        cycle,
		events:       NewEventGenerator(cfg.Events),
		spawner:      agents.NewSpawner(cfg.Seed),
		pool:         decimal.Zero,
		injected:     decimal.Zero,
		removed:      decimal.Zero,
		in:           newInbound(),
		decide:       defaultDecide,
		facts:        facts,
	}, nil
}

func (s *Simulation) add(t *agents.Trader) {
	s.traders = append(s.traders, t)
	s.index[t.ID] = t
	if t.Kind == agents.KindPlayer && t.Active() {
		s.in.register(t.ID, t.TokenHash)
	}
}

// Config returns the session configuration.
func (s *Simulation) Config() config.Config { return s.cfg }

// CurrentTick returns the most recently committed tick.
func (s *Simulation) CurrentTick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

// AdmitTrader adds a trader mid-session from a named template. The new
// capital is recorded as an external injection.
func (s *Simulation) AdmitTrader(kind agents.Kind, template string, capital decimal.Decimal, inventory map[string]int64) (*agents.Trader, error) {
	tpl, ok := s.cfg.Template(template)
	if !ok {
		return nil, fmt.Errorf("admitting trader: unknown template %q: %w", template, economy.ErrValidation)
	}
	if capital.IsNegative() {
		return nil, fmt.Errorf("admitting trader: negative capital %s: %w", capital, economy.ErrValidation)
	}
	for asset, q := range inventory {
		if _, ok := s.cfg.Asset(asset); !ok {
			return nil, fmt.Errorf("admitting trader: %q: %w", asset, economy.ErrUnknownAsset)
		}
		if q < 0 {
			return nil, fmt.Errorf("admitting trader: negative %s inventory: %w", asset, economy.ErrValidation)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.spawner.Spawn(kind, tpl, capital, inventory, s.tick)
	s.add(t)
	s.injected = s.injected.Add(t.Capital)
	return t.Clone(), nil
}

// ForcePhase jumps the market cycle to phase between ticks.
func (s *Simulation) ForcePhase(phase Phase, cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle.Force(s.tick, phase, cause)
}

// Trader returns a copy of one trader, archived ones included.
func (s *Simulation) Trader(id string) (*agents.Trader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("trader %q: %w", id, ErrUnknownTrader)
	}
	return t.Clone(), nil
}

// Traders returns copies of every trader in admission order.
func (s *Simulation) Traders() []*agents.Trader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agents.Trader, len(s.traders))
	for i, t := range s.traders {
		out[i] = t.Clone()
	}
	return out
}

// Quotes returns the latest quote per asset.
func (s *Simulation) Quotes() map[string]economy.PriceQuote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pricing.Quotes()
}

// History returns the published price window of asset.
func (s *Simulation) History(asset string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.pricing.Quote(asset); !ok {
		return nil, fmt.Errorf("history %q: %w", asset, economy.ErrUnknownAsset)
	}
	return s.pricing.History(asset), nil
}

// Book returns a copy of asset's resting orders.
func (s *Simulation) Book(asset string) (economy.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.pricing.Book(asset)
	if !ok {
		return economy.Book{}, fmt.Errorf("book %q: %w", asset, economy.ErrUnknownAsset)
	}
	return b, nil
}

// Trades returns up to limit of the most recent trades, oldest first,
// optionally filtered by asset.
func (s *Simulation) Trades(asset string, limit int) []economy.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []economy.Trade
	for i := len(s.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if asset == "" || s.trades[i].Asset == asset {
			out = append(out, s.trades[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Reputation returns rater's score of subject.
func (s *Simulation) Reputation(rater, subject string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Score(rater, subject)
}

// AverageReputation returns the mean opinion held of subject.
func (s *Simulation) AverageReputation(subject string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Average(subject)
}

// ReputationEntries returns every stored score.
func (s *Simulation) ReputationEntries() []social.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Entries()
}

// OpenEvents returns unresolved events.
func (s *Simulation) OpenEvents() []*EconomicEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.Open()
}

// ArchivedEvents returns recently resolved events.
func (s *Simulation) ArchivedEvents() []*EconomicEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.Archive()
}

// CycleInfo is the public view of the market cycle.
type CycleInfo struct {
	Phase        string                   `json:"phase"`
	PhaseStart   uint64                   `json:"phase_start"`
	Remaining    uint64                   `json:"remaining"`
	Coefficients config.PhaseCoefficients `json:"coefficients"`
	Transitions  []Transition             `json:"transitions"`
}

// Cycle returns the current cycle state.
func (s *Simulation) Cycle() CycleInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.cycle.State()
	return CycleInfo{
		Phase:        PhaseName(st.Phase),
		PhaseStart:   st.PhaseStart,
		Remaining:    s.cycle.Remaining(s.tick),
		Coefficients: s.cycle.Coefficients(),
		Transitions:  st.Transitions,
	}
}

// Reports returns up to n of the most recent tick reports, oldest first.
func (s *Simulation) Reports(n int) []TickReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.reports) {
		n = len(s.reports)
	}
	return append([]TickReport(nil), s.reports[len(s.reports)-n:]...)
}

// CurrencyLedger is the currency accounting behind the closed-economy invariant:
// Held + Removed == Pool + Injected.
type CurrencyLedger struct {
	Pool     decimal.Decimal `json:"pool"`
	Injected decimal.Decimal `json:"injected"`
	Removed  decimal.Decimal `json:"removed"`
	Held     decimal.Decimal `json:"held"` // capital of every trader not archived
}

// Balanced reports whether the invariant holds.
func (l CurrencyLedger) Balanced() bool {
	return l.Held.Add(l.Removed).Equal(l.Pool.Add(l.Injected))
}

// Currency returns the current currency accounting.
func (s *Simulation) Currency() CurrencyLedger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currency()
}

func (s *Simulation) currency() CurrencyLedger {
	held := decimal.Zero
	for _, t := range s.traders {
		if t.Status != agents.StatusArchived {
			held = held.Add(t.Capital)
		}
	}
	return CurrencyLedger{Pool: s.pool, Injected: s.injected, Removed: s.removed, Held: held}
}

// Status is a compact summary of the simulation.
type Status struct {
	Tick        uint64 `json:"tick"`
	Phase       string `json:"phase"`
	Active      int    `json:"active"`
	Quarantined int    `json:"quarantined"`
	Archived    int    `json:"archived"`
	Players     int    `json:"players"`
	OpenEvents  int    `json:"open_events"`
	Trades      int    `json:"trades_logged"`
	Currency    CurrencyLedger `json:"currency"`
}

// Status returns a compact summary.
func (s *Simulation) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Tick:       s.tick,
		Phase:      PhaseName(s.cycle.Phase()),
		OpenEvents: len(s.events.Open()),
		Trades:     len(s.trades),
		Currency:   s.currency(),
	}
	for _, t := range s.traders {
		switch t.Status {
		case agents.StatusActive:
			st.Active++
		case agents.StatusQuarantined:
			st.Quarantined++
		default:
			st.Archived++
		}
		if t.Kind == agents.KindPlayer {
			st.Players++
		}
	}
	return st
}

// activeIDs returns the ids of active traders in sorted order.
func (s *Simulation) activeIDs() []string {
	ids := make([]string, 0, len(s.traders))
	for _, t := range s.traders {
		if t.Active() {
			ids = append(ids, t.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
