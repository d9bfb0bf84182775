// Economic events: stochastic shocks with a timed lifecycle and bounded
// follow-on chains.
package engine

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/entropy"
)

// EventStatus is an event's lifecycle stage.
type EventStatus uint8

const (
	EventActive    EventStatus = 0
	EventResolving EventStatus = 1 // Effect ramps linearly to zero over the cooldown
	EventResolved  EventStatus = 2
)

func (s EventStatus) String() string {
	switch s {
	case EventResolving:
		return "resolving"
	case EventResolved:
		return "resolved"
	default:
		return "active"
	}
}

// EconomicEvent is one shock. Target is the affected asset for asset-scope
// events and the affected trader for reputation-scope events.
type EconomicEvent struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Scope        string      `json:"scope"`
	Target       string      `json:"target,omitempty"`
	Magnitude    float64     `json:"magnitude"`
	Direction    float64     `json:"direction"`
	Crisis       bool        `json:"crisis"`
	StartTick    uint64      `json:"start_tick"`
	Duration     int         `json:"duration"`
	Cooldown     int         `json:"cooldown"`
	ParentID     string      `json:"parent_id,omitempty"`
	Generation   int         `json:"generation"`
	Status       EventStatus `json:"status"`
	ResolvedTick uint64      `json:"resolved_tick,omitempty"`
}

// expiry is the first tick after the active window.
func (e *EconomicEvent) expiry() uint64 {
	return e.StartTick + uint64(e.Duration)
}

// Effect returns the signed price effect at tick: full strength while
// active, a linear ramp to zero while resolving, nothing once resolved.
func (e *EconomicEvent) Effect(tick uint64) float64 {
	full := e.Direction * e.Magnitude
	switch e.Status {
	case EventActive:
		return full
	case EventResolving:
		if e.Cooldown <= 0 || tick < e.expiry() {
			return full
		}
		elapsed := float64(tick - e.expiry())
		frac := 1 - elapsed/float64(e.Cooldown)
		if frac < 0 {
			frac = 0
		}
		return full * frac
	default:
		return 0
	}
}

// Affects reports whether the event moves asset's price.
func (e *EconomicEvent) Affects(asset string) bool {
	switch e.Scope {
	case config.ScopeMarket:
		return true
	case config.ScopeAsset:
		return e.Target == asset
	default:
		return false
	}
}

// SpawnRequest is a queued follow-on child. Generation is carried
// explicitly; chains are expanded from this queue, never recursively.
type SpawnRequest struct {
	Type       string  `json:"type"`
	Magnitude  float64 `json:"magnitude"`
	Target     string  `json:"target,omitempty"`
	ParentID   string  `json:"parent_id"`
	Generation int     `json:"generation"`
}

// EventState is the serializable generator state.
type EventState struct {
	Events  []*EconomicEvent `json:"events"`
	Archive []*EconomicEvent `json:"archive"`
	Queue   []SpawnRequest   `json:"queue"`
	Seq     uint64           `json:"seq"`
}

// EventStep summarizes what one tick of the generator did.
type EventStep struct {
	Started   []*EconomicEvent
	Expired   []*EconomicEvent
	Resolved  []*EconomicEvent
	Truncated int
}

const maxArchive = 256

var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("marketsim/event"))

// EventGenerator samples the catalogue each tick and runs every event's
// lifecycle.
type EventGenerator struct {
	cfg     config.EventsConfig
	types   map[string]config.EventTypeConfig
	events  []*EconomicEvent
	archive []*EconomicEvent
	queue   []SpawnRequest
	seq     uint64
}

// NewEventGenerator creates a generator for the configured catalogue.
func NewEventGenerator(cfg config.EventsConfig) *EventGenerator {
	types := make(map[string]config.EventTypeConfig, len(cfg.Types))
	for _, t := range cfg.Types {
		types[t.Name] = t
	}
	return &EventGenerator{cfg: cfg, types: types}
}

// Open returns events that are not yet resolved.
func (g *EventGenerator) Open() []*EconomicEvent {
	out := make([]*EconomicEvent, len(g.events))
	for i, e := range g.events {
		c := *e
		out[i] = &c
	}
	return out
}

// Archive returns recently resolved events, oldest first.
func (g *EventGenerator) Archive() []*EconomicEvent {
	out := make([]*EconomicEvent, len(g.archive))
	for i, e := range g.archive {
		c := *e
		out[i] = &c
	}
	return out
}

// Impact sums the effect of every open event on asset at tick.
func (g *EventGenerator) Impact(asset string, tick uint64) float64 {
	total := 0.0
	for _, e := range g.events {
		if e.Affects(asset) {
			total += e.Effect(tick)
		}
	}
	return total
}

// Override reports whether an active crisis suspends the breaker for asset.
func (g *EventGenerator) Override(asset string) bool {
	for _, e := range g.events {
		if e.Crisis && e.Status == EventActive && e.Affects(asset) {
			return true
		}
	}
	return false
}

// Step advances lifecycles, expands queued follow-ons, then Bernoulli-samples
// each catalogue type with probability base × phase multiplier × eventRate.
// assets and traders are the candidate targets.
func (g *EventGenerator) Step(tick uint64, phase Phase, eventRate float64, r *rand.Rand, assets, traders []string) EventStep {
	var st EventStep

	kept := g.events[:0]
	for _, e := range g.events {
		if e.Status == EventActive && tick >= e.expiry() {
			e.Status = EventResolving
			st.Expired = append(st.Expired, e)
			st.Truncated += g.enqueueChildren(e, r)
		}
		if e.Status == EventResolving && tick >= e.expiry()+uint64(e.Cooldown) {
			e.Status = EventResolved
			e.ResolvedTick = tick
			st.Resolved = append(st.Resolved, e)
			g.archive = append(g.archive, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(g.events); i++ {
		g.events[i] = nil
	}
	g.events = kept
	if len(g.archive) > maxArchive {
		g.archive = append(g.archive[:0:0], g.archive[len(g.archive)-maxArchive:]...)
	}

	// Follow-ons first, in queue order. Children that do not fit under
	// the cap wait for a later tick.
	pending := g.queue
	g.queue = nil
	for _, req := range pending {
		if len(g.events) >= g.cfg.MaxActive {
			g.queue = append(g.queue, req)
			continue
		}
		tc := g.types[req.Type]
		target := req.Target
		if target == "" {
			target = pickTarget(tc.Scope, r, assets, traders)
		}
		e := g.start(tick, tc, req.Magnitude, target, req.ParentID, req.Generation)
		st.Started = append(st.Started, e)
	}

	for _, tc := range g.cfg.Types {
		p := tc.BaseProbability * eventRate
		if m, ok := tc.PhaseMultipliers[PhaseName(phase)]; ok {
			p *= m
		}
		// Draw for every type so the stream stays aligned whatever the cap.
		roll := r.Float64()
		mag := entropy.Between(r, tc.MagnitudeMin, tc.MagnitudeMax)
		if roll >= p || len(g.events) >= g.cfg.MaxActive {
			continue
		}
		target := pickTarget(tc.Scope, r, assets, traders)
		if tc.Scope != config.ScopeMarket && target == "" {
			continue
		}
		st.Started = append(st.Started, g.start(tick, tc, mag, target, "", 0))
	}
	return st
}

// Fire starts an event of the given type immediately, bypassing sampling.
func (g *EventGenerator) Fire(tick uint64, typ string, magnitude float64, target string) (*EconomicEvent, error) {
	tc, ok := g.types[typ]
	if !ok {
		return nil, fmt.Errorf("firing %q: %w", typ, ErrUnknownEventType)
	}
	if len(g.events) >= g.cfg.MaxActive {
		return nil, fmt.Errorf("firing %q: %w", typ, ErrEventCapReached)
	}
	return g.start(tick, tc, magnitude, target, "", 0), nil
}

func (g *EventGenerator) start(tick uint64, tc config.EventTypeConfig, magnitude float64, target, parent string, gen int) *EconomicEvent {
	g.seq++
	e := &EconomicEvent{
		ID:         uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%d/%s/%d", tick, tc.Name, g.seq))).String(),
		Type:       tc.Name,
		Scope:      tc.Scope,
		Target:     target,
		Magnitude:  magnitude,
		Direction:  tc.Direction,
		Crisis:     tc.Crisis,
		StartTick:  tick,
		Duration:   tc.Duration,
		Cooldown:   tc.Cooldown,
		ParentID:   parent,
		Generation: gen,
		Status:     EventActive,
	}
	if tc.Scope == config.ScopeMarket {
		e.Target = ""
	}
	g.events = append(g.events, e)
	slog.Info("economic event", "tick", tick, "type", e.Type, "target", e.Target,
		"magnitude", fmt.Sprintf("%.3f", e.Magnitude), "generation", gen, "id", e.ID)
	return e
}

// enqueueChildren rolls each follow-on of an expiring parent. Children past
// the maximum chain depth are dropped and counted.
func (g *EventGenerator) enqueueChildren(parent *EconomicEvent, r *rand.Rand) int {
	tc := g.types[parent.Type]
	truncated := 0
	for _, f := range tc.FollowOn {
		if r.Float64() >= f.Probability {
			continue
		}
		gen := parent.Generation + 1
		if gen > g.cfg.MaxChainDepth {
			truncated++
			slog.Warn("event chain truncated", "parent", parent.ID, "type", f.Type,
				"generation", gen, "error", ErrChainDepthExceeded)
			continue
		}
		// A child aimed at the same kind of target inherits the parent's.
		target := ""
		if scopeTarget(g.types[f.Type].Scope) == scopeTarget(parent.Scope) {
			target = parent.Target
		}
		g.queue = append(g.queue, SpawnRequest{
			Type:       f.Type,
			Magnitude:  parent.Magnitude * g.cfg.ChainDecay,
			Target:     target,
			ParentID:   parent.ID,
			Generation: gen,
		})
	}
	return truncated
}

// scopeTarget groups scopes by what their Target refers to.
func scopeTarget(scope string) string {
	switch scope {
	case config.ScopeAsset:
		return "asset"
	case config.ScopeReputation:
		return "trader"
	default:
		return ""
	}
}

func pickTarget(scope string, r *rand.Rand, assets, traders []string) string {
	var pool []string
	switch scope {
	case config.ScopeAsset:
		pool = assets
	case config.ScopeReputation:
		pool = traders
	default:
		return ""
	}
	if len(pool) == 0 {
		return ""
	}
	return pool[r.IntN(len(pool))]
}

// State returns a deep copy of the generator state.
func (g *EventGenerator) State() EventState {
	return EventState{
		Events:  g.Open(),
		Archive: g.Archive(),
		Queue:   append([]SpawnRequest(nil), g.queue...),
		Seq:     g.seq,
	}
}

// Restore replaces the generator state.
func (g *EventGenerator) Restore(st EventState) {
	g.events = g.events[:0]
	for _, e := range st.Events {
		c := *e
		g.events = append(g.events, &c)
	}
	g.archive = nil
	for _, e := range st.Archive {
		c := *e
		g.archive = append(g.archive, &c)
	}
	g.queue = append([]SpawnRequest(nil), st.Queue...)
	g.seq = st.Seq
}
