package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/talgya/tradersim/internal/agents"
	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/economy"
	"github.com/talgya/tradersim/internal/entropy"
	"github.com/talgya/tradersim/internal/social"
	"github.com/talgya/tradersim/internal/stream"
)

// Reputation signal strengths applied by the scheduler.
const (
	tradeSignal        = 1.0
	defaultPayment     = -10.0
	defaultHonesty     = -5.0
	accurateInfo       = 1.0
	inaccurateInfo     = -2.0
	longevitySignal    = 1.0
	longevityMinTicks  = 100
	newsHolderFraction = 10 // one in ten active traders hears news first
)

// Origins of packets that do not come from a trader.
const (
	originMarket = "@market"
	originNews   = "@news"
)

// TickReport summarizes one committed tick.
type TickReport struct {
	Tick           uint64          `json:"tick"`
	Phase          string          `json:"phase"`
	PhaseChanged   bool            `json:"phase_changed"`
	Trades         int             `json:"trades"`
	Volume         int64           `json:"volume"`
	Notional       decimal.Decimal `json:"notional"`
	Rejections     int             `json:"rejections"`
	Defaults       int             `json:"defaults"`
	Clamped        []string        `json:"clamped,omitempty"`
	Stale          []string        `json:"stale,omitempty"`
	Skipped        []string        `json:"skipped,omitempty"`
	Quarantined    []string        `json:"quarantined,omitempty"`
	Bankrupt       []string        `json:"bankrupt,omitempty"`
	EventsStarted  []string        `json:"events_started,omitempty"`
	EventsResolved int             `json:"events_resolved"`
	Truncated      int             `json:"chains_truncated"`
	Deliveries     int             `json:"deliveries"`
	PrunedPairs    int             `json:"pruned_pairs"`
	Active         int             `json:"active"`
	OpenEvents     int             `json:"open_events"`
	Elapsed        time.Duration   `json:"elapsed_ns"`
}

// Step runs one tick in the fixed order:
//
//  1. reputation decay when the interval is reached
//  2. one hop of information propagation
//  3. market cycle evaluation
//  4. event sampling and lifecycle
//  5. parallel decide() for every active trader
//  6. per-asset matching and quote publication
//  7. settlement, reputation signals and bankruptcy
//  8. publication of price and event facts for the next tick
//
// The tick commits as a whole. If ctx is cancelled before matching starts
// every change is rolled back and queued player input is put back.
func (s *Simulation) Step(ctx context.Context) (*TickReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	tick := s.tick + 1
	checkpoint := s.state()
	input := s.in.drain()
	rep := &TickReport{Tick: tick, Notional: decimal.Zero}

	discard := func(cause error) (*TickReport, error) {
		if err := s.restore(checkpoint); err != nil {
			return nil, errors.Join(cause, err)
		}
		s.in.requeue(input)
		return nil, cause
	}

	s.queueOrders(tick, input.orders)

	// 1. Reputation decay.
	if s.ledger.DecayDue(tick) {
		rep.PrunedPairs = s.ledger.Decay()
		s.rewardLongevity(tick)
	}

	// 2. Information propagation.
	ids := s.activeIDs()
	deliveries := s.network.Propagate(tick, ids, s.ledger, s.influence, entropy.Derive(s.seed, entropy.StreamGossip, tick))
	rep.Deliveries = len(deliveries)
	for _, d := range deliveries {
		signal := accurateInfo
		if !d.Accurate {
			signal = inaccurateInfo
		}
		s.ledger.Update(d.To, d.From, social.Signals{config.FactorInformationQuality: signal})
	}

	// 3. Market cycle.
	rep.PhaseChanged = s.cycle.Evaluate(tick)

	// 4. Economic events.
	est := s.events.Step(tick, s.cycle.Phase(), s.cycle.Coefficients().EventRate,
		entropy.Derive(s.seed, entropy.StreamEvents, tick), s.pricing.Assets(), ids)
	for _, f := range input.fires {
		e, err := s.events.Fire(tick, f.Type, f.Magnitude, f.Target)
		if err != nil {
			slog.Warn("queued event not fired", "tick", tick, "type", f.Type, "error", err)
			continue
		}
		est.Started = append(est.Started, e)
	}
	if s.applyEventStarts(tick, est.Started) {
		rep.PhaseChanged = true
	}
	for _, e := range est.Started {
		rep.EventsStarted = append(rep.EventsStarted, e.Type)
	}
	rep.EventsResolved = len(est.Resolved)
	rep.Truncated = est.Truncated
	coeffs := s.cycle.Coefficients()

	// 5. Decide.
	order := s.evaluationOrder(tick, ids)
	results := s.runDecisions(ctx, tick, order, s.observation(tick, coeffs))
	if err := ctx.Err(); err != nil {
		slog.Info("tick discarded", "tick", tick, "reason", err)
		return discard(err)
	}

	notices := make(map[string][]agents.Notice)
	decisions := make(map[string]agents.Decision, len(order))
	var intents []economy.OrderIntent
	for i, t := range order {
		res := results[i]
		if res.err != nil {
			s.recordFailure(tick, t, res.err, rep, notices)
			continue
		}
		t.Failures = 0
		decisions[t.ID] = res.decision
		for _, in := range res.decision.Intents {
			in.TraderID = t.ID
			in.Tick = tick
			intents = append(intents, in)
		}
	}

	// 6. Matching, one asset at a time in sorted order.
	prev := make(map[string]float64)
	for asset, q := range s.pricing.Quotes() {
		prev[asset] = q.Price
	}
	acct := economy.NewAvailability()
	for _, t := range s.traders {
		if t.Active() {
			acct.Fund(t.ID, t.Capital, t.Inventory)
		}
	}
	byAsset := make(map[string][]economy.OrderIntent)
	for _, in := range intents {
		if _, ok := prev[in.Asset]; !ok {
			rej := economy.Rejection{TraderID: in.TraderID, Asset: in.Asset, Side: in.Side, Quantity: in.Quantity, Tick: tick,
				Err: fmt.Errorf("%q: %w", in.Asset, economy.ErrUnknownAsset)}
			notices[in.TraderID] = append(notices[in.TraderID], agents.NoticeFromRejection(rej))
			rep.Rejections++
			continue
		}
		byAsset[in.Asset] = append(byAsset[in.Asset], in)
	}

	var clears []*economy.ClearResult
	var fills []economy.Trade
	var defaults []economy.Default
	for _, asset := range s.pricing.Assets() {
		mod := economy.Modifiers{
			Volatility: coeffs.Volatility,
			Impact:     s.events.Impact(asset, tick),
			Override:   s.events.Override(asset),
		}
		res, err := s.clearAsset(tick, asset, byAsset[asset], acct, mod)
		if err != nil {
			slog.Error("asset clearing failed", "tick", tick, "asset", asset, "error", err)
			continue
		}
		clears = append(clears, res)
		fills = append(fills, res.Trades...)
		defaults = append(defaults, res.Defaults...)
		for _, r := range res.Rejections {
			notices[r.TraderID] = append(notices[r.TraderID], agents.NoticeFromRejection(r))
		}
		rep.Rejections += len(res.Rejections)
		if res.Clamped {
			rep.Clamped = append(rep.Clamped, asset)
		}
	}

	// 7. Settlement.
	prices := make(map[string]float64, len(prev))
	quotes := s.pricing.Quotes()
	for _, asset := range s.pricing.Assets() {
		q := quotes[asset]
		prices[asset] = q.Price
		if err := q.CheckFresh(tick, s.cfg.Market.StaleAfterTicks); err != nil {
			rep.Stale = append(rep.Stale, asset)
			slog.Debug("quote carried forward", "tick", tick, "error", err)
		}
	}
	byTrader := make(map[string][]economy.Trade)
	for _, f := range fills {
		byTrader[f.BuyerID] = append(byTrader[f.BuyerID], f)
		byTrader[f.SellerID] = append(byTrader[f.SellerID], f)
		rep.Volume += f.Quantity
		rep.Notional = rep.Notional.Add(f.Notional())
	}
	rep.Trades = len(fills)
	rep.Defaults = len(defaults)
	for _, t := range s.traders {
		if !t.Active() {
			continue
		}
		if err := t.Settle(tick, byTrader[t.ID], decisions[t.ID], prices, notices[t.ID]); err != nil {
			slog.Error("settlement failed, discarding tick", "tick", tick, "trader", t.ID, "error", err)
			return discard(fmt.Errorf("settling tick %d: %w", tick, err))
		}
	}
	s.rateTrades(fills, defaults)
	s.applyRatings(input.ratings)
	s.archiveBankrupt(tick, prices, rep)

	// 8. Facts for the next tick.
	s.publishFacts(tick, prev, clears, est.Started)

	// Commit.
	s.tick = tick
	s.trades = append(s.trades, fills...)
	if len(s.trades) > maxTradeLog {
		s.trades = append(s.trades[:0:0], s.trades[len(s.trades)-maxTradeLog:]...)
	}
	rep.Phase = PhaseName(s.cycle.Phase())
	rep.Active = len(s.activeIDs())
	rep.OpenEvents = len(s.events.events)
	rep.Elapsed = time.Since(start)
	s.reports = append(s.reports, *rep)
	if len(s.reports) > maxReports {
		s.reports = append(s.reports[:0:0], s.reports[len(s.reports)-maxReports:]...)
	}

	s.logReport(rep)
	s.streamFacts(rep, clears, est)
	return rep, nil
}

// clearAsset isolates one asset's matching: a panic there costs that asset
// its tick, not the other assets.
func (s *Simulation) clearAsset(tick uint64, asset string, intents []economy.OrderIntent, acct *economy.Availability, mod economy.Modifiers) (res *economy.ClearResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("clearing %s: panic: %v", asset, p)
		}
	}()
	return s.pricing.Clear(tick, asset, intents, acct, mod)
}

func (s *Simulation) influence(id string) float64 {
	if t, ok := s.index[id]; ok {
		return t.Personality.SocialInfluence
	}
	return 0
}

// evaluationOrder shuffles the active traders with the tick's order stream.
func (s *Simulation) evaluationOrder(tick uint64, ids []string) []*agents.Trader {
	shuffled := entropy.Shuffle(entropy.Derive(s.seed, entropy.StreamOrder, tick), ids)
	order := make([]*agents.Trader, len(shuffled))
	for i, id := range shuffled {
		order[i] = s.index[id]
	}
	return order
}

// observation builds the immutable view shared by every decide() call.
func (s *Simulation) observation(tick uint64, coeffs config.PhaseCoefficients) *agents.Observation {
	assets := s.pricing.Assets()
	hist := make(map[string][]float64, len(assets))
	fund := make(map[string]float64, len(assets))
	for _, a := range assets {
		hist[a] = s.pricing.History(a)
		// Traders price open events into their view of fair value.
		fund[a] = s.fundamentals.Value(a, tick) * (1 + s.events.Impact(a, tick))
	}
	return &agents.Observation{
		Tick:         tick,
		Assets:       assets,
		Quotes:       s.pricing.Quotes(),
		History:      hist,
		Fundamentals: fund,
		Reputation:   s.ledger.View(),
		RiskAppetite: coeffs.RiskAppetite,
		StaleAfter:   s.cfg.Market.StaleAfterTicks,
	}
}

// recordFailure counts a failed decide() and quarantines the trader once
// the consecutive failure count reaches the threshold.
func (s *Simulation) recordFailure(tick uint64, t *agents.Trader, err error, rep *TickReport, notices map[string][]agents.Notice) {
	t.Failures++
	rep.Skipped = append(rep.Skipped, t.ID)
	notices[t.ID] = append(notices[t.ID], agents.Notice{Tick: tick, Kind: agents.NoticeDecisionFailed, Message: err.Error()})
	slog.Warn("decision skipped", "tick", tick, "trader", t.ID, "failures", t.Failures, "error", err)

	if t.Failures < s.cfg.Simulation.FailureThreshold {
		return
	}
	t.Status = agents.StatusQuarantined
	t.EndedTick = tick
	t.Notices = notices[t.ID]
	t.Queued = nil
	cancelled := s.pricing.CancelTrader(t.ID)
	s.in.unregister(t.ID)
	rep.Quarantined = append(rep.Quarantined, t.ID)
	slog.Warn("trader quarantined", "tick", tick, "trader", t.ID, "failures", t.Failures, "orders_cancelled", cancelled)
}

// applyEventStarts applies the immediate effects of new events: scandals
// hit the target's reputation and crises force the cycle. It reports whether
// the phase was forced.
func (s *Simulation) applyEventStarts(tick uint64, started []*EconomicEvent) bool {
	forced := false
	for _, e := range started {
		if e.Scope == config.ScopeReputation {
			if _, ok := s.index[e.Target]; ok {
				s.ledger.Shift(e.Target, e.Direction*e.Magnitude)
			}
		}
		tc, _ := s.cfg.EventType(e.Type)
		if tc.ForcePhase == "" {
			continue
		}
		p, err := ParsePhase(tc.ForcePhase)
		if err != nil || p == s.cycle.Phase() {
			continue
		}
		s.cycle.Force(tick, p, e.Type)
		forced = true
	}
	return forced
}

// rateTrades turns the tick's fills and payment defaults into reputation
// signals between counterparties. The aggressor also credits the resting
// side for the liquidity it provided.
func (s *Simulation) rateTrades(fills []economy.Trade, defaults []economy.Default) {
	for _, f := range fills {
		s.ledger.Update(f.BuyerID, f.SellerID, social.Signals{config.FactorTradeHonesty: tradeSignal})
		s.ledger.Update(f.SellerID, f.BuyerID, social.Signals{config.FactorPaymentReliability: tradeSignal})
		aggressor, resting := f.BuyerID, f.SellerID
		if f.Aggressor == economy.Sell {
			aggressor, resting = f.SellerID, f.BuyerID
		}
		s.ledger.Update(aggressor, resting, social.Signals{config.FactorCommunityContribution: tradeSignal})
	}
	for _, d := range defaults {
		s.ledger.Update(d.CreditorID, d.DebtorID, social.Signals{
			config.FactorPaymentReliability: defaultPayment,
			config.FactorTradeHonesty:       defaultHonesty,
		})
	}
}

// rewardLongevity gives long-standing traders a public longevity signal at
// each decay pass.
func (s *Simulation) rewardLongevity(tick uint64) {
	for _, t := range s.traders {
		if t.Active() && tick-t.JoinedTick >= longevityMinTicks {
			s.ledger.Update(social.PublicRater, t.ID, social.Signals{config.FactorLongevityBonus: longevitySignal})
		}
	}
}

// archiveBankrupt removes traders whose capital and marked inventory have
// both fallen below the threshold. Their capital moves to the removed total
// and their history stays queryable.
func (s *Simulation) archiveBankrupt(tick uint64, prices map[string]float64, rep *TickReport) {
	threshold := decimal.NewFromFloat(s.cfg.Simulation.BankruptcyThreshold)
	for _, t := range s.traders {
		if !t.Active() || !t.Bankrupt(threshold, prices) {
			continue
		}
		t.Status = agents.StatusArchived
		t.EndedTick = tick
		t.Queued = nil
		s.removed = s.removed.Add(t.Capital)
		s.pricing.CancelTrader(t.ID)
		s.network.Forget(t.ID)
		s.in.unregister(t.ID)
		rep.Bankrupt = append(rep.Bankrupt, t.ID)
		slog.Warn("trader bankrupt", "tick", tick, "trader", t.ID, "capital", t.Capital.StringFixed(2))
	}
}

// publishFacts seeds the information network. Price moves reach the
// traders who took part in them; event news reaches a few random traders,
// some of whom hear a distorted rumor instead.
func (s *Simulation) publishFacts(tick uint64, prev map[string]float64, clears []*economy.ClearResult, started []*EconomicEvent) {
	for _, res := range clears {
		p0 := prev[res.Asset]
		if len(res.Trades) == 0 || p0 <= 0 {
			continue
		}
		s.network.Publish(tick, social.Packet{
			ID:         fmt.Sprintf("price/%s/%d", res.Asset, tick),
			Origin:     originMarket,
			Category:   social.CategoryPrice,
			Asset:      res.Asset,
			Signal:     (res.Quote.Price - p0) / p0,
			Accurate:   true,
			Confidence: 1,
		}, participants(res.Trades))
	}

	ids := s.activeIDs()
	if len(ids) == 0 {
		return
	}
	r := entropy.Derive(s.seed, entropy.StreamGossip, tick, 1)
	n := max(1, len(ids)/newsHolderFraction)
	for _, e := range started {
		if e.Scope == config.ScopeReputation {
			continue
		}
		for i := 0; i < n; i++ {
			holder := ids[r.IntN(len(ids))]
			p := social.Packet{
				ID:         "event/" + e.ID,
				Origin:     originNews,
				Category:   social.CategoryEvent,
				Asset:      e.Target,
				Signal:     e.Direction * e.Magnitude,
				Accurate:   true,
				Confidence: 1,
			}
			if r.Float64() >= s.cfg.Information.RumorAccuracy {
				p.Category = social.CategoryRumor
				p.Signal = -p.Signal
				p.Accurate = false
			}
			s.network.Publish(tick, p, []string{holder})
		}
	}
}

func participants(trades []economy.Trade) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range trades {
		for _, id := range []string{t.BuyerID, t.SellerID} {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (s *Simulation) logReport(rep *TickReport) {
	slog.Debug("tick committed", "tick", rep.Tick, "trades", rep.Trades, "rejections", rep.Rejections,
		"deliveries", rep.Deliveries, "elapsed", rep.Elapsed)
	iv := s.cfg.Simulation.ReportInterval
	if iv <= 0 || rep.Tick%uint64(iv) != 0 {
		return
	}
	cur := s.currency()
	held, _ := cur.Held.Float64()
	removed, _ := cur.Removed.Float64()
	slog.Info("market report",
		"tick", rep.Tick,
		"phase", rep.Phase,
		"active", rep.Active,
		"open_events", rep.OpenEvents,
		"stale", len(rep.Stale),
		"trades_logged", humanize.Comma(int64(len(s.trades))),
		"capital", humanize.Commaf(math.Round(held*100)/100),
		"removed", humanize.Commaf(math.Round(removed*100)/100),
		"balanced", cur.Balanced(),
	)
}

// streamFacts pushes the committed tick to stream consumers. Events are
// copied so consumers never share the generator's records.
func (s *Simulation) streamFacts(rep *TickReport, clears []*economy.ClearResult, est EventStep) {
	if s.facts == nil {
		return
	}
	tick := rep.Tick
	var facts []stream.Fact
	for _, res := range clears {
		facts = append(facts, stream.Fact{Kind: stream.KindQuote, Tick: tick, Data: res.Quote})
		for _, t := range res.Trades {
			facts = append(facts, stream.Fact{Kind: stream.KindTrade, Tick: tick, Data: t})
		}
	}
	for _, group := range [][]*EconomicEvent{est.Started, est.Expired, est.Resolved} {
		for _, e := range group {
			ev := *e
			facts = append(facts, stream.Fact{Kind: stream.KindEvent, Tick: tick, Data: ev})
		}
	}
	if rep.PhaseChanged {
		facts = append(facts, stream.Fact{Kind: stream.KindPhase, Tick: tick, Data: rep.Phase})
	}
	facts = append(facts, stream.Fact{Kind: stream.KindReport, Tick: tick, Data: *rep})
	s.facts.Publish(facts...)
}
