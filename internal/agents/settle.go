package agents

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/talgya/tradersim/internal/economy"
)

// Learning parameters.
const (
	learnHorizon    = 3    // ticks before a fill's outcome is judged
	minWeightFactor = 0.01 // floor on the per-update multiplier
	pnlScale        = 10
	maxAttributions = 64
)

// Settle applies the tick's fills atomically: all balance changes are
// computed first and nothing is written if any would go negative. It then
// credits matured fills back to the strategies that argued for them and
// replaces last tick's notices with this tick's.
func (t *Trader) Settle(tick uint64, fills []economy.Trade, d Decision, prices map[string]float64, notices []Notice) error {
	capital := t.Capital
	inv := make(map[string]int64, len(t.Inventory))
	for k, v := range t.Inventory {
		inv[k] = v
	}
	var attrs []Attribution

	for _, f := range fills {
		notional := f.Notional()
		switch t.ID {
		case f.BuyerID:
			capital = capital.Sub(notional)
			inv[f.Asset] += f.Quantity
		case f.SellerID:
			capital = capital.Add(notional)
			inv[f.Asset] -= f.Quantity
		default:
			return fmt.Errorf("settling trade %s for %s: not a party", f.ID, t.ID)
		}
		if s, ok := d.Signals[f.Asset]; ok {
			attrs = append(attrs, Attribution{Tick: tick, Asset: f.Asset, Price: f.Price, Signals: s})
		}
	}

	if capital.IsNegative() {
		return fmt.Errorf("trader %s capital %s: %w", t.ID, capital, ErrNegativeBalance)
	}
	for asset, q := range inv {
		if q < 0 {
			return fmt.Errorf("trader %s %s inventory %d: %w", t.ID, asset, q, ErrNegativeBalance)
		}
	}

	t.Capital = capital
	t.Inventory = inv
	t.TradeCount += int64(len(fills))
	t.Attributions = append(t.Attributions, attrs...)
	t.learn(tick, prices)
	t.Notices = notices
	t.Queued = nil
	return nil
}

// learn updates weight_i ← normalize(weight_i · (1 + lr · pnl_i)) using every
// attribution that has matured. pnl_i is the realized return since the fill
// times strategy i's signal, so strategies are credited for being right
// regardless of which side the trader took.
func (t *Trader) learn(tick uint64, prices map[string]float64) {
	if len(t.Attributions) == 0 {
		return
	}
	var pnl Weights
	matured := 0
	kept := t.Attributions[:0]
	for _, a := range t.Attributions {
		if tick < a.Tick+learnHorizon {
			kept = append(kept, a)
			continue
		}
		p, ok := prices[a.Asset]
		if !ok || a.Price <= 0 {
			continue
		}
		ret := (p - a.Price) / a.Price
		for i := range pnl {
			pnl[i] += ret * a.Signals[i] * pnlScale
		}
		matured++
	}
	if len(kept) > maxAttributions {
		kept = kept[len(kept)-maxAttributions:]
	}
	t.Attributions = kept
	if matured == 0 || t.Personality.LearningRate <= 0 {
		return
	}

	w := t.Weights
	for i := range w {
		factor := math.Max(minWeightFactor, 1+t.Personality.LearningRate*pnl[i]/float64(matured))
		w[i] *= factor
	}
	t.Weights = w.Normalize()
}

// Credit adds capital from outside the economy (dynamic admission top-up).
func (t *Trader) Credit(amount decimal.Decimal) {
	t.Capital = t.Capital.Add(amount)
}
