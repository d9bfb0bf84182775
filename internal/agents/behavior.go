package agents

import (
	"math"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/talgya/tradersim/internal/economy"
	"github.com/talgya/tradersim/internal/numeric"
)

// Decision is what a trader produced in one decide() call. Signals keeps the
// per-asset strategy views so fills can be attributed at settlement.
type Decision struct {
	Intents []economy.OrderIntent
	Signals map[string]Weights
}

// Quoting parameters. Every acting trader quotes both sides around its own
// valuation of the asset; the side its valuation leans toward gets the larger
// size, so prices settle where valuations meet.
const (
	valuationReach = 0.05 // log move a full-conviction score adds to the valuation
	anchorPull     = 0.3  // share of the log gap to fair value an informed trader closes
	inventoryLean  = 0.1  // valuation discount per unit of overweight wealth share
	minHalfSpread  = 0.005
	maxHalfSpread  = 0.015
	noiseScale     = 0.1
	valuationNoise = 0.02 // private information, spread of log valuations
	makerBudget    = 0.02 // share of the per-asset stake quoted on each side
	directionalCap = 0.25
	conviction     = 10 // directional size saturates at a 10% valuation gap
)

// Decide is a pure function of the observation and the trader's own state:
// it never mutates the trader. Player traders return their queued intents.
func (t *Trader) Decide(tick uint64, obs *Observation, r *rand.Rand) (Decision, error) {
	if t.Kind == KindPlayer {
		intents := make([]economy.OrderIntent, len(t.Queued))
		for i, in := range t.Queued {
			in.TraderID = t.ID
			in.Tick = tick
			intents[i] = in
		}
		return Decision{Intents: intents}, nil
	}

	d := Decision{Signals: make(map[string]Weights, len(obs.Assets))}
	if r.Float64() >= t.Personality.Frequency.ActProbability() {
		return d, nil
	}

	appetite := obs.RiskAppetite
	if appetite <= 0 {
		appetite = 1
	}
	risk := numeric.Clamp(t.Personality.RiskTolerance*appetite, 0.05, 1)
	half := minHalfSpread + (maxHalfSpread-minHalfSpread)*(1-risk)

	// Buy budget is halved for a tick after being told we could not pay.
	caution := 1.0
	for _, n := range t.Notices {
		if n.Kind == NoticeInsufficientFunds {
			caution = 0.5
			break
		}
	}

	wealth := t.Capital.InexactFloat64()
	for _, asset := range obs.Assets {
		wealth += float64(t.Inventory[asset]) * obs.Quotes[asset].Price
	}
	if wealth <= 0 {
		return d, nil
	}
	// Wealth is split evenly between cash and each asset.
	stake := wealth / float64(len(obs.Assets)+1)
	targetShare := 1 / float64(len(obs.Assets)+1)

	cash := t.Capital
	for _, asset := range obs.Assets {
		q, ok := obs.Quotes[asset]
		if !ok || q.Price <= 0 {
			continue
		}
		s := t.signals(asset, obs)
		d.Signals[asset] = s
		score := t.blend(s) + t.Bias + r.NormFloat64()*noiseScale
		p := q.Price
		held := t.Inventory[asset]

		gap := valuationReach*numeric.Clamp(score, -1, 1) - inventoryLean*(float64(held)*p/wealth-targetShare)
		if f := obs.Fundamentals[asset]; f > 0 {
			gap += anchorPull * t.Personality.InfoWeight * math.Log(f/p)
		}
		gap += r.NormFloat64() * valuationNoise
		value := p * math.Exp(gap)
		lean := numeric.Clamp(gap*conviction, -1, 1)

		bid := numeric.Round2(value * (1 - half))
		if bid >= economy.MinPrice {
			budget := stake * (makerBudget + risk*directionalCap*math.Max(0, lean)) * caution
			qty := affordableQty(decimal.Min(cash, decimal.NewFromFloat(budget)), bid)
			if qty == 0 && affordableQty(cash, bid) > 0 {
				qty = 1
			}
			if qty > 0 {
				d.Intents = append(d.Intents, t.intent(tick, asset, economy.Buy, qty, bid))
				cash = cash.Sub(decimal.NewFromFloat(bid).Mul(decimal.NewFromInt(qty)))
			}
		}

		ask := numeric.Round2(value * (1 + half))
		if held > 0 && ask >= economy.MinPrice {
			budget := stake * (makerBudget + risk*directionalCap*math.Max(0, -lean))
			qty := numeric.Clamp(int64(budget/ask), 1, held)
			d.Intents = append(d.Intents, t.intent(tick, asset, economy.Sell, qty, ask))
		}
	}
	return d, nil
}

func (t *Trader) intent(tick uint64, asset string, side economy.Side, qty int64, price float64) economy.OrderIntent {
	return economy.OrderIntent{
		TraderID: t.ID,
		Asset:    asset,
		Side:     side,
		Quantity: qty,
		Price:    price,
		Tick:     tick,
	}
}

func affordableQty(budget decimal.Decimal, price float64) int64 {
	if price <= 0 || !budget.IsPositive() {
		return 0
	}
	return budget.Div(decimal.NewFromFloat(price)).Floor().IntPart()
}
