package agents

import (
	"math"

	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/numeric"
)

// Strategy indexes the five signal sources blended by every trader.
type Strategy int

const (
	Momentum Strategy = iota
	MeanReversion
	Arbitrage
	Fundamental
	Sentiment
	NumStrategies
)

var strategyNames = [NumStrategies]string{
	config.StrategyMomentum,
	config.StrategyMeanReversion,
	config.StrategyArbitrage,
	config.StrategyFundamental,
	config.StrategySentiment,
}

func (s Strategy) String() string {
	if s >= 0 && s < NumStrategies {
		return strategyNames[s]
	}
	return "unknown"
}

// Weights is a per-strategy vector. Strategy weights always sum to 1.
type Weights [NumStrategies]float64

// WeightsFromMap builds a normalized vector from config names. Missing or
// empty input yields equal weights.
func WeightsFromMap(m map[string]float64) Weights {
	var w Weights
	for i, name := range strategyNames {
		w[i] = math.Max(0, m[name])
	}
	return w.Normalize()
}

// Normalize scales the vector to sum to 1, or returns equal weights if it sums to zero.
func (w Weights) Normalize() Weights {
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		for i := range w {
			w[i] = 1 / float64(NumStrategies)
		}
		return w
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// Map returns the vector keyed by strategy name.
func (w Weights) Map() map[string]float64 {
	out := make(map[string]float64, NumStrategies)
	for i, name := range strategyNames {
		out[name] = w[i]
	}
	return out
}

// momentumLookback is how many published prices momentum compares across.
const momentumLookback = 5

// signals computes each strategy's view of one asset in [-1, 1]; positive
// means buy.
func (t *Trader) signals(asset string, obs *Observation) Weights {
	var s Weights
	hist := obs.History[asset]
	q := obs.Quotes[asset]
	p := q.Price
	if p <= 0 || len(hist) == 0 {
		return s
	}

	s[Momentum] = numeric.Clamp(10*returnOver(hist, momentumLookback), -1, 1)

	mean := 0.0
	for _, v := range hist {
		mean += v
	}
	mean /= float64(len(hist))
	s[MeanReversion] = numeric.Clamp(-10*(p-mean)/mean, -1, 1)

	// Relative value: favour assets that lagged the market.
	if len(obs.Assets) > 1 {
		avg := 0.0
		for _, a := range obs.Assets {
			avg += returnOver(obs.History[a], momentumLookback)
		}
		avg /= float64(len(obs.Assets))
		s[Arbitrage] = numeric.Clamp(-10*(returnOver(hist, momentumLookback)-avg), -1, 1)
	}

	if f := obs.Fundamentals[asset]; f > 0 {
		s[Fundamental] = numeric.Clamp(5*(f-p)/p, -1, 1)
	}

	// Sentiment reads the trader's inbox, weighted by trust in the sender,
	// plus visible order-flow pressure.
	mood := 0.5 * q.Pressure
	for _, pkt := range obs.Inbox {
		if pkt.Asset != "" && pkt.Asset != asset {
			continue
		}
		trust := 1.0
		if pkt.Sender != "" {
			trust = obs.Reputation.Score(t.ID, pkt.Sender) / 100
		}
		mood += pkt.Signal * pkt.Confidence * trust * 5
	}
	s[Sentiment] = numeric.Clamp(mood, -1, 1)

	// Stale prices say less than fresh ones.
	if obs.StaleAfter > 0 && q.CheckFresh(obs.Tick, obs.StaleAfter) != nil {
		s[Momentum] *= 0.5
		s[MeanReversion] *= 0.5
	}
	return s
}

// traitBias tilts the learned weights by the personality.
func (t *Trader) traitBias() Weights {
	return Weights{
		Momentum:      0.5 + t.Personality.RiskTolerance,
		MeanReversion: 1.5 - t.Personality.RiskTolerance,
		Arbitrage:     1,
		Fundamental:   0.5 + t.Personality.InfoWeight,
		Sentiment:     0.5 + t.Personality.SocialInfluence,
	}
}

// blend combines signals into one score using learned weights and traits.
func (t *Trader) blend(s Weights) float64 {
	bias := t.traitBias()
	score := 0.0
	for i := range s {
		score += t.Weights[i] * bias[i] * s[i]
	}
	return score
}

func returnOver(hist []float64, lookback int) float64 {
	n := len(hist)
	if n < 2 {
		return 0
	}
	from := n - 1 - lookback
	if from < 0 {
		from = 0
	}
	if hist[from] <= 0 {
		return 0
	}
	return (hist[n-1] - hist[from]) / hist[from]
}
