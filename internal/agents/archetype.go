package agents

import (
	"github.com/shopspring/decimal"

	"github.com/talgya/tradersim/internal/config"
)

// Template names shipped in the default configuration.
const (
	ArchAggressive   = "aggressive"
	ArchConservative = "conservative"
	ArchBalanced     = "balanced"
	ArchInfluencer   = "influencer"
	ArchPlayer       = "player"
)

// PersonalityFrom converts a configuration template into a Personality.
func PersonalityFrom(tpl config.PersonalityTemplate) Personality {
	return Personality{
		Template:        tpl.Name,
		RiskTolerance:   tpl.RiskTolerance,
		Frequency:       ParseFrequency(tpl.Frequency),
		InfoWeight:      tpl.InfoWeight,
		SocialInfluence: tpl.SocialInfluence,
		LearningRate:    tpl.LearningRate,
	}
}

// NewTrader builds a trader from an explicit template. The template is read
// once and copied; traders never consult shared template tables.
func NewTrader(id, name string, kind Kind, tpl config.PersonalityTemplate, capital decimal.Decimal, inventory map[string]int64, tick uint64) *Trader {
	inv := make(map[string]int64, len(inventory))
	for k, v := range inventory {
		if v > 0 {
			inv[k] = v
		}
	}
	if capital.IsNegative() {
		capital = decimal.Zero
	}
	return &Trader{
		ID:          id,
		Name:        name,
		Kind:        kind,
		Personality: PersonalityFrom(tpl),
		Capital:     capital,
		Inventory:   inv,
		Weights:     WeightsFromMap(tpl.StrategyWeights),
		Status:      StatusActive,
		JoinedTick:  tick,
	}
}
