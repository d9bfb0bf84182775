package economy

import (
	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/tradersim/internal/config"
)

// Fundamentals produces a smooth, seed-determined "fair value" path per
// asset. It is a pure function of (seed, asset, tick), so it needs no state
// in checkpoints.
type Fundamentals struct {
	noise     opensimplex.Noise
	frequency float64
	assets    map[string]fundamentalAsset
}

type fundamentalAsset struct {
	initial   float64
	amplitude float64
	offset    float64
}

// NewFundamentals builds the value paths for every configured asset.
func NewFundamentals(seed int64, cfg config.MarketConfig) *Fundamentals {
	f := &Fundamentals{
		noise:     opensimplex.NewNormalized(seed),
		frequency: cfg.FundamentalFrequency,
		assets:    make(map[string]fundamentalAsset, len(cfg.Assets)),
	}
	for i, a := range cfg.Assets {
		f.assets[a.ID] = fundamentalAsset{
			initial:   a.InitialPrice,
			amplitude: a.FundamentalAmplitude,
			offset:    float64(i) * 31.7,
		}
	}
	return f
}

// Value returns the fundamental value of asset at tick, or 0 for unknown assets.
func (f *Fundamentals) Value(asset string, tick uint64) float64 {
	a, ok := f.assets[asset]
	if !ok {
		return 0
	}
	return a.initial * (1 + a.amplitude*f.octave(float64(tick), a.offset))
}

// octave layers two frequencies of normalized noise and recentres on zero.
func (f *Fundamentals) octave(t, y float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0
	freq := f.frequency
	for i := 0; i < 2; i++ {
		total += (f.noise.Eval2(t*freq, y)*2 - 1) * amplitude
		maxVal += amplitude
		amplitude *= 0.5
		freq *= 2
	}
	return total / maxVal
}
