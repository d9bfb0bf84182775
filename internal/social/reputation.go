// Package social holds the pairwise reputation ledger and the trust-weighted
// information network that sit between traders.
package social

import (
	"sort"

	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/numeric"
)

// Neutral is the score of a pair that has never interacted.
const Neutral = 50.0

// PublicRater rates a subject on behalf of the whole market, e.g. after a
// scandal. It counts towards averages like any other rater.
const PublicRater = "@public"

// pruneEpsilon is how close to Neutral a score must decay before the pair is forgotten.
const pruneEpsilon = 0.01

// Signals maps reputation factor names to signed signal strengths.
type Signals map[string]float64

// Pair identifies the rater's opinion of the subject.
type Pair struct {
	Rater   string `json:"rater"`
	Subject string `json:"subject"`
}

// Entry is one stored score, used for persistence.
type Entry struct {
	Rater   string  `json:"rater" db:"rater"`
	Subject string  `json:"subject" db:"subject"`
	Score   float64 `json:"score" db:"score"`
}

// Ledger stores pairwise trust scores in [0,100]. It is mutated only by the
// scheduler's sequential phases; decide() reads a frozen View.
type Ledger struct {
	weights       map[string]float64
	decayInterval int
	decayRate     float64
	scores        map[Pair]float64
}

// NewLedger creates an empty ledger.
func NewLedger(cfg config.ReputationConfig) *Ledger {
	w := make(map[string]float64, len(cfg.Weights))
	for k, v := range cfg.Weights {
		w[k] = v
	}
	return &Ledger{
		weights:       w,
		decayInterval: cfg.DecayInterval,
		decayRate:     cfg.DecayRate,
		scores:        make(map[Pair]float64),
	}
}

// Update applies score += Σ weight_f · signal_f, clamped to [0,100], and
// returns the new score. Unknown factors contribute nothing.
func (l *Ledger) Update(rater, subject string, s Signals) float64 {
	if rater == subject {
		return l.Score(rater, subject)
	}
	factors := make([]string, 0, len(s))
	for f := range s {
		factors = append(factors, f)
	}
	sort.Strings(factors)
	delta := 0.0
	for _, f := range factors {
		delta += l.weights[f] * s[f]
	}
	p := Pair{rater, subject}
	score, ok := l.scores[p]
	if !ok {
		score = Neutral
	}
	score = numeric.Clamp(score+delta, 0, 100)
	l.scores[p] = score
	return score
}

// Shift moves every existing opinion of subject by delta, and the public
// opinion too. Used by reputation-scope events.
func (l *Ledger) Shift(subject string, delta float64) {
	for p, v := range l.scores {
		if p.Subject == subject {
			l.scores[p] = numeric.Clamp(v+delta, 0, 100)
		}
	}
	pub := Pair{PublicRater, subject}
	if _, ok := l.scores[pub]; !ok {
		l.scores[pub] = numeric.Clamp(Neutral+delta, 0, 100)
	}
}

// Score returns the rater's opinion of subject, or Neutral when unknown.
func (l *Ledger) Score(rater, subject string) float64 {
	if v, ok := l.scores[Pair{rater, subject}]; ok {
		return v
	}
	return Neutral
}

// Average returns the mean of every stored opinion of subject, or Neutral
// when nobody has rated them.
func (l *Ledger) Average(subject string) float64 {
	return average(l.scores, subject)
}

// DecayDue reports whether tick falls on the decay interval.
func (l *Ledger) DecayDue(tick uint64) bool {
	return l.decayInterval > 0 && tick > 0 && tick%uint64(l.decayInterval) == 0
}

// Decay moves every stored score the configured fraction toward Neutral and
// forgets pairs that have effectively reached it. It returns the number of
// pairs forgotten.
func (l *Ledger) Decay() int {
	pruned := 0
	for p, v := range l.scores {
		v += (Neutral - v) * l.decayRate
		if d := v - Neutral; d < pruneEpsilon && d > -pruneEpsilon {
			delete(l.scores, p)
			pruned++
			continue
		}
		l.scores[p] = v
	}
	return pruned
}

// Len returns the number of stored pairs.
func (l *Ledger) Len() int { return len(l.scores) }

// View returns a frozen copy safe for concurrent readers.
func (l *Ledger) View() View {
	cp := make(map[Pair]float64, len(l.scores))
	for p, v := range l.scores {
		cp[p] = v
	}
	return View{scores: cp}
}

// Entries returns all stored scores sorted by (rater, subject).
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, 0, len(l.scores))
	for p, v := range l.scores {
		out = append(out, Entry{Rater: p.Rater, Subject: p.Subject, Score: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rater != out[j].Rater {
			return out[i].Rater < out[j].Rater
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}

// Load replaces the ledger contents.
func (l *Ledger) Load(entries []Entry) {
	l.scores = make(map[Pair]float64, len(entries))
	for _, e := range entries {
		l.scores[Pair{e.Rater, e.Subject}] = numeric.Clamp(e.Score, 0, 100)
	}
}

// View is an immutable snapshot of the ledger.
type View struct {
	scores map[Pair]float64
}

// Score returns the rater's opinion of subject, or Neutral when unknown.
func (v View) Score(rater, subject string) float64 {
	if s, ok := v.scores[Pair{rater, subject}]; ok {
		return s
	}
	return Neutral
}

// Average returns the mean stored opinion of subject.
func (v View) Average(subject string) float64 {
	return average(v.scores, subject)
}

// average sums in sorted order so the result does not depend on map iteration.
func average(scores map[Pair]float64, subject string) float64 {
	var vals []float64
	for p, v := range scores {
		if p.Subject == subject {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return Neutral
	}
	sort.Float64s(vals)
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
