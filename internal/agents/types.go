// Package agents provides the trader data model, personality archetypes,
// the strategy blend behind decide(), and settlement with adaptive learning.
package agents

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/talgya/tradersim/internal/economy"
	"github.com/talgya/tradersim/internal/social"
)

// ErrNegativeBalance is returned by Settle when applying fills would leave
// capital or inventory below zero. Nothing is applied in that case.
var ErrNegativeBalance = errors.New("settlement would produce a negative balance")

// Kind distinguishes autonomous traders from player-controlled ones.
type Kind uint8

const (
	KindAI     Kind = 0
	KindPlayer Kind = 1
)

func (k Kind) String() string {
	if k == KindPlayer {
		return "player"
	}
	return "ai"
}

// Status is a trader's lifecycle state.
type Status uint8

const (
	StatusActive      Status = 0
	StatusQuarantined Status = 1 // Too many failed decisions, excluded from ticks
	StatusArchived    Status = 2 // Bankrupt, kept for reputation history
)

func (s Status) String() string {
	switch s {
	case StatusQuarantined:
		return "quarantined"
	case StatusArchived:
		return "archived"
	default:
		return "active"
	}
}

// Frequency is a trader's trade-frequency class.
type Frequency uint8

const (
	FrequencyLow    Frequency = 0
	FrequencyMedium Frequency = 1
	FrequencyHigh   Frequency = 2
)

// ActProbability is the chance the trader acts in a given tick.
func (f Frequency) ActProbability() float64 {
	switch f {
	case FrequencyHigh:
		return 0.9
	case FrequencyMedium:
		return 0.5
	default:
		return 0.2
	}
}

// ParseFrequency maps a config name to a Frequency.
func ParseFrequency(s string) Frequency {
	switch s {
	case "high":
		return FrequencyHigh
	case "medium":
		return FrequencyMedium
	default:
		return FrequencyLow
	}
}

func (f Frequency) String() string {
	switch f {
	case FrequencyHigh:
		return "high"
	case FrequencyMedium:
		return "medium"
	default:
		return "low"
	}
}

// Personality is the immutable trait profile a trader is created with.
type Personality struct {
	Template        string    `json:"template"`
	RiskTolerance   float64   `json:"risk_tolerance"`
	Frequency       Frequency `json:"frequency"`
	InfoWeight      float64   `json:"info_weight"`
	SocialInfluence float64   `json:"social_influence"`
	LearningRate    float64   `json:"learning_rate"`
}

// NoticeKind classifies feedback delivered to a trader.
type NoticeKind uint8

const (
	NoticeValidation NoticeKind = iota
	NoticeInsufficientFunds
	NoticeSelfTrade
	NoticeExpired
	NoticeDecisionFailed
)

var noticeNames = [...]string{"validation", "insufficient_funds", "self_trade", "expired", "decision_failed"}

func (k NoticeKind) String() string {
	if int(k) < len(noticeNames) {
		return noticeNames[k]
	}
	return "unknown"
}

// Notice tells a trader what happened to one of its orders last tick.
type Notice struct {
	Tick     uint64       `json:"tick"`
	Kind     NoticeKind   `json:"kind"`
	Asset    string       `json:"asset,omitempty"`
	Side     economy.Side `json:"side"`
	Quantity int64        `json:"quantity"`
	Message  string       `json:"message"`
}

// NoticeFromRejection converts a matching-phase rejection into a Notice.
func NoticeFromRejection(r economy.Rejection) Notice {
	n := Notice{Tick: r.Tick, Asset: r.Asset, Side: r.Side, Quantity: r.Quantity}
	switch {
	case errors.Is(r.Err, economy.ErrInsufficientFunds):
		n.Kind = NoticeInsufficientFunds
	case errors.Is(r.Err, economy.ErrSelfTrade):
		n.Kind = NoticeSelfTrade
	case errors.Is(r.Err, economy.ErrExpired):
		n.Kind = NoticeExpired
	default:
		n.Kind = NoticeValidation
	}
	if r.Err != nil {
		n.Message = r.Err.Error()
	}
	return n
}

// Attribution remembers which strategies argued for a fill, so the fill's
// later outcome can be credited back to them.
type Attribution struct {
	Tick    uint64  `json:"tick"`
	Asset   string  `json:"asset"`
	Price   float64 `json:"price"`
	Signals Weights `json:"signals"`
}

// Trader is an autonomous or player-controlled market participant. Each
// trader owns its capital, inventory and strategy weights; nothing here is
// shared with other traders.
type Trader struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Kind        Kind             `json:"kind"`
	Personality Personality      `json:"personality"`
	Capital     decimal.Decimal  `json:"capital"`
	Inventory   map[string]int64 `json:"inventory"`
	Weights     Weights          `json:"weights"`

	// Bias is a persistent idiosyncratic tilt drawn at creation.
	Bias float64 `json:"bias"`

	Status     Status `json:"status"`
	Failures   int    `json:"failures"`
	JoinedTick uint64 `json:"joined_tick"`
	EndedTick  uint64 `json:"ended_tick,omitempty"`

	Notices      []Notice              `json:"notices,omitempty"`
	Attributions []Attribution         `json:"attributions,omitempty"`
	Queued       []economy.OrderIntent `json:"queued,omitempty"`

	TradeCount int64 `json:"trade_count"`

	// TokenHash is the SHA-256 of a player's access token.
	TokenHash string `json:"token_hash,omitempty"`
}

// Active reports whether the trader takes part in ticks.
func (t *Trader) Active() bool { return t.Status == StatusActive }

// Holding returns the inventory quantity of asset.
func (t *Trader) Holding(asset string) int64 { return t.Inventory[asset] }

// InventoryValue marks inventory to the given prices.
func (t *Trader) InventoryValue(prices map[string]float64) decimal.Decimal {
	total := decimal.Zero
	for _, asset := range sortedKeys(t.Inventory) {
		total = total.Add(decimal.NewFromFloat(prices[asset]).Mul(decimal.NewFromInt(t.Inventory[asset])))
	}
	return total
}

// Bankrupt reports whether both capital and marked inventory are below threshold.
func (t *Trader) Bankrupt(threshold decimal.Decimal, prices map[string]float64) bool {
	return t.Capital.LessThan(threshold) && t.InventoryValue(prices).LessThan(threshold)
}

// Clone returns a deep copy.
func (t *Trader) Clone() *Trader {
	c := *t
	c.Inventory = make(map[string]int64, len(t.Inventory))
	for k, v := range t.Inventory {
		c.Inventory[k] = v
	}
	c.Notices = append([]Notice(nil), t.Notices...)
	c.Attributions = append([]Attribution(nil), t.Attributions...)
	c.Queued = append([]economy.OrderIntent(nil), t.Queued...)
	return &c
}

// Observation is the read-only world a trader sees during decide(). The maps
// are shared between traders and must not be modified.
type Observation struct {
	Tick         uint64
	Assets       []string
	Quotes       map[string]economy.PriceQuote
	History      map[string][]float64
	Fundamentals map[string]float64
	Reputation   social.View
	Inbox        []social.Packet
	RiskAppetite float64
	StaleAfter   int
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
