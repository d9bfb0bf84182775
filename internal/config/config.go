// Package config defines the immutable per-session configuration of the market
// simulation and provides defaults and validation.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Phase names as they appear in configuration files.
const (
	PhaseExpansion   = "expansion"
	PhasePeak        = "peak"
	PhaseContraction = "contraction"
	PhaseTrough      = "trough"
	PhaseRecovery    = "recovery"
	PhaseGrowth      = "growth"
)

// PhaseNames lists the six cycle phases in their cyclic order.
var PhaseNames = []string{
	PhaseExpansion, PhasePeak, PhaseContraction, PhaseTrough, PhaseRecovery, PhaseGrowth,
}

// Reputation factor names.
const (
	FactorTradeHonesty          = "trade_honesty"
	FactorInformationQuality    = "information_quality"
	FactorPaymentReliability    = "payment_reliability"
	FactorCommunityContribution = "community_contribution"
	FactorLongevityBonus        = "longevity_bonus"
)

// Strategy names used in personality weight tables.
const (
	StrategyMomentum      = "momentum"
	StrategyMeanReversion = "mean_reversion"
	StrategyArbitrage     = "arbitrage"
	StrategyFundamental   = "fundamental"
	StrategySentiment     = "sentiment"
)

// Event scopes.
const (
	ScopeAsset      = "asset"
	ScopeMarket     = "market"
	ScopeReputation = "reputation"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETSIM_* environment variables.
// It is loaded once at initialization and never mutated afterwards.
type Config struct {
	Seed          int64                 `toml:"seed"`
	LogLevel      string                `toml:"log_level"`
	Simulation    SimulationConfig      `toml:"simulation"`
	Market        MarketConfig          `toml:"market"`
	Reputation    ReputationConfig      `toml:"reputation"`
	Information   InformationConfig     `toml:"information"`
	Cycle         CycleConfig           `toml:"cycle"`
	Events        EventsConfig          `toml:"events"`
	Personalities []PersonalityTemplate `toml:"personalities"`
	Population    PopulationConfig      `toml:"population"`
	Storage       StorageConfig         `toml:"storage"`
	Server        ServerConfig          `toml:"server"`
	Redis         RedisConfig           `toml:"redis"`
}

// SimulationConfig holds scheduler parameters.
type SimulationConfig struct {
	Workers             int      `toml:"workers"`
	DecideBudget        Duration `toml:"decide_budget"`
	FailureThreshold    int      `toml:"failure_threshold"`
	BankruptcyThreshold float64  `toml:"bankruptcy_threshold"`
	HistoryWindow       int      `toml:"history_window"`
	ReportInterval      int      `toml:"report_interval"`
	CheckpointInterval  int      `toml:"checkpoint_interval"`
	TickInterval        Duration `toml:"tick_interval"`
}

// AssetConfig describes one tradeable asset.
type AssetConfig struct {
	ID                   string  `toml:"id"`
	InitialPrice         float64 `toml:"initial_price"`
	ReferenceVolume      float64 `toml:"reference_volume"`
	FundamentalAmplitude float64 `toml:"fundamental_amplitude"`
}

// MarketConfig holds PricingEngine parameters.
type MarketConfig struct {
	Assets                []AssetConfig `toml:"assets"`
	CircuitBreakerPercent float64       `toml:"circuit_breaker_percent"`
	// BookRetentionTicks is how many ticks an unfilled limit order rests in the
	// book. Zero clears the book at the end of every tick.
	BookRetentionTicks   int     `toml:"book_retention_ticks"`
	DriftCoefficient     float64 `toml:"drift_coefficient"`
	PressureSmoothing    float64 `toml:"pressure_smoothing"`
	StaleAfterTicks      int     `toml:"stale_after_ticks"`
	FundamentalFrequency float64 `toml:"fundamental_frequency"`
}

// ReputationConfig holds ReputationLedger parameters.
type ReputationConfig struct {
	Weights       map[string]float64 `toml:"weights"`
	DecayInterval int                `toml:"decay_interval"`
	DecayRate     float64            `toml:"decay_rate"`
}

// InformationConfig holds InformationNetwork parameters.
type InformationConfig struct {
	Fanout             int     `toml:"fanout"`
	HopDecay           float64 `toml:"hop_decay"`
	ConfidenceFloor    float64 `toml:"confidence_floor"`
	SeenRetentionTicks int     `toml:"seen_retention_ticks"`
	MaxInbox           int     `toml:"max_inbox"`
	RumorAccuracy      float64 `toml:"rumor_accuracy"`
}

// PhaseCoefficients is one row of the cycle coefficient table.
type PhaseCoefficients struct {
	RiskAppetite float64 `toml:"risk_appetite"`
	Volatility   float64 `toml:"volatility"`
	EventRate    float64 `toml:"event_rate"`
}

// CycleConfig holds MarketCycleController parameters.
type CycleConfig struct {
	InitialPhase string                       `toml:"initial_phase"`
	Durations    map[string]int               `toml:"durations"`
	Coefficients map[string]PhaseCoefficients `toml:"coefficients"`
}

// FollowOnConfig names a child event a parent may spawn when it expires.
type FollowOnConfig struct {
	Type        string  `toml:"type"`
	Probability float64 `toml:"probability"`
}

// EventTypeConfig is one entry of the economic event catalogue.
type EventTypeConfig struct {
	Name             string             `toml:"name"`
	BaseProbability  float64            `toml:"base_probability"`
	MagnitudeMin     float64            `toml:"magnitude_min"`
	MagnitudeMax     float64            `toml:"magnitude_max"`
	Duration         int                `toml:"duration"`
	Cooldown         int                `toml:"cooldown"`
	Direction        float64            `toml:"direction"`
	Scope            string             `toml:"scope"`
	Crisis           bool               `toml:"crisis"`
	ForcePhase       string             `toml:"force_phase"`
	PhaseMultipliers map[string]float64 `toml:"phase_multipliers"`
	FollowOn         []FollowOnConfig   `toml:"follow_on"`
}

// EventsConfig holds EventGenerator parameters.
type EventsConfig struct {
	MaxActive     int               `toml:"max_active"`
	MaxChainDepth int               `toml:"max_chain_depth"`
	ChainDecay    float64           `toml:"chain_decay"`
	Types         []EventTypeConfig `toml:"types"`
}

// PersonalityTemplate is an immutable trader personality passed to the
// trader constructor.
type PersonalityTemplate struct {
	Name            string             `toml:"name"`
	RiskTolerance   float64            `toml:"risk_tolerance"`
	Frequency       string             `toml:"frequency"`
	InfoWeight      float64            `toml:"info_weight"`
	SocialInfluence float64            `toml:"social_influence"`
	LearningRate    float64            `toml:"learning_rate"`
	StrategyWeights map[string]float64 `toml:"strategy_weights"`
}

// PopulationGroup seeds Count traders from one template.
type PopulationGroup struct {
	Template  string  `toml:"template"`
	Count     int     `toml:"count"`
	Capital   float64 `toml:"capital"`
	Inventory int64   `toml:"inventory"`
}

// PopulationConfig describes the initial trader population.
type PopulationConfig struct {
	Groups []PopulationGroup `toml:"groups"`
}

// StorageConfig holds checkpoint store parameters.
type StorageConfig struct {
	Path string `toml:"path"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port         int      `toml:"port"`
	AdminKey     string   `toml:"admin_key"`
	CORSOrigins  []string `toml:"cors_origins"`
	StreamBuffer int      `toml:"stream_buffer"`
}

// RedisConfig holds the optional Redis fact sink parameters. An empty Addr
// disables the sink.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "50ms", "1s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Template returns the personality template with the given name.
func (c *Config) Template(name string) (PersonalityTemplate, bool) {
	for _, t := range c.Personalities {
		if t.Name == name {
			return t, true
		}
	}
	return PersonalityTemplate{}, false
}

// EventType returns the catalogue entry for an event type name.
func (c *Config) EventType(name string) (EventTypeConfig, bool) {
	for _, t := range c.Events.Types {
		if t.Name == name {
			return t, true
		}
	}
	return EventTypeConfig{}, false
}

// Asset returns the asset configuration for an id.
func (c *Config) Asset(id string) (AssetConfig, bool) {
	for _, a := range c.Market.Assets {
		if a.ID == id {
			return a, true
		}
	}
	return AssetConfig{}, false
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validFrequencies = map[string]bool{"low": true, "medium": true, "high": true}

var validScopes = map[string]bool{ScopeAsset: true, ScopeMarket: true, ScopeReputation: true}

func isPhase(name string) bool {
	for _, p := range PhaseNames {
		if p == name {
			return true
		}
	}
	return false
}

// Validate checks the configuration for internal consistency. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Simulation
	if c.Simulation.Workers <= 0 {
		errs = append(errs, "simulation: workers must be positive")
	}
	if c.Simulation.DecideBudget.Duration <= 0 {
		errs = append(errs, "simulation: decide_budget must be positive")
	}
	if c.Simulation.FailureThreshold <= 0 {
		errs = append(errs, "simulation: failure_threshold must be positive")
	}
	if c.Simulation.BankruptcyThreshold < 0 {
		errs = append(errs, "simulation: bankruptcy_threshold must not be negative")
	}
	if c.Simulation.HistoryWindow < 2 {
		errs = append(errs, "simulation: history_window must be at least 2")
	}

	// Market
	if len(c.Market.Assets) == 0 {
		errs = append(errs, "market: at least one asset is required")
	}
	seenAssets := make(map[string]bool)
	for _, a := range c.Market.Assets {
		if a.ID == "" {
			errs = append(errs, "market: asset id must not be empty")
		}
		if seenAssets[a.ID] {
			errs = append(errs, fmt.Sprintf("market: duplicate asset %q", a.ID))
		}
		seenAssets[a.ID] = true
		if a.InitialPrice <= 0 {
			errs = append(errs, fmt.Sprintf("market: asset %q initial_price must be positive", a.ID))
		}
		if a.ReferenceVolume <= 0 {
			errs = append(errs, fmt.Sprintf("market: asset %q reference_volume must be positive", a.ID))
		}
		if a.FundamentalAmplitude < 0 || a.FundamentalAmplitude >= 1 {
			errs = append(errs, fmt.Sprintf("market: asset %q fundamental_amplitude must be in [0,1)", a.ID))
		}
	}
	if c.Market.CircuitBreakerPercent <= 0 || c.Market.CircuitBreakerPercent > 1 {
		errs = append(errs, "market: circuit_breaker_percent must be in (0,1]")
	}
	if c.Market.BookRetentionTicks < 0 {
		errs = append(errs, "market: book_retention_ticks must not be negative")
	}
	if c.Market.PressureSmoothing <= 0 || c.Market.PressureSmoothing > 1 {
		errs = append(errs, "market: pressure_smoothing must be in (0,1]")
	}
	if c.Market.StaleAfterTicks <= 0 {
		errs = append(errs, "market: stale_after_ticks must be positive")
	}

	// Reputation
	sum := 0.0
	for name, w := range c.Reputation.Weights {
		switch name {
		case FactorTradeHonesty, FactorInformationQuality, FactorPaymentReliability,
			FactorCommunityContribution, FactorLongevityBonus:
		default:
			errs = append(errs, fmt.Sprintf("reputation: unknown factor %q", name))
		}
		if w < 0 {
			errs = append(errs, fmt.Sprintf("reputation: weight %q must not be negative", name))
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		errs = append(errs, fmt.Sprintf("reputation: weights must sum to 1.0, got %.6f", sum))
	}
	if c.Reputation.DecayInterval <= 0 {
		errs = append(errs, "reputation: decay_interval must be positive")
	}
	if c.Reputation.DecayRate < 0 || c.Reputation.DecayRate > 1 {
		errs = append(errs, "reputation: decay_rate must be in [0,1]")
	}

	// Information
	if c.Information.Fanout <= 0 {
		errs = append(errs, "information: fanout must be positive")
	}
	if c.Information.HopDecay <= 0 || c.Information.HopDecay >= 1 {
		errs = append(errs, "information: hop_decay must be in (0,1)")
	}
	if c.Information.ConfidenceFloor <= 0 || c.Information.ConfidenceFloor >= 1 {
		errs = append(errs, "information: confidence_floor must be in (0,1)")
	}
	if c.Information.MaxInbox <= 0 {
		errs = append(errs, "information: max_inbox must be positive")
	}

	// Cycle
	if !isPhase(c.Cycle.InitialPhase) {
		errs = append(errs, fmt.Sprintf("cycle: unknown initial_phase %q", c.Cycle.InitialPhase))
	}
	for _, p := range PhaseNames {
		if c.Cycle.Durations[p] <= 0 {
			errs = append(errs, fmt.Sprintf("cycle: duration for %q must be positive", p))
		}
		if _, ok := c.Cycle.Coefficients[p]; !ok {
			errs = append(errs, fmt.Sprintf("cycle: coefficients for %q missing", p))
		}
	}

	// Events
	if c.Events.MaxActive <= 0 {
		errs = append(errs, "events: max_active must be positive")
	}
	if c.Events.MaxChainDepth < 0 {
		errs = append(errs, "events: max_chain_depth must not be negative")
	}
	if c.Events.ChainDecay <= 0 || c.Events.ChainDecay > 1 {
		errs = append(errs, "events: chain_decay must be in (0,1]")
	}
	eventNames := make(map[string]bool)
	for _, t := range c.Events.Types {
		eventNames[t.Name] = true
	}
	for _, t := range c.Events.Types {
		if t.Name == "" {
			errs = append(errs, "events: type name must not be empty")
		}
		if t.BaseProbability < 0 || t.BaseProbability > 1 {
			errs = append(errs, fmt.Sprintf("events: %q base_probability must be in [0,1]", t.Name))
		}
		if t.MagnitudeMin < 0 || t.MagnitudeMax < t.MagnitudeMin {
			errs = append(errs, fmt.Sprintf("events: %q magnitude range is invalid", t.Name))
		}
		if t.Duration <= 0 || t.Cooldown < 0 {
			errs = append(errs, fmt.Sprintf("events: %q duration must be positive and cooldown non-negative", t.Name))
		}
		if !validScopes[t.Scope] {
			errs = append(errs, fmt.Sprintf("events: %q unknown scope %q", t.Name, t.Scope))
		}
		if t.ForcePhase != "" && !isPhase(t.ForcePhase) {
			errs = append(errs, fmt.Sprintf("events: %q unknown force_phase %q", t.Name, t.ForcePhase))
		}
		for phase := range t.PhaseMultipliers {
			if !isPhase(phase) {
				errs = append(errs, fmt.Sprintf("events: %q unknown phase %q in phase_multipliers", t.Name, phase))
			}
		}
		for _, f := range t.FollowOn {
			if !eventNames[f.Type] {
				errs = append(errs, fmt.Sprintf("events: %q follow_on references unknown type %q", t.Name, f.Type))
			}
		}
	}

	// Personalities
	for _, p := range c.Personalities {
		if !inUnit(p.RiskTolerance) || !inUnit(p.InfoWeight) || !inUnit(p.SocialInfluence) {
			errs = append(errs, fmt.Sprintf("personalities: %q traits must be in [0,1]", p.Name))
		}
		if !validFrequencies[p.Frequency] {
			errs = append(errs, fmt.Sprintf("personalities: %q unknown frequency %q", p.Name, p.Frequency))
		}
		if p.LearningRate < 0 {
			errs = append(errs, fmt.Sprintf("personalities: %q learning_rate must not be negative", p.Name))
		}
	}

	// Population
	for _, g := range c.Population.Groups {
		if _, ok := c.Template(g.Template); !ok {
			errs = append(errs, fmt.Sprintf("population: unknown template %q", g.Template))
		}
		if g.Count < 0 || g.Capital < 0 || g.Inventory < 0 {
			errs = append(errs, fmt.Sprintf("population: group %q counts must not be negative", g.Template))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
