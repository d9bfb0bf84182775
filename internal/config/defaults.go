package config

import "time"

// Defaults returns a Config populated with the built-in session parameters.
func Defaults() Config {
	return Config{
		Seed:     42,
		LogLevel: "info",
		Simulation: SimulationConfig{
			Workers:             4,
			DecideBudget:        Duration{50 * time.Millisecond},
			FailureThreshold:    5,
			BankruptcyThreshold: 1.0,
			HistoryWindow:       20,
			ReportInterval:      100,
			CheckpointInterval:  500,
			TickInterval:        Duration{time.Second},
		},
		Market: MarketConfig{
			Assets: []AssetConfig{
				{ID: "GRAIN", InitialPrice: 10, ReferenceVolume: 100, FundamentalAmplitude: 0.15},
				{ID: "ORE", InitialPrice: 25, ReferenceVolume: 60, FundamentalAmplitude: 0.2},
				{ID: "SPICE", InitialPrice: 50, ReferenceVolume: 40, FundamentalAmplitude: 0.3},
			},
			CircuitBreakerPercent: 0.20,
			BookRetentionTicks:    3,
			DriftCoefficient:      0.02,
			PressureSmoothing:     0.3,
			StaleAfterTicks:       5,
			FundamentalFrequency:  0.01,
		},
		Reputation: ReputationConfig{
			Weights: map[string]float64{
				FactorTradeHonesty:          0.3,
				FactorInformationQuality:    0.25,
				FactorPaymentReliability:    0.2,
				FactorCommunityContribution: 0.15,
				FactorLongevityBonus:        0.1,
			},
			DecayInterval: 10,
			DecayRate:     0.05,
		},
		Information: InformationConfig{
			Fanout:             3,
			HopDecay:           0.5,
			ConfidenceFloor:    0.05,
			SeenRetentionTicks: 64,
			MaxInbox:           32,
			RumorAccuracy:      0.7,
		},
		Cycle: CycleConfig{
			InitialPhase: PhaseExpansion,
			Durations: map[string]int{
				PhaseExpansion:   200,
				PhasePeak:        60,
				PhaseContraction: 120,
				PhaseTrough:      80,
				PhaseRecovery:    100,
				PhaseGrowth:      150,
			},
			Coefficients: map[string]PhaseCoefficients{
				PhaseExpansion:   {RiskAppetite: 1.1, Volatility: 1.0, EventRate: 1.0},
				PhasePeak:        {RiskAppetite: 1.3, Volatility: 1.2, EventRate: 1.2},
				PhaseContraction: {RiskAppetite: 0.7, Volatility: 1.5, EventRate: 1.3},
				PhaseTrough:      {RiskAppetite: 0.5, Volatility: 1.3, EventRate: 1.1},
				PhaseRecovery:    {RiskAppetite: 0.8, Volatility: 1.1, EventRate: 0.9},
				PhaseGrowth:      {RiskAppetite: 1.0, Volatility: 1.0, EventRate: 1.0},
			},
		},
		Events: EventsConfig{
			MaxActive:     4,
			MaxChainDepth: 3,
			ChainDecay:    0.5,
			Types:         defaultEventTypes(),
		},
		Personalities: defaultPersonalities(),
		Population: PopulationConfig{
			Groups: []PopulationGroup{
				{Template: "aggressive", Count: 10, Capital: 1000, Inventory: 50},
				{Template: "conservative", Count: 10, Capital: 1000, Inventory: 50},
				{Template: "balanced", Count: 15, Capital: 1000, Inventory: 50},
				{Template: "influencer", Count: 5, Capital: 1000, Inventory: 50},
			},
		},
		Storage: StorageConfig{Path: "data/market.db"},
		Server: ServerConfig{
			Port:         8080,
			StreamBuffer: 256,
		},
		Redis: RedisConfig{Channel: "marketsim:facts"},
	}
}

func defaultEventTypes() []EventTypeConfig {
	return []EventTypeConfig{
		{
			Name:            "speculative_bubble",
			BaseProbability: 0.01,
			MagnitudeMin:    0.1,
			MagnitudeMax:    0.3,
			Duration:        20,
			Cooldown:        10,
			Direction:       1,
			Scope:           ScopeAsset,
			PhaseMultipliers: map[string]float64{
				PhasePeak:        3.0,
				PhaseGrowth:      1.5,
				PhaseContraction: 0.3,
				PhaseTrough:      0.2,
			},
			FollowOn: []FollowOnConfig{{Type: "market_crash", Probability: 0.5}},
		},
		{
			Name:            "market_crash",
			BaseProbability: 0.003,
			MagnitudeMin:    0.15,
			MagnitudeMax:    0.35,
			Duration:        10,
			Cooldown:        15,
			Direction:       -1,
			Scope:           ScopeMarket,
			Crisis:          true,
			ForcePhase:      PhaseContraction,
			PhaseMultipliers: map[string]float64{
				PhasePeak:        2.0,
				PhaseContraction: 1.5,
				PhaseExpansion:   0.5,
				PhaseRecovery:    0.3,
			},
			FollowOn: []FollowOnConfig{
				{Type: "credit_crunch", Probability: 0.5},
				{Type: "trust_scandal", Probability: 0.3},
			},
		},
		{
			Name:            "credit_crunch",
			BaseProbability: 0.002,
			MagnitudeMin:    0.1,
			MagnitudeMax:    0.2,
			Duration:        15,
			Cooldown:        15,
			Direction:       -1,
			Scope:           ScopeMarket,
			Crisis:          true,
			ForcePhase:      PhaseTrough,
			PhaseMultipliers: map[string]float64{
				PhaseContraction: 2.0,
				PhaseTrough:      1.5,
			},
			FollowOn: []FollowOnConfig{{Type: "market_crash", Probability: 0.2}},
		},
		{
			Name:            "supply_shock",
			BaseProbability: 0.01,
			MagnitudeMin:    0.05,
			MagnitudeMax:    0.15,
			Duration:        8,
			Cooldown:        6,
			Direction:       1,
			Scope:           ScopeAsset,
		},
		{
			Name:            "tech_boom",
			BaseProbability: 0.008,
			MagnitudeMin:    0.05,
			MagnitudeMax:    0.2,
			Duration:        25,
			Cooldown:        10,
			Direction:       1,
			Scope:           ScopeAsset,
			PhaseMultipliers: map[string]float64{
				PhaseRecovery:  1.5,
				PhaseGrowth:    2.0,
				PhaseExpansion: 1.5,
			},
			FollowOn: []FollowOnConfig{{Type: "speculative_bubble", Probability: 0.3}},
		},
		{
			Name:            "trust_scandal",
			BaseProbability: 0.005,
			MagnitudeMin:    10,
			MagnitudeMax:    30,
			Duration:        5,
			Cooldown:        5,
			Direction:       -1,
			Scope:           ScopeReputation,
			PhaseMultipliers: map[string]float64{
				PhaseContraction: 1.5,
				PhaseTrough:      1.5,
			},
		},
	}
}

func defaultPersonalities() []PersonalityTemplate {
	return []PersonalityTemplate{
		{
			Name:            "aggressive",
			RiskTolerance:   0.9,
			Frequency:       "high",
			InfoWeight:      0.4,
			SocialInfluence: 0.6,
			LearningRate:    0.1,
			StrategyWeights: map[string]float64{
				StrategyMomentum:      0.35,
				StrategyMeanReversion: 0.1,
				StrategyArbitrage:     0.15,
				StrategyFundamental:   0.15,
				StrategySentiment:     0.25,
			},
		},
		{
			Name:            "conservative",
			RiskTolerance:   0.2,
			Frequency:       "low",
			InfoWeight:      0.6,
			SocialInfluence: 0.3,
			LearningRate:    0.05,
			StrategyWeights: map[string]float64{
				StrategyMomentum:      0.1,
				StrategyMeanReversion: 0.3,
				StrategyArbitrage:     0.15,
				StrategyFundamental:   0.35,
				StrategySentiment:     0.1,
			},
		},
		{
			Name:            "balanced",
			RiskTolerance:   0.5,
			Frequency:       "medium",
			InfoWeight:      0.5,
			SocialInfluence: 0.5,
			LearningRate:    0.08,
			StrategyWeights: map[string]float64{
				StrategyMomentum:      0.2,
				StrategyMeanReversion: 0.2,
				StrategyArbitrage:     0.2,
				StrategyFundamental:   0.2,
				StrategySentiment:     0.2,
			},
		},
		{
			Name:            "influencer",
			RiskTolerance:   0.6,
			Frequency:       "medium",
			InfoWeight:      0.9,
			SocialInfluence: 0.9,
			LearningRate:    0.08,
			StrategyWeights: map[string]float64{
				StrategyMomentum:      0.25,
				StrategyMeanReversion: 0.1,
				StrategyArbitrage:     0.1,
				StrategyFundamental:   0.15,
				StrategySentiment:     0.4,
			},
		},
		{
			Name:            "player",
			RiskTolerance:   0.5,
			Frequency:       "high",
			InfoWeight:      0.5,
			SocialInfluence: 0.5,
		},
	}
}
