package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Reputation.Weights[FactorTradeHonesty] = 0.9
	cfg.Market.CircuitBreakerPercent = 0
	cfg.Cycle.InitialPhase = "boom"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"weights must sum to 1.0", "circuit_breaker_percent", "initial_phase"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestValidateRejectsUnknownFollowOn(t *testing.T) {
	cfg := Defaults()
	cfg.Events.Types[0].FollowOn = []FollowOnConfig{{Type: "alien_invasion", Probability: 1}}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "alien_invasion") {
		t.Fatalf("expected follow_on error, got %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sim.toml")
	body := `
seed = 99

[simulation]
workers = 2
decide_budget = "20ms"

[[market.assets]]
id = "GOLD"
initial_price = 100.0
reference_volume = 10.0
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Seed != 99 {
		t.Errorf("Seed = %d, want 99", cfg.Seed)
	}
	if cfg.Simulation.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Simulation.Workers)
	}
	if cfg.Simulation.DecideBudget.Duration != 20*time.Millisecond {
		t.Errorf("DecideBudget = %v, want 20ms", cfg.Simulation.DecideBudget)
	}
	if cfg.Simulation.FailureThreshold != Defaults().Simulation.FailureThreshold {
		t.Errorf("FailureThreshold lost its default: %d", cfg.Simulation.FailureThreshold)
	}
	if len(cfg.Market.Assets) != 1 || cfg.Market.Assets[0].ID != "GOLD" {
		t.Errorf("Assets = %+v, want only GOLD", cfg.Market.Assets)
	}
	if cfg.Market.Assets[0].FundamentalAmplitude != 0 {
		t.Errorf("asset list should replace defaults, got amplitude %v", cfg.Market.Assets[0].FundamentalAmplitude)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARKETSIM_SEED", "1234")
	t.Setenv("MARKETSIM_CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("MARKETSIM_WORKERS", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Seed != 1234 {
		t.Errorf("Seed = %d, want 1234", cfg.Seed)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Simulation.Workers != Defaults().Simulation.Workers {
		t.Errorf("invalid int override should be ignored, got %d", cfg.Simulation.Workers)
	}
}

func TestLookups(t *testing.T) {
	cfg := Defaults()
	if _, ok := cfg.Template("balanced"); !ok {
		t.Error("balanced template missing")
	}
	if _, ok := cfg.EventType("market_crash"); !ok {
		t.Error("market_crash event type missing")
	}
	if a, ok := cfg.Asset("ORE"); !ok || a.InitialPrice != 25 {
		t.Errorf("Asset(ORE) = %+v, %v", a, ok)
	}
}
