package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/engine"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "market.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func runSim(t *testing.T, cfg config.Config, ticks int) *engine.Simulation {
	t.Helper()
	sim, err := engine.NewSimulation(cfg, nil)
	if err != nil {
		t.Fatalf("NewSimulation: %v", err)
	}
	for range ticks {
		if _, err := sim.Step(context.Background()); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	return sim
}

func TestLoadEmptyStore(t *testing.T) {
	db := openTemp(t)
	if _, err := db.LoadCheckpoint(context.Background()); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("LoadCheckpoint on empty store = %v, want ErrNoCheckpoint", err)
	}
	if _, err := db.LastTick(context.Background()); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("LastTick on empty store = %v, want ErrNoCheckpoint", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()
	db := openTemp(t)
	sim := runSim(t, cfg, 30)

	st := sim.Snapshot()
	if err := db.SaveCheckpoint(ctx, st); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	got, err := db.LoadCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}

	if got.Tick != st.Tick || got.Seed != st.Seed || got.NextID != st.NextID || got.OrderSeq != st.OrderSeq {
		t.Fatalf("header = tick %d seed %d next %d seq %d, want %d %d %d %d",
			got.Tick, got.Seed, got.NextID, got.OrderSeq, st.Tick, st.Seed, st.NextID, st.OrderSeq)
	}
	if !got.Pool.Equal(st.Pool) || !got.Injected.Equal(st.Injected) || !got.Removed.Equal(st.Removed) {
		t.Fatalf("currency = %s/%s/%s, want %s/%s/%s", got.Pool, got.Injected, got.Removed, st.Pool, st.Injected, st.Removed)
	}
	if len(got.Traders) != len(st.Traders) {
		t.Fatalf("traders = %d, want %d", len(got.Traders), len(st.Traders))
	}
	for i, tr := range st.Traders {
		g := got.Traders[i]
		if g.ID != tr.ID || !g.Capital.Equal(tr.Capital) || g.Status != tr.Status {
			t.Fatalf("trader %d = %s %s %v, want %s %s %v", i, g.ID, g.Capital, g.Status, tr.ID, tr.Capital, tr.Status)
		}
	}
	if len(got.Reputation) != len(st.Reputation) {
		t.Fatalf("reputation pairs = %d, want %d", len(got.Reputation), len(st.Reputation))
	}
	for i, e := range st.Reputation {
		if got.Reputation[i] != e {
			t.Fatalf("reputation[%d] = %+v, want %+v", i, got.Reputation[i], e)
		}
	}
	if len(got.Trades) != len(st.Trades) {
		t.Fatalf("trades = %d, want %d", len(got.Trades), len(st.Trades))
	}
	for i, tr := range st.Trades {
		if got.Trades[i] != tr {
			t.Fatalf("trade[%d] = %+v, want %+v", i, got.Trades[i], tr)
		}
	}

	restored, err := engine.Restore(cfg, got, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.CurrentTick() != sim.CurrentTick() {
		t.Fatalf("restored tick = %d, want %d", restored.CurrentTick(), sim.CurrentTick())
	}
	if _, err := restored.Step(ctx); err != nil {
		t.Fatalf("Step after restore: %v", err)
	}
}

func TestCheckpointOverwrites(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	sim := runSim(t, config.Defaults(), 5)
	if err := db.SaveCheckpoint(ctx, sim.Snapshot()); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	for range 5 {
		if _, err := sim.Step(ctx); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if err := db.SaveCheckpoint(ctx, sim.Snapshot()); err != nil {
		t.Fatalf("second SaveCheckpoint: %v", err)
	}

	tick, err := db.LastTick(ctx)
	if err != nil {
		t.Fatalf("LastTick: %v", err)
	}
	id, err := db.CheckpointID(ctx)
	if err != nil || id == "" {
		t.Fatalf("CheckpointID = %q, %v", id, err)
	}
	if tick != 10 {
		t.Fatalf("LastTick = %d, want 10", tick)
	}
	got, err := db.LoadCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if len(got.Traders) != len(sim.Traders()) {
		t.Fatalf("traders after overwrite = %d, want %d", len(got.Traders), len(sim.Traders()))
	}
}

func TestRecentTradesAndEvents(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	sim := runSim(t, config.Defaults(), 40)
	st := sim.Snapshot()
	if err := db.SaveCheckpoint(ctx, st); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	trades, err := db.RecentTrades(ctx, "", 5)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if want := min(5, len(st.Trades)); len(trades) != want {
		t.Fatalf("RecentTrades = %d rows, want %d", len(trades), want)
	}
	if n := len(trades); n > 0 && trades[n-1].ID != st.Trades[len(st.Trades)-1].ID {
		t.Fatalf("newest trade = %s, want %s", trades[n-1].ID, st.Trades[len(st.Trades)-1].ID)
	}
	for i := 1; i < len(trades); i++ {
		if trades[i].Tick < trades[i-1].Tick {
			t.Fatalf("trades not oldest first: %d after %d", trades[i].Tick, trades[i-1].Tick)
		}
	}

	events, err := db.RecentEvents(ctx, 100)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if want := len(st.Events.Events) + len(st.Events.Archive); len(events) != want {
		t.Fatalf("RecentEvents = %d, want %d", len(events), want)
	}
}

func TestNewSessionClearsHistory(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	old := runSim(t, config.Defaults(), 20)
	if err := db.SaveCheckpoint(ctx, old.Snapshot()); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	cfg := config.Defaults()
	cfg.Seed = 7
	fresh := runSim(t, cfg, 3)
	st := fresh.Snapshot()
	if err := db.SaveCheckpoint(ctx, st); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	trades, err := db.RecentTrades(ctx, "", 10000)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != len(st.Trades) {
		t.Fatalf("stored trades = %d, want only the new session's %d", len(trades), len(st.Trades))
	}
	for _, tr := range trades {
		if tr.Tick > st.Tick {
			t.Fatalf("trade from tick %d survived a reset to tick %d", tr.Tick, st.Tick)
		}
	}
}
