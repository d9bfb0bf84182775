// Package engine provides the market scheduler and the real-time tick loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// pausePoll is how often a paused engine checks whether it was resumed.
const pausePoll = 100 * time.Millisecond

// CheckpointFunc persists a snapshot between ticks. Any error it returns is
// treated as unrecoverable.
type CheckpointFunc func(ctx context.Context, st *State) error

// Engine drives a Simulation forward in real time.
type Engine struct {
	Sim             *Simulation
	Interval        time.Duration // Base tick interval
	CheckpointEvery uint64        // Ticks between checkpoints; 0 disables them
	OnCheckpoint    CheckpointFunc

	mu      sync.Mutex
	speed   float64 // Multiplier: 1.0 = real-time, 0 = paused
	running bool
}

// NewEngine creates an engine with the session's interval and checkpoint cadence.
func NewEngine(sim *Simulation) *Engine {
	cfg := sim.Config().Simulation
	return &Engine{
		Sim:             sim,
		Interval:        cfg.TickInterval.Duration,
		CheckpointEvery: uint64(max(0, cfg.CheckpointInterval)),
		speed:           1.0,
	}
}

// Speed returns the current speed multiplier.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the speed multiplier. Zero pauses the loop.
func (e *Engine) SetSpeed(speed float64) error {
	if speed < 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("invalid speed %v", speed)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speed = speed
	return nil
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run steps the simulation until ctx is cancelled. A cancelled tick is
// discarded, so Run returns with the last committed tick intact. A
// checkpoint failure pauses the engine and is returned.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	slog.Info("simulation engine started", "tick", e.Sim.CurrentTick(), "speed", e.Speed(), "interval", e.Interval)
	defer func() { slog.Info("simulation engine stopped", "tick", e.Sim.CurrentTick()) }()

	for {
		speed := e.Speed()
		if speed <= 0 {
			if !sleep(ctx, pausePoll) {
				return nil
			}
			continue
		}

		start := time.Now()
		if err := e.step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// Sleep for the remainder of the tick interval, adjusted for speed.
		elapsed := time.Since(start)
		target := time.Duration(float64(e.Interval) / speed)
		if elapsed < target && !sleep(ctx, target-elapsed) {
			return nil
		}
	}
}

// step advances one tick and checkpoints when due.
func (e *Engine) step(ctx context.Context) error {
	rep, err := e.Sim.Step(ctx)
	if err != nil {
		return err
	}
	if e.CheckpointEvery == 0 || e.OnCheckpoint == nil || rep.Tick%e.CheckpointEvery != 0 {
		return nil
	}
	if err := e.Checkpoint(ctx); err != nil {
		_ = e.SetSpeed(0)
		slog.Error("checkpoint failed, engine paused", "tick", rep.Tick, "error", err)
		return err
	}
	return nil
}

// Checkpoint snapshots the simulation and hands it to OnCheckpoint.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.OnCheckpoint == nil {
		return nil
	}
	st := e.Sim.Snapshot()
	if err := e.OnCheckpoint(ctx, st); err != nil {
		return fmt.Errorf("checkpoint at tick %d: %w", st.Tick, err)
	}
	slog.Info("checkpoint saved", "tick", st.Tick, "traders", len(st.Traders))
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
