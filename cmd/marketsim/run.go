package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/talgya/tradersim/internal/api"
	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/engine"
	"github.com/talgya/tradersim/internal/persistence"
	"github.com/talgya/tradersim/internal/stream"
)

func newRunCmd(cfg *config.Config) *cobra.Command {
	var (
		fresh    bool
		noServer bool
		speed    float64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation in real time with the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, *cfg, fresh, noServer, speed)
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "ignore any stored checkpoint")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the HTTP API")
	cmd.Flags().Float64Var(&speed, "speed", 1, "initial speed multiplier (0 starts paused)")
	return cmd
}

func run(ctx context.Context, cfg config.Config, fresh, noServer bool, speed float64) error {
	db, err := persistence.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.Storage.Path)

	facts := stream.NewBroadcaster()
	sim, err := loadOrCreate(ctx, cfg, db, facts, fresh)
	if err != nil {
		return err
	}

	eng := engine.NewEngine(sim)
	eng.OnCheckpoint = db.SaveCheckpoint
	if err := eng.SetSpeed(speed); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if !noServer {
		srv := api.NewServer(cfg.Server, sim, eng, db, facts)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if cfg.Redis.Addr != "" {
		sink, err := stream.NewRedisSink(ctx, cfg.Redis)
		if err != nil {
			// The sink is optional; the market runs without it.
			slog.Warn("redis sink disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			defer sink.Close()
			sub := facts.Subscribe(cfg.Server.StreamBuffer)
			slog.Info("redis sink started", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
			g.Go(func() error {
				defer facts.Unsubscribe(sub)
				return sink.Run(gctx, sub)
			})
		}
	}

	runErr := g.Wait()

	// Final checkpoint on a clean stop. The last tick is committed or
	// discarded by now, so the snapshot is consistent.
	if runErr == nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := eng.Checkpoint(saveCtx); err != nil {
			return err
		}
	}
	st := sim.Status()
	slog.Info("marketsim stopped",
		"tick", st.Tick,
		"phase", st.Phase,
		"active", st.Active,
		"archived", st.Archived,
	)
	return runErr
}

// loadOrCreate resumes from the stored checkpoint unless fresh is set or the
// store is empty.
func loadOrCreate(ctx context.Context, cfg config.Config, db *persistence.DB, facts *stream.Broadcaster, fresh bool) (*engine.Simulation, error) {
	if !fresh {
		st, err := db.LoadCheckpoint(ctx)
		switch {
		case err == nil:
			sim, err := engine.Restore(cfg, st, facts)
			if err != nil {
				return nil, fmt.Errorf("resuming checkpoint: %w", err)
			}
			slog.Info("market resumed from checkpoint", "tick", sim.CurrentTick(), "traders", humanize.Comma(int64(len(st.Traders))))
			return sim, nil
		case errors.Is(err, persistence.ErrNoCheckpoint):
			slog.Info("no saved market found, starting fresh")
		default:
			return nil, err
		}
	}

	sim, err := engine.NewSimulation(cfg, facts)
	if err != nil {
		return nil, err
	}
	st := sim.Status()
	slog.Info("market ready",
		"seed", cfg.Seed,
		"traders", st.Active,
		"assets", len(cfg.Market.Assets),
		"phase", st.Phase,
		"capital", humanize.Commaf(st.Currency.Pool.InexactFloat64()),
	)
	return sim, nil
}

func newReplayCmd(cfg *config.Config) *cobra.Command {
	var (
		ticks    uint64
		resume   bool
		saveTo   string
		progress uint64
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Step the simulation headless as fast as possible",
		Long: `Replay steps the market without real-time pacing. The same seed and
configuration always produce the same trades, prices and reputation scores,
so replay is the way to reproduce a session offline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return replay(ctx, cmd, *cfg, ticks, resume, saveTo, progress)
		},
	}
	cmd.Flags().Uint64Var(&ticks, "ticks", 1000, "number of ticks to run")
	cmd.Flags().BoolVar(&resume, "resume", false, "start from the checkpoint in the configured store")
	cmd.Flags().StringVar(&saveTo, "save", "", "write the final state as a checkpoint to this database")
	cmd.Flags().Uint64Var(&progress, "progress", 0, "log a summary every N ticks (0 disables)")
	return cmd
}

func replay(ctx context.Context, cmd *cobra.Command, cfg config.Config, ticks uint64, resume bool, saveTo string, progress uint64) error {
	var sim *engine.Simulation
	if resume {
		db, err := persistence.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		sim, err = loadOrCreate(ctx, cfg, db, nil, false)
		db.Close()
		if err != nil {
			return err
		}
	} else {
		var err error
		if sim, err = engine.NewSimulation(cfg, nil); err != nil {
			return err
		}
	}

	start := time.Now()
	var trades, volume int64
	for i := uint64(0); i < ticks; i++ {
		rep, err := sim.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		trades += int64(rep.Trades)
		volume += rep.Volume
		if progress > 0 && rep.Tick%progress == 0 {
			slog.Info("replay progress", "tick", rep.Tick, "phase", rep.Phase, "active", rep.Active)
		}
	}
	elapsed := time.Since(start)

	st := sim.Status()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tick        %s\n", humanize.Comma(int64(st.Tick)))
	fmt.Fprintf(out, "phase       %s\n", st.Phase)
	fmt.Fprintf(out, "traders     %d active, %d quarantined, %d archived\n", st.Active, st.Quarantined, st.Archived)
	fmt.Fprintf(out, "trades      %s (volume %s)\n", humanize.Comma(trades), humanize.Comma(volume))
	fmt.Fprintf(out, "currency    held %s, removed %s, balanced %v\n", st.Currency.Held.StringFixed(2), st.Currency.Removed.StringFixed(2), st.Currency.Balanced())
	for _, q := range configQuotes(sim) {
		fmt.Fprintf(out, "  %-8s %10.4f\n", q.asset, q.price)
	}
	fmt.Fprintf(out, "elapsed     %s\n", elapsed.Round(time.Millisecond))

	if saveTo != "" {
		db, err := persistence.Open(saveTo)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.SaveCheckpoint(ctx, sim.Snapshot()); err != nil {
			return err
		}
		slog.Info("replay state saved", "path", saveTo, "tick", st.Tick)
	}
	return nil
}

type assetPrice struct {
	asset string
	price float64
}

func configQuotes(sim *engine.Simulation) []assetPrice {
	cfg := sim.Config()
	out := make([]assetPrice, 0, len(cfg.Market.Assets))
	quotes := sim.Quotes()
	for _, a := range cfg.Market.Assets {
		out = append(out, assetPrice{asset: a.ID, price: quotes[a.ID].Price})
	}
	return out
}
