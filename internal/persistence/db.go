// Package persistence provides SQLite-based checkpoint storage for the
// market simulation. It is only ever called between ticks.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/tradersim/internal/agents"
	"github.com/talgya/tradersim/internal/economy"
	"github.com/talgya/tradersim/internal/engine"
	"github.com/talgya/tradersim/internal/social"
)

// ErrPersistenceIO marks an unrecoverable storage failure. Callers treat it
// as fatal for the running session.
var ErrPersistenceIO = errors.New("persistence I/O failure")

// ErrNoCheckpoint is returned by LoadCheckpoint on an empty store.
var ErrNoCheckpoint = errors.New("no checkpoint stored")

// Meta keys.
const (
	metaVersion  = "state_version"
	metaSeed     = "seed"
	metaTick     = "last_tick"
	metaNextID   = "next_id"
	metaOrderSeq = "order_seq"
	metaMarkets  = "markets"
	metaNetwork  = "network"
	metaCycle    = "cycle"
	metaEvents   = "events"
	metaCurrency = "currency"
	metaWindow   = "trade_window"
	metaID       = "checkpoint_id"
)

func ioErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistenceIO, err)
}

// DB wraps a SQLite connection for checkpoint persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ioErr("create db dir", err)
		}
	}
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, ioErr("open db", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, ioErr("migrate", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS traders (
		seq INTEGER NOT NULL,
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		template TEXT NOT NULL,
		status TEXT NOT NULL,
		capital TEXT NOT NULL,
		trade_count INTEGER NOT NULL,
		joined_tick INTEGER NOT NULL,
		ended_tick INTEGER NOT NULL,
		data_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reputation (
		rater TEXT NOT NULL,
		subject TEXT NOT NULL,
		score REAL NOT NULL,
		PRIMARY KEY (rater, subject)
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		tick INTEGER NOT NULL,
		asset TEXT NOT NULL,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		buy_seq INTEGER NOT NULL,
		sell_seq INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		aggressor INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		scope TEXT NOT NULL,
		target TEXT NOT NULL,
		magnitude REAL NOT NULL,
		generation INTEGER NOT NULL,
		parent_id TEXT NOT NULL,
		start_tick INTEGER NOT NULL,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS market_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_tick ON trades(tick);
	CREATE INDEX IF NOT EXISTS idx_trades_asset ON trades(asset);
	CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_tick);
	CREATE INDEX IF NOT EXISTS idx_reputation_subject ON reputation(subject);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// currency is the stored form of the closed-economy accounting.
type currency struct {
	Pool     string `json:"pool"`
	Injected string `json:"injected"`
	Removed  string `json:"removed"`
}

// SaveCheckpoint writes a full snapshot in one transaction. Traders,
// reputation and component state are replaced; trades and events accumulate.
func (db *DB) SaveCheckpoint(ctx context.Context, st *engine.State) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return ioErr("begin checkpoint", err)
	}
	defer tx.Rollback()

	if err := resetIfNewSession(ctx, tx, st); err != nil {
		return ioErr("reset history", err)
	}
	if err := saveTraders(ctx, tx, st.Traders); err != nil {
		return ioErr("save traders", err)
	}
	if err := saveReputation(ctx, tx, st.Reputation); err != nil {
		return ioErr("save reputation", err)
	}
	if err := saveTrades(ctx, tx, st.Trades); err != nil {
		return ioErr("save trades", err)
	}
	events := append(append([]*engine.EconomicEvent(nil), st.Events.Archive...), st.Events.Events...)
	if err := saveEvents(ctx, tx, events); err != nil {
		return ioErr("save events", err)
	}

	id := uuid.NewString()
	meta := map[string]any{
		metaID:      id,
		metaMarkets: st.Markets,
		metaNetwork: st.Network,
		metaCycle:   st.Cycle,
		metaEvents:  st.Events,
		metaCurrency: currency{
			Pool:     st.Pool.String(),
			Injected: st.Injected.String(),
			Removed:  st.Removed.String(),
		},
		metaVersion:  st.Version,
		metaSeed:     st.Seed,
		metaTick:     st.Tick,
		metaNextID:   st.NextID,
		metaOrderSeq: st.OrderSeq,
		metaWindow:   len(st.Trades),
	}
	for key, v := range meta {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO market_meta (key, value) VALUES (?, ?)", key, string(raw)); err != nil {
			return ioErr("save meta "+key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ioErr("commit checkpoint", err)
	}
	slog.Debug("checkpoint written", "id", id, "tick", st.Tick, "traders", len(st.Traders), "pairs", len(st.Reputation))
	return nil
}

// resetIfNewSession drops accumulated trade and event history when the
// snapshot belongs to a different seed or rewinds past the stored tick.
func resetIfNewSession(ctx context.Context, tx *sqlx.Tx, st *engine.State) error {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := tx.SelectContext(ctx, &rows, "SELECT key, value FROM market_meta WHERE key IN (?, ?)", metaSeed, metaTick); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	stale := false
	for _, r := range rows {
		switch r.Key {
		case metaSeed:
			stale = stale || r.Value != strconv.FormatInt(st.Seed, 10)
		case metaTick:
			tick, err := strconv.ParseUint(r.Value, 10, 64)
			stale = stale || err != nil || tick > st.Tick
		}
	}
	if !stale {
		return nil
	}
	slog.Warn("checkpoint starts a new session, clearing stored history", "seed", st.Seed, "tick", st.Tick)
	for _, table := range []string{"trades", "events"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func saveTraders(ctx context.Context, tx *sqlx.Tx, traders []*agents.Trader) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM traders"); err != nil {
		return err
	}
	stmt, err := tx.PreparexContext(ctx, `INSERT INTO traders
		(seq, id, name, kind, template, status, capital, trade_count, joined_tick, ended_tick, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, t := range traders {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode trader %s: %w", t.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			i, t.ID, t.Name, t.Kind.String(), t.Personality.Template, t.Status.String(),
			t.Capital.String(), t.TradeCount, t.JoinedTick, t.EndedTick, string(data),
		)
		if err != nil {
			return fmt.Errorf("insert trader %s: %w", t.ID, err)
		}
	}
	return nil
}

func saveReputation(ctx context.Context, tx *sqlx.Tx, entries []social.Entry) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM reputation"); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareNamedContext(ctx, "INSERT INTO reputation (rater, subject, score) VALUES (:rater, :subject, :score)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e); err != nil {
			return fmt.Errorf("insert score %s→%s: %w", e.Rater, e.Subject, err)
		}
	}
	return nil
}

func saveTrades(ctx context.Context, tx *sqlx.Tx, trades []economy.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	stmt, err := tx.PrepareNamedContext(ctx, `INSERT OR REPLACE INTO trades
		(id, tick, asset, buyer_id, seller_id, buy_seq, sell_seq, quantity, price, aggressor)
		VALUES (:id, :tick, :asset, :buyer_id, :seller_id, :buy_seq, :sell_seq, :quantity, :price, :aggressor)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx, t); err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}
	return nil
}

func saveEvents(ctx context.Context, tx *sqlx.Tx, events []*engine.EconomicEvent) error {
	for _, e := range events {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO events
			(id, type, scope, target, magnitude, generation, parent_id, start_tick, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Type, e.Scope, e.Target, e.Magnitude, e.Generation, e.ParentID, e.StartTick, e.Status.String(),
		)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}
	return nil
}

// LoadCheckpoint reads the most recent snapshot.
func (db *DB) LoadCheckpoint(ctx context.Context) (*engine.State, error) {
	meta := make(map[string]string)
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := db.conn.SelectContext(ctx, &rows, "SELECT key, value FROM market_meta"); err != nil {
		return nil, ioErr("load meta", err)
	}
	for _, r := range rows {
		meta[r.Key] = r.Value
	}
	if _, ok := meta[metaTick]; !ok {
		return nil, ErrNoCheckpoint
	}

	st := &engine.State{}
	var cur currency
	var window int
	decode := []struct {
		key string
		dst any
	}{
		{metaVersion, &st.Version},
		{metaSeed, &st.Seed},
		{metaTick, &st.Tick},
		{metaNextID, &st.NextID},
		{metaOrderSeq, &st.OrderSeq},
		{metaMarkets, &st.Markets},
		{metaNetwork, &st.Network},
		{metaCycle, &st.Cycle},
		{metaEvents, &st.Events},
		{metaCurrency, &cur},
		{metaWindow, &window},
	}
	for _, d := range decode {
		raw, ok := meta[d.key]
		if !ok {
			return nil, fmt.Errorf("checkpoint missing %q", d.key)
		}
		if err := json.Unmarshal([]byte(raw), d.dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", d.key, err)
		}
	}
	var err error
	if st.Pool, err = parseDecimal(cur.Pool); err != nil {
		return nil, err
	}
	if st.Injected, err = parseDecimal(cur.Injected); err != nil {
		return nil, err
	}
	if st.Removed, err = parseDecimal(cur.Removed); err != nil {
		return nil, err
	}

	var traderData []string
	if err := db.conn.SelectContext(ctx, &traderData, "SELECT data_json FROM traders ORDER BY seq"); err != nil {
		return nil, ioErr("load traders", err)
	}
	for _, raw := range traderData {
		var t agents.Trader
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode trader: %w", err)
		}
		st.Traders = append(st.Traders, &t)
	}

	if err := db.conn.SelectContext(ctx, &st.Reputation,
		"SELECT rater, subject, score FROM reputation ORDER BY rater, subject"); err != nil {
		return nil, ioErr("load reputation", err)
	}

	if window > 0 {
		trades, err := db.recentTrades(ctx, "", window)
		if err != nil {
			return nil, err
		}
		st.Trades = trades
	}

	slog.Info("checkpoint loaded", "tick", st.Tick, "traders", len(st.Traders), "pairs", len(st.Reputation))
	return st, nil
}

// RecentTrades returns up to limit of the most recent stored trades, oldest
// first, optionally filtered by asset.
func (db *DB) RecentTrades(ctx context.Context, asset string, limit int) ([]economy.Trade, error) {
	return db.recentTrades(ctx, asset, limit)
}

func (db *DB) recentTrades(ctx context.Context, asset string, limit int) ([]economy.Trade, error) {
	var trades []economy.Trade
	q := `SELECT id, tick, asset, buyer_id, seller_id, buy_seq, sell_seq, quantity, price, aggressor
		FROM trades WHERE (? = '' OR asset = ?) ORDER BY rowid DESC LIMIT ?`
	if err := db.conn.SelectContext(ctx, &trades, q, asset, asset, limit); err != nil {
		return nil, ioErr("load trades", err)
	}
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	return trades, nil
}

// EventRecord is one stored event row.
type EventRecord struct {
	ID         string  `db:"id" json:"id"`
	Type       string  `db:"type" json:"type"`
	Scope      string  `db:"scope" json:"scope"`
	Target     string  `db:"target" json:"target,omitempty"`
	Magnitude  float64 `db:"magnitude" json:"magnitude"`
	Generation int     `db:"generation" json:"generation"`
	ParentID   string  `db:"parent_id" json:"parent_id,omitempty"`
	StartTick  uint64  `db:"start_tick" json:"start_tick"`
	Status     string  `db:"status" json:"status"`
}

// RecentEvents returns the most recently started N events.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	var events []EventRecord
	err := db.conn.SelectContext(ctx, &events,
		`SELECT id, type, scope, target, magnitude, generation, parent_id, start_tick, status
		 FROM events ORDER BY start_tick DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, ioErr("load events", err)
	}
	return events, nil
}

// CheckpointID returns the random identifier of the stored checkpoint. It
// changes on every save, so clients can tell whether a store moved on.
func (db *DB) CheckpointID(ctx context.Context) (string, error) {
	var raw string
	err := db.conn.GetContext(ctx, &raw, "SELECT value FROM market_meta WHERE key = ?", metaID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoCheckpoint
	}
	if err != nil {
		return "", ioErr("load checkpoint id", err)
	}
	var id string
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return "", fmt.Errorf("decode checkpoint id: %w", err)
	}
	return id, nil
}

// LastTick returns the tick of the stored checkpoint, or ErrNoCheckpoint.
func (db *DB) LastTick(ctx context.Context) (uint64, error) {
	var value string
	err := db.conn.GetContext(ctx, &value, "SELECT value FROM market_meta WHERE key = ?", metaTick)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoCheckpoint
	}
	if err != nil {
		return 0, ioErr("load last tick", err)
	}
	return strconv.ParseUint(value, 10, 64)
}
