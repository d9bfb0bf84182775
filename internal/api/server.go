// Package api provides the HTTP API for observing and steering the market.
// GET endpoints are public (read-only observation). Player submissions are
// public but rate limited. Control endpoints require a bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/tradersim/internal/agents"
	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/economy"
	"github.com/talgya/tradersim/internal/engine"
	"github.com/talgya/tradersim/internal/persistence"
	"github.com/talgya/tradersim/internal/stream"
)

// Submission budget per client address.
const (
	submitRate   = 120
	submitWindow = time.Minute
	maxBodyBytes = 1 << 16
)

// Server serves the market state over HTTP.
type Server struct {
	Sim          *engine.Simulation
	Eng          *engine.Engine
	DB           *persistence.DB // Optional; snapshot and archive endpoints need it
	Facts        *stream.Broadcaster
	Port         int
	AdminKey     string // Bearer token for control endpoints. Empty = control disabled.
	CORSOrigins  []string
	StreamBuffer int
}

// NewServer wires a server from the session configuration.
func NewServer(cfg config.ServerConfig, sim *engine.Simulation, eng *engine.Engine, db *persistence.DB, facts *stream.Broadcaster) *Server {
	return &Server{
		Sim:          sim,
		Eng:          eng,
		DB:           db,
		Facts:        facts,
		Port:         cfg.Port,
		AdminKey:     cfg.AdminKey,
		CORSOrigins:  cfg.CORSOrigins,
		StreamBuffer: cfg.StreamBuffer,
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	submitLimiter := NewRateLimiter(submitRate, submitWindow)

	mux := http.NewServeMux()

	// Public observation.
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/quotes", s.handleQuotes)
	mux.HandleFunc("GET /api/v1/history/{asset}", s.handleHistory)
	mux.HandleFunc("GET /api/v1/book/{asset}", s.handleBook)
	mux.HandleFunc("GET /api/v1/trades", s.handleTrades)
	mux.HandleFunc("GET /api/v1/trades/archive", s.handleTradeArchive)
	mux.HandleFunc("GET /api/v1/traders", s.handleTraders)
	mux.HandleFunc("GET /api/v1/traders/{id}", s.handleTraderDetail)
	mux.HandleFunc("GET /api/v1/reputation/{subject}", s.handleReputation)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/events/archive", s.handleEventArchive)
	mux.HandleFunc("GET /api/v1/cycle", s.handleCycle)
	mux.HandleFunc("GET /api/v1/reports", s.handleReports)
	mux.HandleFunc("GET /api/v1/speed", s.handleGetSpeed)
	mux.HandleFunc("GET /api/v1/stream", s.handleStream)

	// Player submissions, applied on the next tick.
	mux.HandleFunc("POST /api/v1/orders", RateLimitMiddleware(submitLimiter, s.handleOrder))
	mux.HandleFunc("POST /api/v1/ratings", RateLimitMiddleware(submitLimiter, s.handleRating))

	// Control plane.
	mux.HandleFunc("POST /api/v1/traders", s.adminOnly(s.handleAdmit))
	mux.HandleFunc("POST /api/v1/events", s.adminOnly(s.handleFire))
	mux.HandleFunc("POST /api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("POST /api/v1/phase", s.adminOnly(s.handlePhase))
	mux.HandleFunc("POST /api/v1/snapshot", s.adminOnly(s.handleSnapshot))

	return corsMiddleware(s.CORSOrigins, mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", srv.Addr, "admin_auth", s.AdminKey != "")

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

// corsMiddleware adds CORS headers for allowed frontend origins. Localhost
// dev servers are always allowed.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowedOrigins[origin] = true
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Player-Token")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == s.AdminKey
}

// playerTokenHeader carries the token issued when a player is admitted.
const playerTokenHeader = "X-Player-Token"

// playerAuth checks that the request holds the token issued to player id
// and writes the error response when it does not.
func (s *Server) playerAuth(w http.ResponseWriter, r *http.Request, id string) bool {
	token := strings.TrimSpace(r.Header.Get(playerTokenHeader))
	if err := s.Sim.Authenticate(id, token); err != nil {
		slog.Debug("player request rejected", "trader", id, "error", err)
		writeErr(w, err)
		return false
	}
	return true
}

// adminOnly wraps a handler to require bearer token auth.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			writeError(w, http.StatusForbidden, "control endpoints disabled (no MARKETSIM_ADMIN_KEY set)")
			return
		}
		if !s.checkBearerToken(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Sim.Status()
	resp := map[string]any{
		"status":        st,
		"pending_input": s.Sim.PendingInput(),
	}
	if s.Eng != nil {
		resp["speed"] = s.Eng.Speed()
		resp["running"] = s.Eng.Running()
	}
	if s.Facts != nil {
		resp["subscribers"] = s.Facts.Subscribers()
		resp["dropped_facts"] = s.Facts.Dropped()
	}
	writeJSON(w, resp)
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	quotes := s.Sim.Quotes()
	out := make([]economy.PriceQuote, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	writeJSON(w, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	asset := r.PathValue("asset")
	prices, err := s.Sim.History(asset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"asset": asset, "prices": prices})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.Sim.Book(r.PathValue("asset"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, book)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	trades := s.Sim.Trades(r.URL.Query().Get("asset"), limit)
	if trades == nil {
		trades = []economy.Trade{}
	}
	writeJSON(w, trades)
}

func (s *Server) handleTradeArchive(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "database not available")
		return
	}
	trades, err := s.DB.RecentTrades(r.Context(), r.URL.Query().Get("asset"), queryInt(r, "limit", 100))
	if err != nil {
		slog.Error("trade archive query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, trades)
}

// traderSummary is the list view of a trader.
type traderSummary struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	Template   string          `json:"template"`
	Status     string          `json:"status"`
	Capital    decimal.Decimal `json:"capital"`
	TradeCount int64           `json:"trade_count"`
	Reputation float64         `json:"reputation"`
}

func (s *Server) handleTraders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	kind := r.URL.Query().Get("kind")
	result := []traderSummary{}
	for _, t := range s.Sim.Traders() {
		if status != "" && t.Status.String() != status {
			continue
		}
		if kind != "" && t.Kind.String() != kind {
			continue
		}
		result = append(result, traderSummary{
			ID:         t.ID,
			Name:       t.Name,
			Kind:       t.Kind.String(),
			Template:   t.Personality.Template,
			Status:     t.Status.String(),
			Capital:    t.Capital,
			TradeCount: t.TradeCount,
			Reputation: s.Sim.AverageReputation(t.ID),
		})
	}
	writeJSON(w, result)
}

func (s *Server) handleTraderDetail(w http.ResponseWriter, r *http.Request) {
	t, err := s.Sim.Trader(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	t.TokenHash = ""
	writeJSON(w, map[string]any{
		"trader":     t,
		"kind":       t.Kind.String(),
		"status":     t.Status.String(),
		"reputation": s.Sim.AverageReputation(t.ID),
	})
}

// handleReputation returns the subject's average standing, or one pairwise
// score when ?rater= is given.
func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if _, err := s.Sim.Trader(subject); err != nil {
		writeErr(w, err)
		return
	}
	if rater := r.URL.Query().Get("rater"); rater != "" {
		writeJSON(w, map[string]any{
			"rater":   rater,
			"subject": subject,
			"score":   s.Sim.Reputation(rater, subject),
		})
		return
	}
	writeJSON(w, map[string]any{
		"subject": subject,
		"average": s.Sim.AverageReputation(subject),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"open":     s.Sim.OpenEvents(),
		"archived": s.Sim.ArchivedEvents(),
	})
}

func (s *Server) handleEventArchive(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "database not available")
		return
	}
	events, err := s.DB.RecentEvents(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		slog.Error("event archive query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Sim.Cycle())
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Sim.Reports(queryInt(r, "n", 20)))
}

// orderRequest is the wire form of a player order.
type orderRequest struct {
	TraderID string  `json:"trader_id"`
	Asset    string  `json:"asset"`
	Side     string  `json:"side"` // "buy" or "sell"
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
	Market   bool    `json:"market"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var side economy.Side
	switch strings.ToLower(req.Side) {
	case "buy":
		side = economy.Buy
	case "sell":
		side = economy.Sell
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown side %q", req.Side))
		return
	}
	if !s.playerAuth(w, r, req.TraderID) {
		return
	}
	err := s.Sim.SubmitOrder(economy.OrderIntent{
		TraderID: req.TraderID,
		Asset:    req.Asset,
		Side:     side,
		Quantity: req.Quantity,
		Price:    req.Price,
		Market:   req.Market,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"queued": true, "apply_after_tick": s.Sim.CurrentTick()})
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	var req engine.RatingAction
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.playerAuth(w, r, req.Rater) {
		return
	}
	if err := s.Sim.SubmitRating(req); err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"queued": true, "apply_after_tick": s.Sim.CurrentTick()})
}

// admitRequest adds a trader between ticks.
type admitRequest struct {
	Kind      string           `json:"kind"` // "player" or "ai"
	Template  string           `json:"template"`
	Capital   decimal.Decimal  `json:"capital"`
	Inventory map[string]int64 `json:"inventory"`
}

// admitResponse is the admitted trader plus, for players, the token that
// must accompany their orders and ratings. The token is shown only here.
type admitResponse struct {
	*agents.Trader
	Token string `json:"token,omitempty"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind := agents.KindPlayer
	switch req.Kind {
	case "", "player":
	case "ai":
		kind = agents.KindAI
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", req.Kind))
		return
	}
	t, err := s.Sim.AdmitTrader(kind, req.Template, req.Capital, req.Inventory)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := admitResponse{Trader: t}
	if t.Kind == agents.KindPlayer {
		if resp.Token, err = s.Sim.IssueToken(t.ID); err != nil {
			writeErr(w, err)
			return
		}
		t.TokenHash = ""
	}
	slog.Info("trader admitted via API", "id", t.ID, "kind", t.Kind.String(), "capital", t.Capital.String())
	writeJSONStatus(w, http.StatusCreated, resp)
}

func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	var req engine.FireRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.Sim.FireEvent(req); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("event fired via API", "type", req.Type, "magnitude", req.Magnitude, "target", req.Target)
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"queued": true, "type": req.Type})
}

func (s *Server) handleGetSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Eng == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Eng == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	var req struct {
		Speed float64 `json:"speed"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.Eng.SetSpeed(req.Speed); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("speed changed via API", "speed", req.Speed)
	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase string `json:"phase"`
		Cause string `json:"cause"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	phase, err := engine.ParsePhase(req.Phase)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cause := req.Cause
	if cause == "" {
		cause = "operator"
	}
	s.Sim.ForcePhase(phase, cause)
	writeJSON(w, s.Sim.Cycle())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "database not available")
		return
	}
	st := s.Sim.Snapshot()
	if err := s.DB.SaveCheckpoint(r.Context(), st); err != nil {
		slog.Error("snapshot save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	writeJSON(w, map[string]any{
		"tick":    st.Tick,
		"message": "snapshot saved",
	})
}

// writeErr maps domain errors to HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrUnknownTrader), errors.Is(err, economy.ErrUnknownAsset):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrBadToken):
		status = http.StatusUnauthorized
	case errors.Is(err, engine.ErrNotPlayer), errors.Is(err, engine.ErrTraderInactive):
		status = http.StatusForbidden
	case errors.Is(err, economy.ErrValidation), errors.Is(err, engine.ErrUnknownEventType),
		errors.Is(err, economy.ErrInsufficientFunds):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("API request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
