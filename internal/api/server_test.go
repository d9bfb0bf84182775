package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/economy"
	"github.com/talgya/tradersim/internal/engine"
	"github.com/talgya/tradersim/internal/stream"
)

const testKey = "secret"

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Simulation.DecideBudget = config.Duration{Duration: 2 * time.Second}
	cfg.Server.AdminKey = testKey
	facts := stream.NewBroadcaster()
	sim, err := engine.NewSimulation(cfg, facts)
	if err != nil {
		t.Fatalf("NewSimulation: %v", err)
	}
	s := NewServer(cfg.Server, sim, engine.NewEngine(sim), nil, facts)
	return s, s.Handler()
}

func decimalOf(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func do(t *testing.T, h http.Handler, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	hdr := http.Header{}
	if auth {
		hdr.Set("Authorization", "Bearer "+testKey)
	}
	return serve(t, h, method, path, body, hdr)
}

// doPlayer posts body as a player holding token.
func doPlayer(t *testing.T, h http.Handler, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	hdr := http.Header{}
	if token != "" {
		hdr.Set(playerTokenHeader, token)
	}
	return serve(t, h, http.MethodPost, path, body, hdr)
}

func serve(t *testing.T, h http.Handler, method, path string, body any, hdr http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:1234"
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type admitted struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	TokenHash string `json:"token_hash"`
}

func admitPlayer(t *testing.T, h http.Handler, inv map[string]int64) admitted {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/traders", admitRequest{
		Template:  "player",
		Capital:   decimalOf(500),
		Inventory: inv,
	}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admit = %d: %s", rec.Code, rec.Body)
	}
	var a admitted
	if err := json.NewDecoder(rec.Body).Decode(&a); err != nil {
		t.Fatalf("decode admitted: %v", err)
	}
	if a.ID == "" || a.Token == "" {
		t.Fatalf("admitted = %+v, want an id and a token", a)
	}
	if a.TokenHash != "" {
		t.Fatal("admission response exposes the token hash")
	}
	return a
}

func TestStatusAndQuotes(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/api/v1/status", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/quotes", nil, false)
	var quotes []economy.PriceQuote
	if err := json.NewDecoder(rec.Body).Decode(&quotes); err != nil {
		t.Fatalf("decode quotes: %v", err)
	}
	if len(quotes) != 3 || quotes[0].Asset != "GRAIN" || quotes[2].Asset != "SPICE" {
		t.Fatalf("quotes = %+v, want GRAIN, ORE, SPICE", quotes)
	}
}

func TestUnknownAssetIsNotFound(t *testing.T) {
	_, h := newTestServer(t)
	for _, path := range []string{"/api/v1/history/GOLD", "/api/v1/book/GOLD"} {
		if rec := do(t, h, http.MethodGet, path, nil, false); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/traders/nobody", nil, false); rec.Code != http.StatusNotFound {
		t.Errorf("unknown trader = %d, want 404", rec.Code)
	}
}

func TestControlRequiresToken(t *testing.T) {
	s, h := newTestServer(t)
	admit := admitRequest{Template: "player", Capital: decimalOf(500)}

	if rec := do(t, h, http.MethodPost, "/api/v1/traders", admit, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("admit without token = %d, want 401", rec.Code)
	}

	s.AdminKey = ""
	h = s.Handler()
	if rec := do(t, h, http.MethodPost, "/api/v1/traders", admit, true); rec.Code != http.StatusForbidden {
		t.Fatalf("admit with control disabled = %d, want 403", rec.Code)
	}
}

func TestPlayerOrderFlow(t *testing.T) {
	s, h := newTestServer(t)
	p := admitPlayer(t, h, map[string]int64{"GRAIN": 10})

	order := orderRequest{TraderID: p.ID, Asset: "GRAIN", Side: "sell", Quantity: 5, Price: 10}
	if rec := doPlayer(t, h, "/api/v1/orders", order, p.Token); rec.Code != http.StatusAccepted {
		t.Fatalf("order = %d: %s", rec.Code, rec.Body)
	}
	if got := s.Sim.PendingInput(); got != 1 {
		t.Fatalf("pending input = %d, want 1", got)
	}

	order.Side = "hold"
	if rec := doPlayer(t, h, "/api/v1/orders", order, p.Token); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad side = %d, want 400", rec.Code)
	}

	ai := s.Sim.Traders()[0].ID
	order = orderRequest{TraderID: ai, Asset: "GRAIN", Side: "buy", Quantity: 1, Price: 10}
	if rec := doPlayer(t, h, "/api/v1/orders", order, p.Token); rec.Code != http.StatusForbidden {
		t.Fatalf("order for AI trader = %d, want 403", rec.Code)
	}

	order = orderRequest{TraderID: p.ID, Asset: "GRAIN", Side: "buy", Quantity: 0, Price: 10}
	if rec := doPlayer(t, h, "/api/v1/orders", order, p.Token); rec.Code != http.StatusBadRequest {
		t.Fatalf("zero quantity = %d, want 400", rec.Code)
	}
}

func TestPlayerRequestsNeedTheirOwnToken(t *testing.T) {
	s, h := newTestServer(t)
	alice := admitPlayer(t, h, map[string]int64{"GRAIN": 10})
	bob := admitPlayer(t, h, nil)
	if alice.Token == bob.Token {
		t.Fatal("two players were issued the same token")
	}

	order := orderRequest{TraderID: alice.ID, Asset: "GRAIN", Side: "sell", Quantity: 5, Price: 10}
	for name, token := range map[string]string{
		"missing":      "",
		"wrong":        "not-a-token",
		"other player": bob.Token,
	} {
		if rec := doPlayer(t, h, "/api/v1/orders", order, token); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s token: order = %d, want 401", name, rec.Code)
		}
	}
	rating := engine.RatingAction{Rater: alice.ID, Subject: bob.ID, Factor: config.FactorTradeHonesty, Signal: -5}
	if rec := doPlayer(t, h, "/api/v1/ratings", rating, bob.Token); rec.Code != http.StatusUnauthorized {
		t.Errorf("rating with another player's token = %d, want 401", rec.Code)
	}
	if got := s.Sim.PendingInput(); got != 0 {
		t.Fatalf("pending input = %d, rejected requests were queued", got)
	}

	if rec := doPlayer(t, h, "/api/v1/ratings", rating, alice.Token); rec.Code != http.StatusAccepted {
		t.Fatalf("rating = %d: %s", rec.Code, rec.Body)
	}
	if rec := doPlayer(t, h, "/api/v1/orders", order, alice.Token); rec.Code != http.StatusAccepted {
		t.Fatalf("order = %d: %s", rec.Code, rec.Body)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/traders/"+alice.ID, nil, false)
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "token_hash") {
		t.Fatalf("trader detail = %d, must not expose the token hash: %s", rec.Code, rec.Body)
	}
}

func TestFireEventAndPhase(t *testing.T) {
	s, h := newTestServer(t)

	fire := engine.FireRequest{Type: "speculative_bubble", Magnitude: 0.2, Target: "GRAIN"}
	if rec := do(t, h, http.MethodPost, "/api/v1/events", fire, true); rec.Code != http.StatusAccepted {
		t.Fatalf("fire = %d: %s", rec.Code, rec.Body)
	}
	fire.Type = "alien_invasion"
	if rec := do(t, h, http.MethodPost, "/api/v1/events", fire, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown event type = %d, want 400", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/phase", map[string]string{"phase": "trough"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("phase = %d: %s", rec.Code, rec.Body)
	}
	if got := s.Sim.Cycle().Phase; got != config.PhaseTrough {
		t.Fatalf("phase = %q, want trough", got)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/phase", map[string]string{"phase": "boom"}, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown phase = %d, want 400", rec.Code)
	}
}

func TestSpeed(t *testing.T) {
	s, h := newTestServer(t)
	if rec := do(t, h, http.MethodPost, "/api/v1/speed", map[string]float64{"speed": 0}, true); rec.Code != http.StatusOK {
		t.Fatalf("pause = %d", rec.Code)
	}
	if s.Eng.Speed() != 0 {
		t.Fatalf("speed = %v, want 0", s.Eng.Speed())
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/speed", map[string]float64{"speed": -1}, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative speed = %d, want 400", rec.Code)
	}
}

func TestSnapshotWithoutDatabase(t *testing.T) {
	_, h := newTestServer(t)
	if rec := do(t, h, http.MethodPost, "/api/v1/snapshot", nil, true); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("snapshot without db = %d, want 503", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("other clients have their own budget")
	}
	if got := rl.RetryAfter("a"); got != 61 {
		t.Fatalf("RetryAfter = %d, want 61", got)
	}
	now = now.Add(time.Minute)
	if !rl.Allow("a") {
		t.Fatal("budget should reset after the window")
	}
}

func TestStreamDeliversFacts(t *testing.T) {
	s, h := newTestServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(filterMsg{Kinds: []stream.Kind{stream.KindReport}}); err != nil {
		t.Fatalf("write filter: %v", err)
	}
	// Let the filter land before facts are produced.
	time.Sleep(50 * time.Millisecond)

	if _, err := s.Sim.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f struct {
		Kind stream.Kind `json:"kind"`
		Tick uint64      `json:"tick"`
	}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read fact: %v", err)
	}
	if f.Kind != stream.KindReport || f.Tick != 1 {
		t.Fatalf("fact = %+v, want tick 1 report", f)
	}
}
