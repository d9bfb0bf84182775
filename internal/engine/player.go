// Player adapter: orders, reputation actions and event fires submitted from
// outside are queued here and enter the tick through the same pipeline as
// AI decisions.
package engine

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/talgya/tradersim/internal/agents"
	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/economy"
)

// maxRatingSignal bounds a single player reputation action.
const maxRatingSignal = 10

// RatingAction is a player's explicit opinion of another trader on one
// reputation factor.
type RatingAction struct {
	Rater   string  `json:"rater"`
	Subject string  `json:"subject"`
	Factor  string  `json:"factor"`
	Signal  float64 `json:"signal"`
}

// FireRequest starts an event of Type on the next tick.
type FireRequest struct {
	Type      string  `json:"type"`
	Magnitude float64 `json:"magnitude"`
	Target    string  `json:"target,omitempty"`
}

// inbound has its own lock so submissions never wait for a running tick.
// players maps each active player to the hash of its access token; the
// hash is empty until a token is issued.
type inbound struct {
	mu      sync.Mutex
	players map[string]string
	orders  []economy.OrderIntent
	ratings []RatingAction
	fires   []FireRequest
}

type drained struct {
	orders  []economy.OrderIntent
	ratings []RatingAction
	fires   []FireRequest
}

func newInbound() *inbound {
	return &inbound{players: make(map[string]string)}
}

func (in *inbound) register(id, tokenHash string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.players[id] = tokenHash
}

func (in *inbound) unregister(id string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.players, id)
}

func (in *inbound) reset(players map[string]string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.players = make(map[string]string, len(players))
	for id, h := range players {
		in.players[id] = h
	}
}

func (in *inbound) isPlayer(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.players[id]
	return ok
}

func (in *inbound) authenticate(id, token string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	want, ok := in.players[id]
	if !ok {
		return fmt.Errorf("player %q: %w", id, ErrNotPlayer)
	}
	got := hashToken(token)
	if want == "" || token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return fmt.Errorf("player %q: %w", id, ErrBadToken)
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (in *inbound) drain() drained {
	in.mu.Lock()
	defer in.mu.Unlock()
	d := drained{orders: in.orders, ratings: in.ratings, fires: in.fires}
	in.orders, in.ratings, in.fires = nil, nil, nil
	return d
}

// requeue puts input back in front of anything submitted since it was drained.
func (in *inbound) requeue(d drained) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.orders = append(d.orders, in.orders...)
	in.ratings = append(d.ratings, in.ratings...)
	in.fires = append(d.fires, in.fires...)
}

func (in *inbound) pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.orders) + len(in.ratings) + len(in.fires)
}

// IssueToken generates a new access token for an active player and
// replaces any earlier one. Only the hash is kept, in the trader record, so
// the token survives checkpoints but cannot be read back.
func (s *Simulation) IssueToken(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.index[id]
	if !ok {
		return "", fmt.Errorf("issuing token for %q: %w", id, ErrUnknownTrader)
	}
	if t.Kind != agents.KindPlayer {
		return "", fmt.Errorf("issuing token for %q: %w", id, ErrNotPlayer)
	}
	if !t.Active() {
		return "", fmt.Errorf("issuing token for %q: %w", id, ErrTraderInactive)
	}
	token := uuid.NewString()
	t.TokenHash = hashToken(token)
	s.in.register(id, t.TokenHash)
	return token, nil
}

// Authenticate checks that token was issued to player id. It returns
// ErrNotPlayer for unknown or departed players and ErrBadToken otherwise.
func (s *Simulation) Authenticate(id, token string) error {
	return s.in.authenticate(id, token)
}

// SubmitOrder queues a player order for the next tick. Shape errors are
// returned immediately; everything else (funds, matching) is decided by the
// tick and reported back as a notice.
func (s *Simulation) SubmitOrder(intent economy.OrderIntent) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	if _, ok := s.cfg.Asset(intent.Asset); !ok {
		return fmt.Errorf("order for %q: %w", intent.Asset, economy.ErrUnknownAsset)
	}
	if !s.in.isPlayer(intent.TraderID) {
		return fmt.Errorf("order from %q: %w", intent.TraderID, ErrNotPlayer)
	}
	s.in.mu.Lock()
	defer s.in.mu.Unlock()
	s.in.orders = append(s.in.orders, intent)
	return nil
}

// SubmitRating queues a player's reputation action for the next tick.
func (s *Simulation) SubmitRating(a RatingAction) error {
	if _, ok := s.cfg.Reputation.Weights[a.Factor]; !ok {
		return fmt.Errorf("rating factor %q: %w", a.Factor, economy.ErrValidation)
	}
	if a.Signal < -maxRatingSignal || a.Signal > maxRatingSignal {
		return fmt.Errorf("rating signal %v outside ±%d: %w", a.Signal, maxRatingSignal, economy.ErrValidation)
	}
	if a.Rater == a.Subject {
		return fmt.Errorf("self rating by %q: %w", a.Rater, economy.ErrValidation)
	}
	if !s.in.isPlayer(a.Rater) {
		return fmt.Errorf("rating from %q: %w", a.Rater, ErrNotPlayer)
	}
	s.in.mu.Lock()
	defer s.in.mu.Unlock()
	s.in.ratings = append(s.in.ratings, a)
	return nil
}

// FireEvent queues an event to start at step 4 of the next tick.
func (s *Simulation) FireEvent(req FireRequest) error {
	tc, ok := s.cfg.EventType(req.Type)
	if !ok {
		return fmt.Errorf("firing %q: %w", req.Type, ErrUnknownEventType)
	}
	if req.Magnitude <= 0 {
		return fmt.Errorf("firing %q: magnitude %v: %w", req.Type, req.Magnitude, economy.ErrValidation)
	}
	switch tc.Scope {
	case config.ScopeAsset:
		if _, ok := s.cfg.Asset(req.Target); !ok {
			return fmt.Errorf("firing %q at %q: %w", req.Type, req.Target, economy.ErrUnknownAsset)
		}
	case config.ScopeReputation:
		if req.Target == "" {
			return fmt.Errorf("firing %q: reputation event needs a target trader: %w", req.Type, economy.ErrValidation)
		}
	}
	s.in.mu.Lock()
	defer s.in.mu.Unlock()
	s.in.fires = append(s.in.fires, req)
	return nil
}

// PendingInput returns how many submissions wait for the next tick.
func (s *Simulation) PendingInput() int { return s.in.pending() }

// queueOrders hands drained orders to their player traders. Orders from a
// player who left since submission are dropped.
func (s *Simulation) queueOrders(tick uint64, orders []economy.OrderIntent) {
	for _, o := range orders {
		t, ok := s.index[o.TraderID]
		if !ok || !t.Active() || t.Kind != agents.KindPlayer {
			continue
		}
		o.Tick = tick
		t.Queued = append(t.Queued, o)
	}
}

// applyRatings runs queued reputation actions in the sequential phase.
func (s *Simulation) applyRatings(ratings []RatingAction) {
	for _, a := range ratings {
		if _, ok := s.index[a.Subject]; !ok {
			continue
		}
		s.ledger.Update(a.Rater, a.Subject, map[string]float64{a.Factor: a.Signal})
	}
}
