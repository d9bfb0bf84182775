package social

import (
	"fmt"
	"math"
	"testing"

	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/entropy"
)

func newLedger() *Ledger {
	return NewLedger(config.Defaults().Reputation)
}

func TestUnknownPairIsNeutral(t *testing.T) {
	l := newLedger()
	if got := l.Score("a", "b"); got != Neutral {
		t.Errorf("Score = %v, want %v", got, Neutral)
	}
	if got := l.Average("b"); got != Neutral {
		t.Errorf("Average = %v, want %v", got, Neutral)
	}
}

// A default against B lowers B's opinion of A by the weighted honesty signal.
func TestDefaultLowersScoreByWeightedHonesty(t *testing.T) {
	l := newLedger()
	got := l.Update("B", "A", Signals{config.FactorTradeHonesty: -20})
	want := Neutral - 0.3*20
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("Score(B, A) = %v, want %v", got, want)
	}
	if math.Abs(l.Average("A")-want) > 1e-9 {
		t.Errorf("Average(A) = %v, want %v", l.Average("A"), want)
	}
	if l.Score("A", "B") != Neutral {
		t.Error("update should be directional")
	}
}

func TestScoresStayBounded(t *testing.T) {
	l := newLedger()
	for i := 0; i < 100; i++ {
		l.Update("x", "y", Signals{config.FactorTradeHonesty: 50, config.FactorPaymentReliability: 50})
		l.Update("y", "x", Signals{config.FactorTradeHonesty: -50})
	}
	if s := l.Score("x", "y"); s != 100 {
		t.Errorf("Score(x,y) = %v, want 100", s)
	}
	if s := l.Score("y", "x"); s != 0 {
		t.Errorf("Score(y,x) = %v, want 0", s)
	}
	l.Shift("x", -30)
	for _, e := range l.Entries() {
		if e.Score < 0 || e.Score > 100 {
			t.Fatalf("entry out of bounds: %+v", e)
		}
	}
}

func TestDecayMovesTowardNeutralAndPrunes(t *testing.T) {
	cfg := config.Defaults().Reputation
	cfg.DecayRate = 0.5
	l := NewLedger(cfg)
	l.Update("a", "b", Signals{config.FactorTradeHonesty: 100}) // 80
	l.Decay()
	if got := l.Score("a", "b"); math.Abs(got-65) > 1e-9 {
		t.Fatalf("after one decay = %v, want 65", got)
	}
	for i := 0; i < 20; i++ {
		l.Decay()
	}
	if l.Len() != 0 {
		t.Errorf("pair should have been pruned, %d left", l.Len())
	}
	if !l.DecayDue(10) || l.DecayDue(11) || l.DecayDue(0) {
		t.Error("DecayDue interval check wrong")
	}
}

func TestViewIsFrozen(t *testing.T) {
	l := newLedger()
	l.Update("a", "b", Signals{config.FactorTradeHonesty: 10})
	v := l.View()
	l.Update("a", "b", Signals{config.FactorTradeHonesty: 10})
	if v.Score("a", "b") != 53 {
		t.Errorf("view changed after ledger update: %v", v.Score("a", "b"))
	}
}

func TestLoadRoundTrip(t *testing.T) {
	l := newLedger()
	l.Update("a", "b", Signals{config.FactorTradeHonesty: 10})
	l.Update("c", "b", Signals{config.FactorInformationQuality: -4})
	other := newLedger()
	other.Load(l.Entries())
	if other.Score("a", "b") != l.Score("a", "b") || other.Average("b") != l.Average("b") {
		t.Error("loaded ledger differs")
	}
}

// chainTrust makes each agent trust only the next one in line.
type chainTrust map[string]string

func (c chainTrust) Score(rater, subject string) float64 {
	if c[rater] == subject {
		return 100
	}
	return 0
}

func TestPropagationTerminatesAtConfidenceFloor(t *testing.T) {
	cfg := config.Defaults().Information
	cfg.Fanout = 1
	cfg.HopDecay = 0.5
	cfg.ConfidenceFloor = 0.05
	n := NewNetwork(cfg)

	var peers []string
	trust := chainTrust{}
	for i := 0; i < 10; i++ {
		peers = append(peers, fmt.Sprintf("t%02d", i))
	}
	for i := 0; i < len(peers)-1; i++ {
		trust[peers[i]] = peers[i+1]
	}
	influence := func(string) float64 { return 0.9 }

	n.Publish(0, Packet{ID: "fact", Origin: "market", Confidence: 1.0, Accurate: true}, []string{peers[0]})

	maxHops := -1
	lastVisible := uint64(0)
	for tick := uint64(1); tick <= 12; tick++ {
		n.Propagate(tick, peers, trust, influence, entropy.Fixed(0))
		for _, p := range peers {
			for _, pkt := range n.Inbox(p) {
				if pkt.Confidence < cfg.ConfidenceFloor {
					t.Fatalf("delivered packet below floor: %+v", pkt)
				}
				if pkt.Hops > maxHops {
					maxHops = pkt.Hops
				}
				lastVisible = tick
			}
		}
	}
	if maxHops != 4 {
		t.Errorf("max hops = %d, want 4 (1.0 -> 0.0625)", maxHops)
	}
	if lastVisible != 5 {
		t.Errorf("last delivery visible at tick %d, want 5", lastVisible)
	}
	if n.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 after termination", n.PendingCount())
	}
}

func TestDeliveryVisibleNextTick(t *testing.T) {
	n := NewNetwork(config.Defaults().Information)
	peers := []string{"a", "b"}
	trust := chainTrust{"a": "b"}
	influence := func(string) float64 { return 1 }
	n.Publish(1, Packet{ID: "p", Origin: "market", Confidence: 1, Accurate: true}, []string{"a"})
	if len(n.Inbox("a")) != 0 {
		t.Fatal("published packet visible in the same tick")
	}
	n.Propagate(2, peers, trust, influence, entropy.Fixed(0))
	if len(n.Inbox("a")) != 1 || len(n.Inbox("b")) != 0 {
		t.Fatal("a should hold the packet at tick 2, b should not yet")
	}
	deliveries := n.Propagate(3, peers, trust, influence, entropy.Fixed(0))
	if len(n.Inbox("b")) != 1 {
		t.Fatal("b should see the forwarded packet at tick 3")
	}
	if len(deliveries) != 1 || deliveries[0].From != "a" || deliveries[0].To != "b" {
		t.Errorf("deliveries = %+v", deliveries)
	}
}

func TestForwardingProbabilityUsesTrustAndInfluence(t *testing.T) {
	n := NewNetwork(config.Defaults().Information)
	peers := []string{"a", "b"}
	trust := chainTrust{"a": "b"}
	influence := func(string) float64 { return 0.9 }
	n.Publish(1, Packet{ID: "p", Confidence: 1}, []string{"a"})
	n.Propagate(2, peers, trust, influence, entropy.Fixed(0.95))
	if n.PendingCount() != 0 {
		t.Error("draw above trust×influence should not forward")
	}
}

func TestNetworkStateRestore(t *testing.T) {
	n := NewNetwork(config.Defaults().Information)
	n.Publish(1, Packet{ID: "p", Confidence: 1}, []string{"a"})
	st := n.State()
	other := NewNetwork(config.Defaults().Information)
	other.Restore(st)
	if other.PendingCount() != 1 {
		t.Errorf("restored pending = %d, want 1", other.PendingCount())
	}
	n.Forget("a")
	if other.PendingCount() != 1 {
		t.Error("restore should deep-copy state")
	}
}
