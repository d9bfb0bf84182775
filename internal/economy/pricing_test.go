package economy

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/talgya/tradersim/internal/config"
)

func testMarketConfig(retention int) config.MarketConfig {
	cfg := config.Defaults().Market
	cfg.Assets = []config.AssetConfig{{ID: "GRAIN", InitialPrice: 10, ReferenceVolume: 100, FundamentalAmplitude: 0.1}}
	cfg.BookRetentionTicks = retention
	return cfg
}

func fund(acct *Availability, id string, cash int64, qty int64) {
	acct.Fund(id, decimal.NewFromInt(cash), map[string]int64{"GRAIN": qty})
}

func limit(id string, side Side, qty int64, price float64) OrderIntent {
	return OrderIntent{TraderID: id, Asset: "GRAIN", Side: side, Quantity: qty, Price: price}
}

func TestClearExecutesAtRestingPrice(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(0), 20)
	acct := NewAvailability()
	fund(acct, "s", 0, 10)
	fund(acct, "b", 1000, 0)

	res, err := pe.Clear(1, "GRAIN", []OrderIntent{
		limit("s", Sell, 5, 9.9),
		limit("b", Buy, 5, 10.5),
	}, acct, Modifiers{Volatility: 1})
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Price != 9.9 || tr.Quantity != 5 || tr.BuyerID != "b" || tr.SellerID != "s" {
		t.Errorf("unexpected trade %+v", tr)
	}
	if tr.Aggressor != Buy {
		t.Errorf("aggressor = %v, want buy", tr.Aggressor)
	}
	if !acct.Cash("b").Equal(decimal.RequireFromString("950.5")) {
		t.Errorf("buyer cash = %s, want 950.5", acct.Cash("b"))
	}
	if res.Quote.Stale {
		t.Error("quote should not be stale after a trade")
	}
}

func TestClearPriceTimePriority(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(0), 20)
	acct := NewAvailability()
	fund(acct, "s1", 0, 10)
	fund(acct, "s2", 0, 10)
	fund(acct, "s3", 0, 10)
	fund(acct, "b", 1000, 0)

	res, err := pe.Clear(1, "GRAIN", []OrderIntent{
		limit("s1", Sell, 2, 10.2),
		limit("s2", Sell, 2, 10.0),
		limit("s3", Sell, 2, 10.0),
		limit("b", Buy, 5, 10.5),
	}, acct, Modifiers{Volatility: 1})
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		seller string
		qty    int64
		price  float64
	}{{"s2", 2, 10.0}, {"s3", 2, 10.0}, {"s1", 1, 10.2}}
	if len(res.Trades) != len(want) {
		t.Fatalf("trades = %d, want %d", len(res.Trades), len(want))
	}
	for i, w := range want {
		got := res.Trades[i]
		if got.SellerID != w.seller || got.Quantity != w.qty || got.Price != w.price {
			t.Errorf("trade %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestClearRejectsInvalidIntent(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(0), 20)
	acct := NewAvailability()
	res, err := pe.Clear(1, "GRAIN", []OrderIntent{limit("x", Buy, 0, 10)}, acct, Modifiers{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rejections) != 1 || !errors.Is(res.Rejections[0].Err, ErrValidation) {
		t.Fatalf("rejections = %+v, want one validation error", res.Rejections)
	}
}

func TestClearDowngradesUnaffordableFill(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(0), 20)
	acct := NewAvailability()
	fund(acct, "s", 0, 10)
	fund(acct, "b", 35, 0)

	res, err := pe.Clear(1, "GRAIN", []OrderIntent{
		limit("s", Sell, 10, 10),
		limit("b", Buy, 10, 10),
	}, acct, Modifiers{Volatility: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 || res.Trades[0].Quantity != 3 {
		t.Fatalf("want one trade of 3 units, got %+v", res.Trades)
	}
	if len(res.Rejections) != 1 || !errors.Is(res.Rejections[0].Err, ErrInsufficientFunds) || res.Rejections[0].Quantity != 7 {
		t.Fatalf("want remainder of 7 rejected, got %+v", res.Rejections)
	}
	if acct.Cash("b").IsNegative() {
		t.Error("buyer cash went negative")
	}
}

func TestClearRecordsPaymentDefault(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(2), 20)
	acct := NewAvailability()
	fund(acct, "b", 100, 0)
	if _, err := pe.Clear(1, "GRAIN", []OrderIntent{limit("b", Buy, 5, 10)}, acct, Modifiers{Volatility: 1}); err != nil {
		t.Fatal(err)
	}

	// Next tick the resting buyer has spent its money elsewhere.
	acct = NewAvailability()
	fund(acct, "b", 0, 0)
	fund(acct, "s", 0, 5)
	res, err := pe.Clear(2, "GRAIN", []OrderIntent{limit("s", Sell, 5, 10)}, acct, Modifiers{Volatility: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("expected no trades, got %+v", res.Trades)
	}
	if len(res.Defaults) != 1 || res.Defaults[0].DebtorID != "b" || res.Defaults[0].CreditorID != "s" {
		t.Fatalf("defaults = %+v", res.Defaults)
	}
}

func TestClearSelfTradeCancelsResting(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(2), 20)
	acct := NewAvailability()
	fund(acct, "a", 1000, 10)

	res, err := pe.Clear(1, "GRAIN", []OrderIntent{
		limit("a", Sell, 3, 10),
		limit("a", Buy, 3, 10),
	}, acct, Modifiers{Volatility: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("self trade executed: %+v", res.Trades)
	}
	if len(res.Rejections) != 1 || !errors.Is(res.Rejections[0].Err, ErrSelfTrade) {
		t.Fatalf("rejections = %+v", res.Rejections)
	}
	book, _ := pe.Book("GRAIN")
	if len(book.Asks) != 0 || len(book.Bids) != 1 {
		t.Errorf("book = %d bids %d asks, want 1 bid 0 asks", len(book.Bids), len(book.Asks))
	}
}

func TestBookRetentionExpiresOrders(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(1), 20)
	acct := NewAvailability()
	fund(acct, "b", 1000, 0)
	if _, err := pe.Clear(1, "GRAIN", []OrderIntent{limit("b", Buy, 1, 9)}, acct, Modifiers{}); err != nil {
		t.Fatal(err)
	}
	if book, _ := pe.Book("GRAIN"); len(book.Bids) != 1 {
		t.Fatal("order should rest after tick 1")
	}
	if _, err := pe.Clear(2, "GRAIN", nil, acct, Modifiers{}); err != nil {
		t.Fatal(err)
	}
	if book, _ := pe.Book("GRAIN"); len(book.Bids) != 1 {
		t.Fatal("order should still rest during tick 2")
	}
	res, err := pe.Clear(3, "GRAIN", nil, acct, Modifiers{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rejections) != 1 || !errors.Is(res.Rejections[0].Err, ErrExpired) {
		t.Fatalf("expected expiry notice, got %+v", res.Rejections)
	}
}

func TestZeroLiquidityCarriesPriceForward(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(0), 20)
	for tick := uint64(1); tick <= 3; tick++ {
		res, err := pe.Clear(tick, "GRAIN", nil, NewAvailability(), Modifiers{Volatility: 1.5, Impact: 0.3})
		if err != nil {
			t.Fatal(err)
		}
		if res.Quote.Price != 10 || !res.Quote.Stale {
			t.Fatalf("tick %d quote = %+v, want price 10 and stale", tick, res.Quote)
		}
		if res.Clamped {
			t.Fatalf("tick %d: a carried-forward quote is never clamped", tick)
		}
	}
	for _, p := range pe.History("GRAIN") {
		if p != 10 {
			t.Fatalf("history = %v, want every entry 10", pe.History("GRAIN"))
		}
	}
	q, _ := pe.Quote("GRAIN")
	if err := q.CheckFresh(10, 5); !errors.Is(err, ErrStaleQuote) {
		t.Errorf("CheckFresh = %v, want ErrStaleQuote", err)
	}
}

// tradeAt crosses one unit at price so the tick has volume there.
func tradeAt(t *testing.T, pe *PricingEngine, tick uint64, price float64, mod Modifiers) *ClearResult {
	t.Helper()
	acct := NewAvailability()
	fund(acct, "s", 0, 1)
	fund(acct, "b", 1000, 0)
	res, err := pe.Clear(tick, "GRAIN", []OrderIntent{
		limit("s", Sell, 1, price),
		limit("b", Buy, 1, price),
	}, acct, mod)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("tick %d: trades = %+v, want one", tick, res.Trades)
	}
	return res
}

func TestEventImpactAppliedOnceToTradedPrice(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(0), 20)
	mod := Modifiers{Volatility: 1, Impact: 0.3}

	// Traders keep dealing at whatever was last published.
	prev := 10.0
	var prices []float64
	for tick := uint64(1); tick <= 4; tick++ {
		res := tradeAt(t, pe, tick, prev, mod)
		p := res.Quote.Price
		if math.Abs(p-prev)/prev > 0.2+1e-9 {
			t.Fatalf("tick %d moved %.4f -> %.4f beyond breaker", tick, prev, p)
		}
		if res.Quote.Stale {
			t.Fatalf("tick %d: traded quote flagged stale", tick)
		}
		prices = append(prices, p)
		prev = p
	}
	if prices[0] != 12 || prices[1] != 13 || prices[2] != 13 || prices[3] != 13 {
		t.Errorf("prices = %v, want [12 13 13 13]", prices)
	}

	// Once the event is gone the premium leaves the price again.
	mod.Impact = 0
	res := tradeAt(t, pe, 5, prev, mod)
	if res.Quote.Price != 10.4 || !res.Clamped {
		t.Errorf("first tick after the event = %v (clamped %v), want 10.4 clamped", res.Quote.Price, res.Clamped)
	}
	res = tradeAt(t, pe, 6, res.Quote.Price, mod)
	if res.Quote.Price != 10 {
		t.Errorf("second tick after the event = %v, want 10", res.Quote.Price)
	}
}

func TestPressureDriftIsBounded(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(0), 20)
	acct := NewAvailability()
	fund(acct, "s", 0, 1)
	fund(acct, "b", 1_000_000, 0)
	// A huge one-sided bid that mostly finds no seller.
	res, err := pe.Clear(1, "GRAIN", []OrderIntent{
		limit("s", Sell, 1, 10),
		limit("b", Buy, 50_000, 10),
	}, acct, Modifiers{Volatility: 1})
	if err != nil {
		t.Fatal(err)
	}
	cfg := testMarketConfig(0)
	maxMove := 10 * cfg.DriftCoefficient
	if got := res.Quote.Price - 10; got <= 0 || got > maxMove+0.005 {
		t.Errorf("drift moved price by %v, want (0, %v]", got, maxMove)
	}
}

func TestCrisisOverrideSuspendsBreaker(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(0), 20)
	res := tradeAt(t, pe, 1, 10, Modifiers{Volatility: 1, Impact: -0.5, Override: true})
	if res.Quote.Price != 5 {
		t.Errorf("price = %v, want 5 under override", res.Quote.Price)
	}
}

func TestLimitPriceCollaredIntoBand(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(0), 20)
	acct := NewAvailability()
	fund(acct, "s", 0, 10)
	fund(acct, "b", 1000, 0)
	res, err := pe.Clear(1, "GRAIN", []OrderIntent{
		limit("s", Sell, 1, 50),
		limit("b", Buy, 1, 100),
	}, acct, Modifiers{Volatility: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 || res.Trades[0].Price != 12 {
		t.Fatalf("trades = %+v, want one at the band ceiling 12", res.Trades)
	}
}

func TestStateRestoreRoundTrip(t *testing.T) {
	pe := NewPricingEngine(testMarketConfig(3), 20)
	acct := NewAvailability()
	fund(acct, "b", 1000, 0)
	if _, err := pe.Clear(1, "GRAIN", []OrderIntent{limit("b", Buy, 2, 9.5)}, acct, Modifiers{}); err != nil {
		t.Fatal(err)
	}
	states, seq := pe.State()

	other := NewPricingEngine(testMarketConfig(3), 20)
	if err := other.Restore(states, seq); err != nil {
		t.Fatal(err)
	}
	book, _ := other.Book("GRAIN")
	if len(book.Bids) != 1 || book.Bids[0].Price != 9.5 {
		t.Fatalf("restored book = %+v", book)
	}
	if err := other.Restore([]AssetState{{ID: "NOPE"}}, 0); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("Restore unknown asset = %v", err)
	}
}

func TestFundamentalsDeterministic(t *testing.T) {
	cfg := testMarketConfig(0)
	a := NewFundamentals(9, cfg)
	b := NewFundamentals(9, cfg)
	for tick := uint64(0); tick < 50; tick += 7 {
		va, vb := a.Value("GRAIN", tick), b.Value("GRAIN", tick)
		if va != vb {
			t.Fatalf("tick %d: %v != %v", tick, va, vb)
		}
		if va < 9 || va > 11 {
			t.Fatalf("tick %d: value %v outside amplitude band", tick, va)
		}
	}
	if a.Value("NOPE", 1) != 0 {
		t.Error("unknown asset should have zero value")
	}
}
