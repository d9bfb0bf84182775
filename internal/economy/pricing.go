package economy

import (
	"fmt"
	"math"
	"sort"

	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/numeric"
)

// MinPrice is the lowest price the engine will publish or accept.
const MinPrice = 0.01

// Modifiers carries the per-tick external influences on one asset.
type Modifiers struct {
	Volatility float64 // cycle phase volatility coefficient
	Impact     float64 // summed effect of active economic events
	Override   bool    // a crisis event suspends the circuit breaker
}

// ClearResult is everything one asset produced in one tick.
type ClearResult struct {
	Asset      string
	Trades     []Trade
	Rejections []Rejection
	Defaults   []Default
	Quote      PriceQuote
	Clamped    bool
}

// AssetState is the serializable state of one asset market.
type AssetState struct {
	ID          string     `json:"id"`
	Base        float64    `json:"base"`
	Premium     float64    `json:"premium"`
	PressureEMA float64    `json:"pressure_ema"`
	Quote       PriceQuote `json:"quote"`
	History     []float64  `json:"history"`
	Book        Book       `json:"book"`
}

type assetMarket struct {
	cfg         config.AssetConfig
	base        float64
	premium     float64 // event premium embedded in the published price
	pressureEMA float64
	quote       PriceQuote
	history     []float64
	book        Book
}

// PricingEngine runs a continuous double auction per asset and publishes one
// PriceQuote per asset per tick. It is single-writer: only the scheduler's
// sequential phase calls Clear.
type PricingEngine struct {
	cfg     config.MarketConfig
	window  int
	markets map[string]*assetMarket
	assets  []string
	seq     uint64
}

// NewPricingEngine creates markets for every configured asset at its initial price.
func NewPricingEngine(cfg config.MarketConfig, historyWindow int) *PricingEngine {
	pe := &PricingEngine{
		cfg:     cfg,
		window:  historyWindow,
		markets: make(map[string]*assetMarket, len(cfg.Assets)),
	}
	for _, a := range cfg.Assets {
		pe.markets[a.ID] = &assetMarket{
			cfg:  a,
			base: a.InitialPrice,
			quote: PriceQuote{
				Asset: a.ID,
				Price: a.InitialPrice,
				Stale: true,
			},
			history: []float64{a.InitialPrice},
		}
		pe.assets = append(pe.assets, a.ID)
	}
	sort.Strings(pe.assets)
	return pe
}

// Assets returns asset ids in sorted order.
func (pe *PricingEngine) Assets() []string {
	out := make([]string, len(pe.assets))
	copy(out, pe.assets)
	return out
}

// Quote returns the current quote for an asset.
func (pe *PricingEngine) Quote(asset string) (PriceQuote, bool) {
	m, ok := pe.markets[asset]
	if !ok {
		return PriceQuote{}, false
	}
	return m.quote, true
}

// Quotes returns all current quotes keyed by asset.
func (pe *PricingEngine) Quotes() map[string]PriceQuote {
	out := make(map[string]PriceQuote, len(pe.markets))
	for id, m := range pe.markets {
		out[id] = m.quote
	}
	return out
}

// History returns a copy of the recent published prices for an asset, oldest first.
func (pe *PricingEngine) History(asset string) []float64 {
	m, ok := pe.markets[asset]
	if !ok {
		return nil
	}
	out := make([]float64, len(m.history))
	copy(out, m.history)
	return out
}

// Book returns a copy of the resting orders for an asset.
func (pe *PricingEngine) Book(asset string) (Book, bool) {
	m, ok := pe.markets[asset]
	if !ok {
		return Book{}, false
	}
	return m.book.clone(), true
}

// CancelTrader removes a trader's resting orders from every book.
func (pe *PricingEngine) CancelTrader(traderID string) int {
	n := 0
	for _, id := range pe.assets {
		n += pe.markets[id].book.CancelTrader(traderID)
	}
	return n
}

// Band returns the circuit-breaker price band around the last published price.
func (pe *PricingEngine) Band(asset string) (lo, hi float64) {
	m, ok := pe.markets[asset]
	if !ok {
		return 0, 0
	}
	return pe.band(m.quote.Price)
}

func (pe *PricingEngine) band(prev float64) (lo, hi float64) {
	cb := pe.cfg.CircuitBreakerPercent
	lo = math.Ceil(prev*(1-cb)*100-1e-9) / 100
	hi = math.Floor(prev*(1+cb)*100+1e-9) / 100
	if lo < MinPrice {
		lo = MinPrice
	}
	return lo, hi
}

// Clear matches the tick's intents for one asset in submission order,
// executes at the resting order's price, and publishes the new quote.
// Intents must already be in the scheduler's deterministic order.
func (pe *PricingEngine) Clear(tick uint64, asset string, intents []OrderIntent, acct *Availability, mod Modifiers) (*ClearResult, error) {
	m, ok := pe.markets[asset]
	if !ok {
		return nil, fmt.Errorf("clearing %q: %w", asset, ErrUnknownAsset)
	}
	res := &ClearResult{Asset: asset}

	// Expired resting orders leave before matching.
	for _, o := range m.book.removeIf(func(o *Order) bool { return o.Expires < tick }) {
		res.Rejections = append(res.Rejections, Rejection{
			TraderID: o.TraderID, Asset: asset, Side: o.Side, Quantity: o.Remaining, Tick: tick, Err: ErrExpired,
		})
	}

	lo, hi := pe.band(m.quote.Price)
	if mod.Override {
		lo, hi = MinPrice, math.Inf(1)
	}

	// Collar resting orders into the current band so every execution
	// respects the breaker.
	for _, orders := range [][]*Order{m.book.Bids, m.book.Asks} {
		for _, o := range orders {
			o.Price = numeric.Round2(numeric.Clamp(o.Price, lo, hi))
		}
	}
	m.book.resort()

	var buyVol, sellVol int64
	for _, in := range intents {
		if err := in.Validate(); err != nil {
			res.Rejections = append(res.Rejections, Rejection{
				TraderID: in.TraderID, Asset: asset, Side: in.Side, Quantity: in.Quantity, Tick: tick, Err: err,
			})
			continue
		}
		if in.Side == Buy {
			buyVol += in.Quantity
		} else {
			sellVol += in.Quantity
		}

		pe.seq++
		o := &Order{
			Seq:       pe.seq,
			TraderID:  in.TraderID,
			Side:      in.Side,
			Market:    in.Market,
			Remaining: in.Quantity,
			Placed:    tick,
			Expires:   tick + uint64(pe.cfg.BookRetentionTicks),
		}
		switch {
		case in.Market && in.Side == Buy:
			o.Price = hi
		case in.Market:
			o.Price = lo
		default:
			o.Price = numeric.Round2(numeric.Clamp(in.Price, lo, math.Max(lo, hi)))
		}

		pe.match(tick, asset, m, o, acct, res)

		if o.Remaining > 0 && !o.Market {
			if pe.canRest(o, asset, acct) {
				m.book.insert(o)
			} else {
				res.Rejections = append(res.Rejections, Rejection{
					TraderID: o.TraderID, Asset: asset, Side: o.Side, Quantity: o.Remaining, Tick: tick, Err: ErrInsufficientFunds,
				})
			}
		}
	}

	pe.publish(tick, m, res, buyVol, sellVol, mod, lo, hi)

	if pe.cfg.BookRetentionTicks == 0 {
		m.book = Book{}
	}
	return res, nil
}

func (pe *PricingEngine) canRest(o *Order, asset string, acct *Availability) bool {
	if o.Side == Buy {
		return acct.Affordable(o.TraderID, o.Price) > 0
	}
	return acct.Holding(o.TraderID, asset) > 0
}

func (pe *PricingEngine) match(tick uint64, asset string, m *assetMarket, in *Order, acct *Availability, res *ClearResult) {
	restSide := in.Side.Opposite()
	for in.Remaining > 0 {
		rest := m.book.best(restSide)
		if rest == nil || !crosses(in, rest) {
			return
		}
		if rest.TraderID == in.TraderID {
			m.book.popBest(restSide)
			res.Rejections = append(res.Rejections, Rejection{
				TraderID: rest.TraderID, Asset: asset, Side: rest.Side, Quantity: rest.Remaining, Tick: tick, Err: ErrSelfTrade,
			})
			continue
		}

		buyer, seller := in, rest
		if in.Side == Sell {
			buyer, seller = rest, in
		}
		price := rest.Price
		affordable := acct.Affordable(buyer.TraderID, price)
		deliverable := acct.Holding(seller.TraderID, asset)

		if affordable <= 0 || deliverable <= 0 {
			failed := buyer
			if deliverable <= 0 {
				failed = seller
			}
			res.Rejections = append(res.Rejections, Rejection{
				TraderID: failed.TraderID, Asset: asset, Side: failed.Side, Quantity: failed.Remaining, Tick: tick, Err: ErrInsufficientFunds,
			})
			if failed == in {
				in.Remaining = 0
				return
			}
			m.book.popBest(restSide)
			if failed == buyer {
				res.Defaults = append(res.Defaults, Default{
					DebtorID: buyer.TraderID, CreditorID: seller.TraderID, Asset: asset, Tick: tick,
				})
			}
			continue
		}

		qty := min(in.Remaining, rest.Remaining, affordable, deliverable)
		acct.reserve(buyer.TraderID, seller.TraderID, asset, qty, price)
		res.Trades = append(res.Trades, Trade{
			ID:        tradeID(tick, asset, len(res.Trades)),
			Tick:      tick,
			Asset:     asset,
			BuyerID:   buyer.TraderID,
			SellerID:  seller.TraderID,
			BuySeq:    buyer.Seq,
			SellSeq:   seller.Seq,
			Quantity:  qty,
			Price:     price,
			Aggressor: in.Side,
		})
		in.Remaining -= qty
		rest.Remaining -= qty

		// A side that ran out of money or stock has its remainder downgraded away.
		for _, o := range []*Order{buyer, seller} {
			if o.Remaining == 0 {
				continue
			}
			short := (o == buyer && qty == affordable) || (o == seller && qty == deliverable)
			if !short {
				continue
			}
			res.Rejections = append(res.Rejections, Rejection{
				TraderID: o.TraderID, Asset: asset, Side: o.Side, Quantity: o.Remaining, Tick: tick, Err: ErrInsufficientFunds,
			})
			o.Remaining = 0
		}
		if rest.Remaining == 0 {
			m.book.popBest(restSide)
		}
	}
}

// publish derives the new quote. The base price follows the trade VWAP with
// last tick's event premium taken out, plus a pressure drift; the current
// event impact is applied once on top and the move is bounded by the breaker
// unless overridden. A tick without trades carries the quote forward
// unchanged and flags it stale.
func (pe *PricingEngine) publish(tick uint64, m *assetMarket, res *ClearResult, buyVol, sellVol int64, mod Modifiers, lo, hi float64) {
	raw := float64(buyVol-sellVol) / m.cfg.ReferenceVolume
	s := pe.cfg.PressureSmoothing
	m.pressureEMA = s*raw + (1-s)*m.pressureEMA

	var volume int64
	notional := 0.0
	for _, t := range res.Trades {
		volume += t.Quantity
		notional += t.Price * float64(t.Quantity)
	}

	q := m.quote
	q.Tick = tick
	q.Pressure = raw
	q.Volume = volume
	q.Spread = m.book.Spread()

	if volume == 0 {
		q.Stale = true
	} else {
		vwap := notional / float64(volume)
		vol := mod.Volatility
		if vol <= 0 {
			vol = 1
		}
		drift := pe.cfg.DriftCoefficient * vol * numeric.Clamp(m.pressureEMA, -1, 1)
		base := math.Max(MinPrice, vwap/(1+m.premium)*(1+drift))

		target := base * (1 + mod.Impact)
		price := numeric.Round2(numeric.Clamp(target, lo, math.Max(lo, hi)))
		if price < MinPrice {
			price = MinPrice
		}
		res.Clamped = math.Abs(price-numeric.Round2(target)) > 1e-9

		m.base = base
		m.premium = price/base - 1
		q.Price = price
		q.Stale = false
		q.LastTradeTick = tick
	}

	m.quote = q
	m.history = append(m.history, q.Price)
	if pe.window > 0 && len(m.history) > pe.window {
		m.history = append(m.history[:0:0], m.history[len(m.history)-pe.window:]...)
	}
	res.Quote = q
}

// State returns a deep copy of every asset market plus the order sequence.
func (pe *PricingEngine) State() ([]AssetState, uint64) {
	out := make([]AssetState, 0, len(pe.assets))
	for _, id := range pe.assets {
		m := pe.markets[id]
		h := make([]float64, len(m.history))
		copy(h, m.history)
		out = append(out, AssetState{
			ID:          id,
			Base:        m.base,
			Premium:     m.premium,
			PressureEMA: m.pressureEMA,
			Quote:       m.quote,
			History:     h,
			Book:        m.book.clone(),
		})
	}
	return out, pe.seq
}

// Restore replaces market state. Assets not present in states keep their
// current state; unknown assets are an error.
func (pe *PricingEngine) Restore(states []AssetState, seq uint64) error {
	for _, st := range states {
		m, ok := pe.markets[st.ID]
		if !ok {
			return fmt.Errorf("restoring %q: %w", st.ID, ErrUnknownAsset)
		}
		m.base = st.Base
		m.premium = st.Premium
		m.pressureEMA = st.PressureEMA
		m.quote = st.Quote
		m.history = append([]float64(nil), st.History...)
		m.book = st.Book.clone()
	}
	pe.seq = seq
	return nil
}
