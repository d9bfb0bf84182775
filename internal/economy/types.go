// Package economy provides order intents, the per-asset order book, price
// formation and the account availability checks used at match time.
package economy

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel errors for order handling.
var (
	ErrValidation        = errors.New("invalid order")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrStaleQuote        = errors.New("stale price quote")
	ErrUnknownAsset      = errors.New("unknown asset")
	ErrSelfTrade         = errors.New("self-trade prevented")
	ErrExpired           = errors.New("order expired")
)

// Side is the direction of an order.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderIntent is an order emitted by a trader for one tick. Market orders
// ignore Price and never rest in the book.
type OrderIntent struct {
	TraderID string  `json:"trader_id"`
	Asset    string  `json:"asset"`
	Side     Side    `json:"side"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price,omitempty"`
	Market   bool    `json:"market"`
	Tick     uint64  `json:"tick"`
}

// Validate rejects non-positive quantities and prices.
func (o OrderIntent) Validate() error {
	if o.TraderID == "" {
		return fmt.Errorf("%w: missing trader id", ErrValidation)
	}
	if o.Asset == "" {
		return fmt.Errorf("%w: missing asset", ErrValidation)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %d must be positive", ErrValidation, o.Quantity)
	}
	if !o.Market && (o.Price <= 0 || math.IsNaN(o.Price) || math.IsInf(o.Price, 0)) {
		return fmt.Errorf("%w: price %v must be positive", ErrValidation, o.Price)
	}
	return nil
}

// Trade is a matched execution. Trades are appended to an immutable history.
type Trade struct {
	ID        string  `json:"id" db:"id"`
	Tick      uint64  `json:"tick" db:"tick"`
	Asset     string  `json:"asset" db:"asset"`
	BuyerID   string  `json:"buyer_id" db:"buyer_id"`
	SellerID  string  `json:"seller_id" db:"seller_id"`
	BuySeq    uint64  `json:"buy_seq" db:"buy_seq"`
	SellSeq   uint64  `json:"sell_seq" db:"sell_seq"`
	Quantity  int64   `json:"quantity" db:"quantity"`
	Price     float64 `json:"price" db:"price"`
	Aggressor Side    `json:"aggressor" db:"aggressor"`
}

// Notional is price times quantity in exact decimal arithmetic.
func (t Trade) Notional() decimal.Decimal {
	return decimal.NewFromFloat(t.Price).Mul(decimal.NewFromInt(t.Quantity))
}

// PriceQuote is the published per-asset price, updated once per tick.
type PriceQuote struct {
	Asset         string  `json:"asset"`
	Price         float64 `json:"price"`
	Spread        float64 `json:"spread"`
	Pressure      float64 `json:"pressure"`
	Stale         bool    `json:"stale"`
	Tick          uint64  `json:"tick"`
	LastTradeTick uint64  `json:"last_trade_tick"`
	Volume        int64   `json:"volume"`
}

// Age returns how many ticks have passed since the quote last traded.
func (q PriceQuote) Age(tick uint64) uint64 {
	if tick < q.LastTradeTick {
		return 0
	}
	return tick - q.LastTradeTick
}

// CheckFresh returns ErrStaleQuote when the quote has not traded for more
// than maxAge ticks. Callers treat this as a warning.
func (q PriceQuote) CheckFresh(tick uint64, maxAge int) error {
	if age := q.Age(tick); age > uint64(maxAge) {
		return fmt.Errorf("%w: %s last traded %d ticks ago", ErrStaleQuote, q.Asset, age)
	}
	return nil
}

// Rejection reports an order (or its remainder) that did not execute.
type Rejection struct {
	TraderID string `json:"trader_id"`
	Asset    string `json:"asset"`
	Side     Side   `json:"side"`
	Quantity int64  `json:"quantity"`
	Tick     uint64 `json:"tick"`
	Err      error  `json:"-"`
}

// Default is a resting buy that could not pay when it was matched.
type Default struct {
	DebtorID   string `json:"debtor_id"`
	CreditorID string `json:"creditor_id"`
	Asset      string `json:"asset"`
	Tick       uint64 `json:"tick"`
}

var tradeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("marketsim/trade"))

// tradeID derives a stable identifier from the trade's position in the run.
func tradeID(tick uint64, asset string, n int) string {
	return uuid.NewSHA1(tradeNamespace, []byte(fmt.Sprintf("%d/%s/%d", tick, asset, n))).String()
}
