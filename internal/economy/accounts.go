package economy

import (
	"github.com/shopspring/decimal"
)

// Availability tracks what each trader can still spend or deliver during
// the matching phase of one tick. Proceeds received this tick are not
// credited until settlement, so a fill can never overdraw an account.
type Availability struct {
	cash map[string]decimal.Decimal
	inv  map[string]map[string]int64
}

// NewAvailability returns an empty ledger.
func NewAvailability() *Availability {
	return &Availability{
		cash: make(map[string]decimal.Decimal),
		inv:  make(map[string]map[string]int64),
	}
}

// Fund registers a trader's capital and inventory at the start of matching.
func (a *Availability) Fund(traderID string, capital decimal.Decimal, inventory map[string]int64) {
	a.cash[traderID] = capital
	holdings := make(map[string]int64, len(inventory))
	for asset, qty := range inventory {
		holdings[asset] = qty
	}
	a.inv[traderID] = holdings
}

// Cash returns the trader's unspent capital.
func (a *Availability) Cash(traderID string) decimal.Decimal {
	return a.cash[traderID]
}

// Holding returns the trader's undelivered quantity of asset.
func (a *Availability) Holding(traderID, asset string) int64 {
	return a.inv[traderID][asset]
}

// Affordable returns how many units the trader can pay for at price.
func (a *Availability) Affordable(traderID string, price float64) int64 {
	p := decimal.NewFromFloat(price)
	if !p.IsPositive() {
		return 0
	}
	return a.cash[traderID].Div(p).Floor().IntPart()
}

// reserve commits a fill against both accounts.
func (a *Availability) reserve(buyerID, sellerID, asset string, qty int64, price float64) {
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty))
	a.cash[buyerID] = a.cash[buyerID].Sub(notional)
	if h, ok := a.inv[sellerID]; ok {
		h[asset] -= qty
	}
}
