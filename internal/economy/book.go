package economy

import (
	"sort"
)

// Order is an entry in the book. Seq is a session-wide submission counter;
// orders at the same price are served in Seq order.
type Order struct {
	Seq       uint64  `json:"seq"`
	TraderID  string  `json:"trader_id"`
	Side      Side    `json:"side"`
	Price     float64 `json:"price"`
	Market    bool    `json:"market"`
	Remaining int64   `json:"remaining"`
	Placed    uint64  `json:"placed"`
	Expires   uint64  `json:"expires"`
}

// Book holds resting limit orders for one asset. Bids are sorted by price
// descending, asks ascending, each then by Seq ascending.
type Book struct {
	Bids []*Order `json:"bids"`
	Asks []*Order `json:"asks"`
}

func (b *Book) side(s Side) *[]*Order {
	if s == Buy {
		return &b.Bids
	}
	return &b.Asks
}

// ahead reports whether x has priority over y on side s.
func ahead(s Side, x, y *Order) bool {
	if x.Price != y.Price {
		if s == Buy {
			return x.Price > y.Price
		}
		return x.Price < y.Price
	}
	return x.Seq < y.Seq
}

func (b *Book) insert(o *Order) {
	orders := b.side(o.Side)
	i := sort.Search(len(*orders), func(i int) bool { return ahead(o.Side, o, (*orders)[i]) })
	*orders = append(*orders, nil)
	copy((*orders)[i+1:], (*orders)[i:])
	(*orders)[i] = o
}

func (b *Book) best(s Side) *Order {
	orders := *b.side(s)
	if len(orders) == 0 {
		return nil
	}
	return orders[0]
}

func (b *Book) popBest(s Side) {
	orders := b.side(s)
	(*orders)[0] = nil
	*orders = (*orders)[1:]
}

func (b *Book) resort() {
	sort.SliceStable(b.Bids, func(i, j int) bool { return ahead(Buy, b.Bids[i], b.Bids[j]) })
	sort.SliceStable(b.Asks, func(i, j int) bool { return ahead(Sell, b.Asks[i], b.Asks[j]) })
}

// removeIf drops orders matching pred and returns them.
func (b *Book) removeIf(pred func(*Order) bool) []*Order {
	var removed []*Order
	for _, orders := range []*[]*Order{&b.Bids, &b.Asks} {
		kept := (*orders)[:0]
		for _, o := range *orders {
			if pred(o) {
				removed = append(removed, o)
			} else {
				kept = append(kept, o)
			}
		}
		for i := len(kept); i < len(*orders); i++ {
			(*orders)[i] = nil
		}
		*orders = kept
	}
	return removed
}

// CancelTrader removes every resting order of a trader.
func (b *Book) CancelTrader(traderID string) int {
	return len(b.removeIf(func(o *Order) bool { return o.TraderID == traderID }))
}

// Depth returns the resting quantity on each side.
func (b *Book) Depth() (bids, asks int64) {
	for _, o := range b.Bids {
		bids += o.Remaining
	}
	for _, o := range b.Asks {
		asks += o.Remaining
	}
	return bids, asks
}

// Spread is best ask minus best bid, or zero when either side is empty.
func (b *Book) Spread() float64 {
	bid, ask := b.best(Buy), b.best(Sell)
	if bid == nil || ask == nil {
		return 0
	}
	return ask.Price - bid.Price
}

func (b *Book) clone() Book {
	cp := Book{
		Bids: make([]*Order, len(b.Bids)),
		Asks: make([]*Order, len(b.Asks)),
	}
	for i, o := range b.Bids {
		c := *o
		cp.Bids[i] = &c
	}
	for i, o := range b.Asks {
		c := *o
		cp.Asks[i] = &c
	}
	return cp
}

func crosses(in, rest *Order) bool {
	if in.Side == Buy {
		return in.Price >= rest.Price
	}
	return in.Price <= rest.Price
}
