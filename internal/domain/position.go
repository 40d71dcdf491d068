package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/seanbearden/kalshi-analysis-sub000/pkg/safe"
)

// Side is which half of a binary market the position holds.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// CentsPerDollar converts integer cent prices to dollars.
// All prices in this system are integer cents (0-100 for a binary
// contract); monetary amounts stay in cents until the presentation edge.
const CentsPerDollar = 100

// Position represents one open position in a single market.
// Monetary values are strictly int64 cents.
type Position struct {
	Ticker        string    `json:"ticker"`
	Side          Side      `json:"side"`
	Quantity      int64     `json:"quantity"`
	AvgEntryCents int64     `json:"avg_entry_price"`
	CurrentCents  int64     `json:"current_price"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UnrealizedPnLCents computes the side-adjusted unrealized P&L in cents.
// YES: (current - entry) * quantity. NO: (entry - current) * quantity.
func (p Position) UnrealizedPnLCents() int64 {
	diff := safe.Sub(p.CurrentCents, p.AvgEntryCents)
	if p.Side == SideNo {
		diff = -diff
	}
	return safe.Mul(diff, p.Quantity)
}

// UnrealizedPnL returns the unrealized P&L in dollars.
func (p Position) UnrealizedPnL() decimal.Decimal {
	return decimal.New(p.UnrealizedPnLCents(), -2)
}

// UnrealizedPnLPct returns the unrealized P&L as a percentage of the
// cost of entry, quantized to four decimal places. Zero cost yields zero.
func (p Position) UnrealizedPnLPct() decimal.Decimal {
	basis := safe.Mul(p.AvgEntryCents, p.Quantity)
	if basis == 0 {
		return decimal.Zero.Round(4)
	}
	pnl := decimal.NewFromInt(p.UnrealizedPnLCents())
	return pnl.Div(decimal.NewFromInt(basis)).Mul(decimal.NewFromInt(100)).Round(4)
}

// ValueCents is the current liquidation value of the position in cents.
// A NO contract is worth the complement of the YES price.
func (p Position) ValueCents() int64 {
	price := p.CurrentCents
	if p.Side == SideNo {
		price = CentsPerDollar - price
	}
	return safe.Mul(price, p.Quantity)
}

// CostBasisCents is the total amount paid for the position in cents.
func (p Position) CostBasisCents() int64 {
	price := p.AvgEntryCents
	if p.Side == SideNo {
		price = CentsPerDollar - price
	}
	return safe.Mul(price, p.Quantity)
}

// Closed reports whether the position should be dropped from tracking.
// A zero-quantity position is removed, never retained.
func (p Position) Closed() bool {
	return p.Quantity == 0
}
