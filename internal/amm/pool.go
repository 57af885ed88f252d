// Package amm implements the constant-product market maker that prices
// binary markets. Buying a side pays money into the opposite reserve and
// withdraws shares from the bought reserve so that Yes*No stays constant.
package amm

import (
	"math"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// DefaultLiquidity is the virtual reserve used when a stored pool is empty.
const DefaultLiquidity = 10000

// Pool is the pair of reserves backing a market's prices.
type Pool struct {
	Yes float64 `json:"yes"`
	No  float64 `json:"no"`
}

// Fill is the outcome of one trade against a pool. Amount is the money
// moved in cents: paid in on a buy, paid out (floored) on a sell.
type Fill struct {
	Shares float64 `json:"shares"`
	Amount int64   `json:"amount"`
	Before Pool    `json:"before"`
	After  Pool    `json:"after"`
}

// Effective substitutes floor for any reserve that is not positive, so that
// prices and trades are always defined.
func (p Pool) Effective(floor float64) Pool {
	if floor <= 0 {
		floor = DefaultLiquidity
	}
	if p.Yes <= 0 {
		p.Yes = floor
	}
	if p.No <= 0 {
		p.No = floor
	}
	return p
}

// K returns the invariant product.
func (p Pool) K() float64 { return p.Yes * p.No }

// YesPrice is the implied probability of YES.
func (p Pool) YesPrice() float64 {
	total := p.Yes + p.No
	if total <= 0 {
		return 0.5
	}
	return p.No / total
}

// NoPrice is the implied probability of NO.
func (p Pool) NoPrice() float64 {
	total := p.Yes + p.No
	if total <= 0 {
		return 0.5
	}
	return p.Yes / total
}

// Price returns the implied probability of side.
func (p Pool) Price(side domain.Side) float64 {
	if side == domain.SideYes {
		return p.YesPrice()
	}
	return p.NoPrice()
}

// reserves returns (bought side, opposite side).
func (p Pool) reserves(side domain.Side) (float64, float64) {
	if side == domain.SideYes {
		return p.Yes, p.No
	}
	return p.No, p.Yes
}

func withReserves(side domain.Side, same, opposite float64) Pool {
	if side == domain.SideYes {
		return Pool{Yes: same, No: opposite}
	}
	return Pool{Yes: opposite, No: same}
}

// Buy spends amount cents on side. The pool must already be effective.
func Buy(p Pool, side domain.Side, amount int64) (Fill, error) {
	if side != domain.SideYes && side != domain.SideNo {
		return Fill{}, domain.ErrInvalidSide
	}
	if amount <= 0 {
		return Fill{}, domain.ErrInvalidAmount
	}
	if p.Yes <= 0 || p.No <= 0 {
		return Fill{}, domain.Invalid("pool reserves must be positive")
	}
	k := p.K()
	same, opposite := p.reserves(side)
	newOpposite := opposite + float64(amount)
	newSame := k / newOpposite
	return Fill{
		Shares: same - newSame,
		Amount: amount,
		Before: p,
		After:  withReserves(side, newSame, newOpposite),
	}, nil
}

// Sell returns shares of side to the pool. The payout is floored to whole
// cents so that rounding never mints value.
func Sell(p Pool, side domain.Side, shares float64) (Fill, error) {
	if side != domain.SideYes && side != domain.SideNo {
		return Fill{}, domain.ErrInvalidSide
	}
	if !(shares > 0) || math.IsInf(shares, 0) {
		return Fill{}, domain.ErrInvalidAmount
	}
	if p.Yes <= 0 || p.No <= 0 {
		return Fill{}, domain.Invalid("pool reserves must be positive")
	}
	k := p.K()
	same, opposite := p.reserves(side)
	newSame := same + shares
	newOpposite := k / newSame
	return Fill{
		Shares: shares,
		Amount: int64(math.Floor(opposite - newOpposite)),
		Before: p,
		After:  withReserves(side, newSame, newOpposite),
	}, nil
}

// CostToBuy returns the money needed to withdraw exactly shares of side.
// It is +Inf when the pool cannot supply that many shares.
func CostToBuy(p Pool, side domain.Side, shares float64) float64 {
	if shares <= 0 {
		return 0
	}
	same, opposite := p.reserves(side)
	if shares >= same {
		return math.Inf(1)
	}
	return p.K()/(same-shares) - opposite
}
