package settlement

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// Payout is what one winner receives.
type Payout struct {
	UserID string  `json:"user_id"`
	Shares float64 `json:"shares"`
	Amount int64   `json:"payout"`
}

// ComputePayouts pays each winning share one cent, floored per user. When the
// floored total exceeds collateral the payouts are scaled down pro rata and
// floored again, so the sum never exceeds what backs the market. Losers and
// holders of less than one winning share are omitted.
func ComputePayouts(positions []domain.Position, outcome domain.Side, collateral int64) []Payout {
	var (
		out   []Payout
		total int64
	)
	for _, p := range positions {
		shares := p.Shares(outcome)
		amount := decimal.NewFromFloat(shares).Floor().IntPart()
		if amount <= 0 {
			continue
		}
		out = append(out, Payout{UserID: p.UserID, Shares: shares, Amount: amount})
		total += amount
	}

	if total > collateral {
		backing := decimal.NewFromInt(max(collateral, 0))
		whole := decimal.NewFromInt(total)
		kept := out[:0]
		for _, po := range out {
			po.Amount = decimal.NewFromInt(po.Amount).Mul(backing).Div(whole).Floor().IntPart()
			if po.Amount > 0 {
				kept = append(kept, po)
			}
		}
		out = kept
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Total sums payout amounts.
func Total(payouts []Payout) int64 {
	var sum int64
	for _, p := range payouts {
		sum += p.Amount
	}
	return sum
}
