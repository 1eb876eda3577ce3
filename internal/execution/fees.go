package execution

import (
	"github.com/shopspring/decimal"
)

// FeeSchedule computes the commission for a fill deterministically: a
// basis-point share of notional with a per-fill floor.
type FeeSchedule struct {
	Bps     int64
	Minimum decimal.Decimal
}

// DefaultFeeSchedule is 10 bps with a $0.99 floor.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{Bps: 10, Minimum: decimal.RequireFromString("0.99")}
}

// Fee returns the commission for a fill of the given notional value.
func (f FeeSchedule) Fee(notional decimal.Decimal) decimal.Decimal {
	fee := notional.Mul(decimal.NewFromInt(f.Bps)).Div(decimal.NewFromInt(10000))
	if fee.LessThan(f.Minimum) {
		return f.Minimum
	}
	return fee
}
