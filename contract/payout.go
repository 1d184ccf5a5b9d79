package contract

import (
	"errors"

	"github.com/shopspring/decimal"
)

// DustLimit is the smallest output value the builder will create.
const DustLimit int64 = 330

var ErrDustOutput = errors.New("output below dust limit")

var hundred = decimal.NewFromInt(100)

// Payouts splits total between winners by descending place weight after
// taking the coordinator fee. Place k of n winners weighs n-k; rounding
// leftovers go to first place.
func Payouts(total int64, feePercent decimal.Decimal, winners int) ([]int64, int64) {
	if winners <= 0 || total <= 0 {
		return nil, 0
	}
	amount := decimal.NewFromInt(total)
	fee := amount.Mul(feePercent).Div(hundred).Floor()
	pool := amount.Sub(fee)

	weightSum := decimal.NewFromInt(int64(winners * (winners + 1) / 2))
	shares := make([]int64, winners)
	var paid int64
	for k := 0; k < winners; k++ {
		weight := decimal.NewFromInt(int64(winners - k))
		shares[k] = pool.Mul(weight).Div(weightSum).Floor().IntPart()
		paid += shares[k]
	}
	shares[0] += pool.IntPart() - paid
	return shares, fee.IntPart()
}

// EqualSplit divides total into n equal refunds; the first output absorbs
// the remainder.
func EqualSplit(total int64, n int) []int64 {
	if n <= 0 || total <= 0 {
		return nil
	}
	per := decimal.NewFromInt(total).Div(decimal.NewFromInt(int64(n))).Floor().IntPart()
	shares := make([]int64, n)
	for i := range shares {
		shares[i] = per
	}
	shares[0] += total - per*int64(n)
	return shares
}

// EstimateVSize approximates the virtual size of a transaction spending
// taproot key-path inputs into taproot outputs.
func EstimateVSize(inputs, outputs int) int64 {
	return 11 + 58*int64(inputs) + 43*int64(outputs)
}

// Fee returns the fee in sats for the given rate in sat/vB.
func Fee(feeRate int64, inputs, outputs int) int64 {
	return feeRate * EstimateVSize(inputs, outputs)
}
