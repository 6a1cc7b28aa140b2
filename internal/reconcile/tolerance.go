package reconcile

import (
	"math/big"
	"strconv"
)

// toleranceRat converts a percentage to an exact fraction, so 1.0 becomes
// 1/100 with no binary rounding.
func toleranceRat(pct float64) *big.Rat {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(pct, 'f', -1, 64))
	if !ok || r.Sign() < 0 {
		return new(big.Rat)
	}
	return r.Quo(r, big.NewRat(100, 1))
}

// deviation returns | |observed| - expected | / expected. expected must be
// positive.
func deviation(observed, expected *big.Int) *big.Rat {
	diff := new(big.Int).Abs(observed)
	diff.Sub(diff, expected)
	diff.Abs(diff)
	return new(big.Rat).SetFrac(diff, expected)
}

func ratPct(r *big.Rat) float64 {
	f, _ := new(big.Rat).Mul(r, big.NewRat(100, 1)).Float64()
	return f
}
