package loan

import "math/big"

var basisPoints = big.NewInt(10_000)

// Duration and rate bounds enforced on every set of signed terms.
const (
	MinDurationSecs uint64 = 3_600
	MaxDurationSecs uint64 = 94_608_000 // three years
)

// Interest rate bounds in the protocol's basis-point scale: 0.01% through
// 1,000,000% over the full term.
var (
	MinInterestRate = big.NewInt(1)
	MaxInterestRate = big.NewInt(100_000_000)
)

// FullInterest returns the interest owed on the balance over the complete
// loan term at the given basis-point rate, rounding down.
func FullInterest(balance, rateBps *big.Int) *big.Int {
	if balance == nil || rateBps == nil || balance.Sign() <= 0 || rateBps.Sign() <= 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(balance, rateBps)
	return interest.Quo(interest, basisPoints)
}

// ProratedInterest computes the interest accrued on the balance between
// lastAccrual and now, scaled linearly against the full term. Accrual is zero
// when now does not exceed lastAccrual, monotonically non-decreasing in now,
// and never exceeds the full-term interest: once the term has elapsed the
// accrual window is clamped to the due date unless accrueAfterExpiry is set.
func ProratedInterest(balance, rateBps *big.Int, durationSecs uint64, startDate, lastAccrual, now int64, accrueAfterExpiry bool) *big.Int {
	if durationSecs == 0 {
		return big.NewInt(0)
	}
	end := now
	if !accrueAfterExpiry {
		due := startDate + int64(durationSecs)
		if end > due {
			end = due
		}
	}
	if end <= lastAccrual {
		return big.NewInt(0)
	}
	elapsed := new(big.Int).SetInt64(end - lastAccrual)
	interest := FullInterest(balance, rateBps)
	interest.Mul(interest, elapsed)
	return interest.Quo(interest, new(big.Int).SetUint64(durationSecs))
}

// FeeAmount computes amount*bps/10_000 with floor division. The rounding
// direction is a protocol invariant: every fee rounds down, and where a
// settlement leg's sub-unit remainder lands is decided by the calling flow,
// not here.
func FeeAmount(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return fee.Quo(fee, basisPoints)
}
