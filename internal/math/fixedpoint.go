package math

import (
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// PointsDecimals is the fixed-point precision of finalized points and payout amounts.
const PointsDecimals = 18

// PointsScale is 10^PointsDecimals.
var PointsScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(PointsDecimals), nil)

// Scratch big.Ints for intermediate products
var bigIntPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBigInt() *big.Int {
	return bigIntPool.Get().(*big.Int)
}

func putBigInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	bigIntPool.Put(v)
}

// ToFixedPoint converts a decimal into an integer scaled by 10^18, rounding toward
// negative infinity.
func ToFixedPoint(d decimal.Decimal) *big.Int {
	return d.Shift(PointsDecimals).Floor().BigInt()
}

// FromFixedPoint is the inverse of ToFixedPoint for display purposes.
func FromFixedPoint(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -PointsDecimals)
}

// MulDivFloor returns floor(a * b / denominator). The denominator must be positive.
func MulDivFloor(a, b, denominator *big.Int) *big.Int {
	if denominator.Sign() <= 0 {
		panic("math: MulDivFloor with non-positive denominator")
	}

	numerator := getBigInt()
	numerator.Mul(a, b)

	// Euclidean division: with a positive denominator the quotient is the floor
	remainder := getBigInt()
	quotient := new(big.Int)
	quotient.DivMod(numerator, denominator, remainder)

	putBigInt(numerator)
	putBigInt(remainder)

	return quotient
}

// IsZero treats nil as zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// AddInto adds delta to m[key], allocating the entry on first use.
func AddInto[K comparable](m map[K]*big.Int, key K, delta *big.Int) {
	cur, ok := m[key]
	if !ok {
		cur = new(big.Int)
		m[key] = cur
	}
	cur.Add(cur, delta)
}

// Sum returns the sum of all values in m.
func Sum[K comparable](m map[K]*big.Int) *big.Int {
	total := new(big.Int)
	for _, v := range m {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}
