// Package safe provides overflow-checked int64 arithmetic for monetary
// math. All position and P&L values are int64 cents; silent wraparound
// would corrupt the ledger, so these helpers panic instead.
package safe

import "math"

// Add performs int64 addition and panics on overflow/underflow.
func Add(a, b int64) int64 {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		panic("safe: int64 add overflow")
	}
	return a + b
}

// Sub performs int64 subtraction and panics on overflow/underflow.
func Sub(a, b int64) int64 {
	if (b > 0 && a < math.MinInt64+b) || (b < 0 && a > math.MaxInt64+b) {
		panic("safe: int64 sub overflow")
	}
	return a - b
}

// Mul performs int64 multiplication and panics on overflow/underflow.
func Mul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a == math.MinInt64 || b == math.MinInt64 {
		panic("safe: int64 mul overflow")
	}
	if absInt64(a) > math.MaxInt64/absInt64(b) {
		panic("safe: int64 mul overflow")
	}
	return a * b
}

// Div performs int64 division and panics on division by zero or the
// single overflowing case MinInt64 / -1.
func Div(a, b int64) int64 {
	if b == 0 {
		panic("safe: int64 div by zero")
	}
	if a == math.MinInt64 && b == -1 {
		panic("safe: int64 div overflow")
	}
	return a / b
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
