package safe

import (
	"math"
	"testing"
)

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic, got none", name)
		}
	}()
	fn()
}

func TestAdd(t *testing.T) {
	tests := []struct {
		a, b, want int64
	}{
		{1, 2, 3},
		{-5, 5, 0},
		{math.MaxInt64, 0, math.MaxInt64},
		{math.MinInt64, 0, math.MinInt64},
	}
	for _, tt := range tests {
		if got := Add(tt.a, tt.b); got != tt.want {
			t.Errorf("Add(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}

	expectPanic(t, "add overflow", func() { Add(math.MaxInt64, 1) })
	expectPanic(t, "add underflow", func() { Add(math.MinInt64, -1) })
}

func TestSub(t *testing.T) {
	tests := []struct {
		a, b, want int64
	}{
		{3, 2, 1},
		{68, 71, -3},
		{0, math.MaxInt64, -math.MaxInt64},
	}
	for _, tt := range tests {
		if got := Sub(tt.a, tt.b); got != tt.want {
			t.Errorf("Sub(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}

	expectPanic(t, "sub underflow", func() { Sub(math.MinInt64, 1) })
	expectPanic(t, "sub overflow", func() { Sub(math.MaxInt64, -1) })
}

func TestMul(t *testing.T) {
	tests := []struct {
		a, b, want int64
	}{
		{3, 100, 300},
		{-3, 100, -300},
		{0, math.MaxInt64, 0},
		{math.MaxInt64, 1, math.MaxInt64},
	}
	for _, tt := range tests {
		if got := Mul(tt.a, tt.b); got != tt.want {
			t.Errorf("Mul(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}

	expectPanic(t, "mul overflow", func() { Mul(math.MaxInt64, 2) })
	expectPanic(t, "mul min overflow", func() { Mul(math.MinInt64, -1) })
}

func TestDiv(t *testing.T) {
	if got := Div(300, 100); got != 3 {
		t.Errorf("Div(300, 100) = %d, want 3", got)
	}
	if got := Div(-7, 2); got != -3 {
		t.Errorf("Div(-7, 2) = %d, want -3", got)
	}

	expectPanic(t, "div by zero", func() { Div(1, 0) })
	expectPanic(t, "div overflow", func() { Div(math.MinInt64, -1) })
}
