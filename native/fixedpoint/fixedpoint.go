package fixedpoint

import (
	"errors"
	"math"

	"github.com/holiman/uint256"
)

// BasisPoints is the denominator shared by every bps-denominated ratio.
const BasisPoints uint64 = 10_000

var (
	ErrDivideByZero = errors.New("fixedpoint: divide by zero")
	ErrOverflow     = errors.New("fixedpoint: overflow")
)

// MulDiv returns floor(a*b/denom). The product is formed in a 256-bit
// intermediate so a*b never wraps; only a quotient wider than 64 bits is an
// error.
func MulDiv(a, b, denom uint64) (uint64, error) {
	if denom == 0 {
		return 0, ErrDivideByZero
	}
	x := uint256.NewInt(a)
	y := uint256.NewInt(b)
	d := uint256.NewInt(denom)
	quo, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow || !quo.IsUint64() {
		return 0, ErrOverflow
	}
	return quo.Uint64(), nil
}

// MulDivBps scales a by bps/10000.
func MulDivBps(a, bps uint64) (uint64, error) {
	return MulDiv(a, bps, BasisPoints)
}

// AddChecked returns a+b or ErrOverflow.
func AddChecked(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// SubChecked returns a-b or ErrOverflow when b > a.
func SubChecked(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// Narrow converts a 256-bit value to uint64, failing when it does not fit.
func Narrow(v *uint256.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if !v.IsUint64() {
		return 0, ErrOverflow
	}
	return v.Uint64(), nil
}

// MulDivUp returns ceil(a*b/denom). Used where rounding must favor the pool
// on amounts owed to it.
func MulDivUp(a, b, denom uint64) (uint64, error) {
	if denom == 0 {
		return 0, ErrDivideByZero
	}
	x := uint256.NewInt(a)
	y := uint256.NewInt(b)
	d := uint256.NewInt(denom)
	product, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return 0, ErrOverflow
	}
	quo, rem := new(uint256.Int), new(uint256.Int)
	quo.DivMod(product, d, rem)
	if !rem.IsZero() {
		quo.AddUint64(quo, 1)
	}
	if !quo.IsUint64() {
		return 0, ErrOverflow
	}
	return quo.Uint64(), nil
}
