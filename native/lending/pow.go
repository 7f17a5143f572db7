package lending

import "math/bits"

const (
	q16One uint64 = 1 << 16
	q32One uint64 = 1 << 32
	// ln(2) in Q32.
	ln2Q32 uint64 = 2_977_044_472
)

// powQ16 raises x to gamma where both are Q16 fixed-point values and x lies in
// [0, 1]. The result is Q16 and never exceeds q16One.
func powQ16(x, gamma uint64) uint64 {
	if gamma == 0 {
		return q16One
	}
	if x == 0 {
		return 0
	}
	if x >= q16One {
		return q16One
	}
	// log2(x/2^16) is negative for x < 1; work with its magnitude.
	mag := 16*q32One - log2Q32(x)
	hi, lo := bits.Mul64(mag, gamma)
	if hi>>16 != 0 {
		return 0
	}
	scaled := hi<<48 | lo>>16
	if scaled >= 16*q32One {
		return 0
	}
	return exp2Q32(16*q32One-scaled) >> 32
}

// log2Q32 returns log2(x) in Q32 for x > 0.
func log2Q32(x uint64) uint64 {
	n := uint64(bits.Len64(x) - 1)
	var m uint64
	if n <= 32 {
		m = x << (32 - n)
	} else {
		m = x >> (n - 32)
	}
	result := n << 32
	for i := 31; i >= 0; i-- {
		hi, lo := bits.Mul64(m, m)
		m = hi<<32 | lo>>32
		if m >= 2*q32One {
			m >>= 1
			result |= 1 << uint(i)
		}
	}
	return result
}

// exp2Q32 returns 2^(e/2^32) scaled by 2^32. The integer part of e must stay
// below 31 so the result fits.
func exp2Q32(e uint64) uint64 {
	whole := e >> 32
	frac := e & (q32One - 1)
	y := frac * ln2Q32 >> 32
	sum := q32One
	term := q32One
	for k := uint64(1); k <= 20 && term != 0; k++ {
		term = term * y >> 32 / k
		sum += term
	}
	return sum << whole
}
