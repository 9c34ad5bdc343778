package shared

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// Amount is a token value with 8 decimal places of precision,
// stored as a count of 1e-8 units.
type Amount int64

const (
	// Decimals is the number of decimal places carried by an Amount.
	Decimals = 8

	// UnitsPerToken is the number of Amount units in one whole token.
	UnitsPerToken = 100_000_000

	// MinDeduction is the smallest amount a balance deduction may request.
	MinDeduction = Amount(UnitsPerToken / 1000) // 0.001
)

var (
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrTooManyDecimals = errors.New("amount has more than 8 decimal places")
	ErrAmountOverflow  = errors.New("amount out of range")
)

// FromFloat converts a token value to an Amount.
// The value must be non-negative and must not carry more than
// 8 decimal places of precision.
func FromFloat(v float64) (Amount, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrAmountOverflow
	}
	if v < 0 {
		return 0, ErrNegativeAmount
	}
	scaled := v * UnitsPerToken
	if scaled > math.MaxInt64 {
		return 0, ErrAmountOverflow
	}
	rounded := math.Round(scaled)
	if math.Abs(scaled-rounded) > 1e-6 {
		return 0, ErrTooManyDecimals
	}
	return Amount(rounded), nil
}

// Parse converts a decimal string such as "12.34567891" to an Amount.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegativeAmount
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > Decimals {
		return 0, ErrTooManyDecimals
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	if whole == "" {
		whole = "0"
	}
	var w, f int64
	if _, err := fmt.Sscanf(whole+" "+frac, "%d %d", &w, &f); err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	if w > math.MaxInt64/UnitsPerToken {
		return 0, ErrAmountOverflow
	}
	return Amount(w*UnitsPerToken + f), nil
}

// Float64 returns the token value as a float. Precision may be lost
// above 2^53 units; use String for exact rendering.
func (a Amount) Float64() float64 {
	return float64(a) / UnitsPerToken
}

// String renders the amount with all 8 decimal places, e.g. "5.00000000".
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%08d", sign, v/UnitsPerToken, v%UnitsPerToken)
}

// Fraction returns a×(num/den) rounded half away from zero to 8 decimal
// places. The intermediate product is computed with arbitrary precision,
// so it never overflows.
func (a Amount) Fraction(num, den int64) Amount {
	if den == 0 {
		return 0
	}
	p := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(num))
	d := big.NewInt(den)
	q, r := new(big.Int).QuoRem(p, d, new(big.Int))
	// round half away from zero
	r.Abs(r)
	r.Lsh(r, 1)
	if r.CmpAbs(d) >= 0 {
		if (p.Sign() < 0) != (den < 0) {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return Amount(q.Int64())
}

// SplitEven divides the amount into n parts whose sum is exactly the
// original amount. The remainder of the integer division goes to the
// first part.
func (a Amount) SplitEven(n int) []Amount {
	if n <= 0 {
		return nil
	}
	base := a / Amount(n)
	parts := make([]Amount, n)
	for i := range parts {
		parts[i] = base
	}
	parts[0] += a - base*Amount(n)
	return parts
}
