// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fixed implements the deterministic decimal arithmetic used by every
// economic computation in the chain.
//
// A Dec is a signed fixed-point number with 18 fractional digits backed by a
// 256-bit magnitude. Addition and subtraction are exact. Multiplication and
// division perform exactly one integer division by a scale factor or divisor
// and round that division half-to-even:
//
//	q, r = n divmod d
//	round q up iff r > d-r, or r == d-r and q is odd
//
// Rounding is applied to the magnitude, which makes it symmetric around zero.
// Any intermediate or final magnitude that does not fit in 256 bits fails with
// ErrOverflow; results are never saturated.
package fixed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits carried by a Dec.
const Decimals = 18

var (
	ErrOverflow       = errors.New("arithmetic overflow")
	ErrDivisionByZero = errors.New("division by zero")
	ErrNegative       = errors.New("negative value")
	ErrPrecision      = errors.New("too many fractional digits")
	ErrSyntax         = errors.New("invalid decimal syntax")

	scale = uint256.NewInt(1_000_000_000_000_000_000)

	Zero = Dec{}
	One  = Dec{Abs: *scale}
)

// Dec is a signed decimal with 18 fractional digits.
//
// The zero value is 0. Fields are exported so the value serializes through the
// chain codec; callers must treat them as read-only.
type Dec struct {
	Neg bool        `serialize:"true"`
	Abs uint256.Int `serialize:"true"`
}

func newDec(neg bool, abs *uint256.Int) Dec {
	if abs.IsZero() {
		return Dec{}
	}
	return Dec{Neg: neg, Abs: *abs}
}

// FromUint64 returns the integer v as a Dec.
func FromUint64(v uint64) Dec {
	abs := new(uint256.Int).Mul(uint256.NewInt(v), scale)
	return newDec(false, abs)
}

// FromInt64 returns the integer v as a Dec.
func FromInt64(v int64) Dec {
	if v >= 0 {
		return FromUint64(uint64(v))
	}
	// -(v+1)+1 avoids overflowing on math.MinInt64.
	abs := uint64(-(v + 1)) + 1
	d := FromUint64(abs)
	d.Neg = true
	return d
}

// FromFraction returns num/den rounded half-to-even.
func FromFraction(num, den uint64) (Dec, error) {
	if den == 0 {
		return Zero, ErrDivisionByZero
	}
	n := new(uint256.Int).Mul(uint256.NewInt(num), scale)
	return newDec(false, divRound(n, uint256.NewInt(den))), nil
}

// FromBps returns bps/10000.
func FromBps(bps uint64) Dec {
	d, _ := FromFraction(bps, 10_000)
	return d
}

// Parse reads a decimal string such as "12", "-0.5" or "1000.000000000000000001".
func Parse(s string) (Dec, error) {
	str := strings.TrimSpace(s)
	neg := false
	switch {
	case strings.HasPrefix(str, "-"):
		neg = true
		str = str[1:]
	case strings.HasPrefix(str, "+"):
		str = str[1:]
	}
	if str == "" {
		return Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
	}

	intPart, fracPart, hasPoint := strings.Cut(str, ".")
	if intPart == "" || (hasPoint && fracPart == "") {
		return Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if len(fracPart) > Decimals {
		return Zero, fmt.Errorf("%w: %q", ErrPrecision, s)
	}
	for _, c := range intPart + fracPart {
		if c < '0' || c > '9' {
			return Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
	}

	digits := strings.TrimLeft(intPart+fracPart+strings.Repeat("0", Decimals-len(fracPart)), "0")
	if digits == "" {
		return Zero, nil
	}
	abs, err := uint256.FromDecimal(digits)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return newDec(neg, abs), nil
}

// MustParse is Parse for constants. It panics on malformed input.
func MustParse(s string) Dec {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String formats d without trailing fractional zeros.
func (d Dec) String() string {
	digits := d.Abs.Dec()
	if len(digits) <= Decimals {
		digits = strings.Repeat("0", Decimals-len(digits)+1) + digits
	}
	cut := len(digits) - Decimals
	intPart, fracPart := digits[:cut], strings.TrimRight(digits[cut:], "0")

	var b strings.Builder
	if d.Neg {
		b.WriteByte('-')
	}
	b.WriteString(intPart)
	if fracPart != "" {
		b.WriteByte('.')
		b.WriteString(fracPart)
	}
	return b.String()
}

// Float64 is the nearest float64 to d. It is lossy and must stay out of any
// consensus computation.
func (d Dec) Float64() float64 {
	f, _ := strconv.ParseFloat(d.String(), 64)
	return f
}

func (d Dec) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Dec) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Dec) IsZero() bool {
	return d.Abs.IsZero()
}

// Sign returns -1, 0 or 1.
func (d Dec) Sign() int {
	switch {
	case d.Abs.IsZero():
		return 0
	case d.Neg:
		return -1
	default:
		return 1
	}
}

// Cmp returns -1, 0 or 1 as d is less than, equal to or greater than o.
func (d Dec) Cmp(o Dec) int {
	ds, xs := d.Sign(), o.Sign()
	if ds != xs {
		if ds < xs {
			return -1
		}
		return 1
	}
	c := d.Abs.Cmp(&o.Abs)
	if ds < 0 {
		return -c
	}
	return c
}

func (d Dec) Equal(o Dec) bool {
	return d.Cmp(o) == 0
}

// Negate returns -d.
func (d Dec) Negate() Dec {
	return newDec(!d.Neg, &d.Abs)
}

func (d Dec) AbsValue() Dec {
	return newDec(false, &d.Abs)
}

// Add returns d+o.
func (d Dec) Add(o Dec) (Dec, error) {
	if d.Sign() >= 0 == (o.Sign() >= 0) {
		sum, overflow := new(uint256.Int).AddOverflow(&d.Abs, &o.Abs)
		if overflow {
			return Zero, ErrOverflow
		}
		return newDec(d.Sign() < 0 || o.Sign() < 0, sum), nil
	}
	if d.Abs.Cmp(&o.Abs) >= 0 {
		return newDec(d.Neg, new(uint256.Int).Sub(&d.Abs, &o.Abs)), nil
	}
	return newDec(o.Neg, new(uint256.Int).Sub(&o.Abs, &d.Abs)), nil
}

// Sub returns d-o.
func (d Dec) Sub(o Dec) (Dec, error) {
	return d.Add(o.Negate())
}

// Mul returns d*o rounded half-to-even to 18 fractional digits.
func (d Dec) Mul(o Dec) (Dec, error) {
	product, overflow := new(uint256.Int).MulOverflow(&d.Abs, &o.Abs)
	if overflow {
		return Zero, ErrOverflow
	}
	return newDec(d.Neg != o.Neg, divRound(product, scale)), nil
}

// Div returns d/o rounded half-to-even to 18 fractional digits.
func (d Dec) Div(o Dec) (Dec, error) {
	if o.IsZero() {
		return Zero, ErrDivisionByZero
	}
	n, overflow := new(uint256.Int).MulOverflow(&d.Abs, scale)
	if overflow {
		return Zero, ErrOverflow
	}
	return newDec(d.Neg != o.Neg, divRound(n, &o.Abs)), nil
}

// MulUint64 returns d*v exactly.
func (d Dec) MulUint64(v uint64) (Dec, error) {
	product, overflow := new(uint256.Int).MulOverflow(&d.Abs, uint256.NewInt(v))
	if overflow {
		return Zero, ErrOverflow
	}
	return newDec(d.Neg, product), nil
}

// DivUint64 returns d/v rounded half-to-even.
func (d Dec) DivUint64(v uint64) (Dec, error) {
	if v == 0 {
		return Zero, ErrDivisionByZero
	}
	return newDec(d.Neg, divRound(&d.Abs, uint256.NewInt(v))), nil
}

func Min(a, b Dec) Dec {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func Max(a, b Dec) Dec {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Clamp bounds d to [lo, hi] and reports whether it had to.
func Clamp(d, lo, hi Dec) (Dec, bool) {
	switch {
	case d.Cmp(lo) < 0:
		return lo, true
	case d.Cmp(hi) > 0:
		return hi, true
	default:
		return d, false
	}
}

// Sum adds values left to right.
func Sum(values ...Dec) (Dec, error) {
	total := Zero
	for _, v := range values {
		var err error
		total, err = total.Add(v)
		if err != nil {
			return Zero, err
		}
	}
	return total, nil
}

// divRound divides n by d, rounding half-to-even. d must be non-zero.
func divRound(n, d *uint256.Int) *uint256.Int {
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(n, d, r)
	rest := new(uint256.Int).Sub(d, r)
	switch r.Cmp(rest) {
	case 1:
		q.AddUint64(q, 1)
	case 0:
		if q.Uint64()&1 == 1 {
			q.AddUint64(q, 1)
		}
	}
	return q
}
