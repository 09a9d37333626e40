// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fixed

import (
	"encoding/json"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestParseString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "0", want: "0"},
		{in: "-0", want: "0"},
		{in: "1", want: "1"},
		{in: "1.50", want: "1.5"},
		{in: "-0.25", want: "-0.25"},
		{in: "+7", want: "7"},
		{in: "0.000000000000000001", want: "0.000000000000000001"},
		{in: "1000000.000001", want: "1000000.000001"},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			require := require.New(t)

			d, err := Parse(test.in)
			require.NoError(err)
			require.Equal(test.want, d.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		in      string
		wantErr error
	}{
		{in: "", wantErr: ErrSyntax},
		{in: "-", wantErr: ErrSyntax},
		{in: "1.", wantErr: ErrSyntax},
		{in: ".5", wantErr: ErrSyntax},
		{in: "1e5", wantErr: ErrSyntax},
		{in: "1.0000000000000000001", wantErr: ErrPrecision},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			_, err := Parse(test.in)
			require.ErrorIs(t, err, test.wantErr)
		})
	}
}

func TestAddSub(t *testing.T) {
	require := require.New(t)

	sum, err := MustParse("1.5").Add(MustParse("-2"))
	require.NoError(err)
	require.Equal("-0.5", sum.String())

	zero, err := MustParse("-1").Add(One)
	require.NoError(err)
	require.Zero(zero.Sign())
	require.Equal(Zero, zero)

	diff, err := MustParse("0.1").Sub(MustParse("0.3"))
	require.NoError(err)
	require.Equal("-0.2", diff.String())

	diff, err = MustParse("-0.1").Sub(MustParse("-0.3"))
	require.NoError(err)
	require.Equal("0.2", diff.String())
}

func TestMulRoundsHalfToEven(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want string
	}{
		{name: "exact", a: "1.5", b: "2", want: "3"},
		{name: "tie rounds to even zero", a: "0.000000000000000001", b: "0.5", want: "0"},
		{name: "tie rounds odd up", a: "0.000000000000000003", b: "0.5", want: "0.000000000000000002"},
		{name: "tie negative", a: "-0.000000000000000003", b: "0.5", want: "-0.000000000000000002"},
		{name: "below half", a: "0.000000000000000001", b: "0.4", want: "0"},
		{name: "above half", a: "0.000000000000000001", b: "0.6", want: "0.000000000000000001"},
		{name: "sign", a: "-2", b: "-3", want: "6"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			got, err := MustParse(test.a).Mul(MustParse(test.b))
			require.NoError(err)
			require.Equal(test.want, got.String())
		})
	}
}

func TestDiv(t *testing.T) {
	require := require.New(t)

	third, err := One.Div(FromUint64(3))
	require.NoError(err)
	require.Equal("0.333333333333333333", third.String())

	twoThirds, err := FromUint64(2).Div(FromUint64(3))
	require.NoError(err)
	require.Equal("0.666666666666666667", twoThirds.String())

	neg, err := FromInt64(-1).Div(FromUint64(4))
	require.NoError(err)
	require.Equal("-0.25", neg.String())

	_, err = One.Div(Zero)
	require.ErrorIs(err, ErrDivisionByZero)

	_, err = One.DivUint64(0)
	require.ErrorIs(err, ErrDivisionByZero)
}

func TestOverflow(t *testing.T) {
	require := require.New(t)

	huge := Dec{Abs: *new(uint256.Int).SetAllOne()}

	_, err := huge.Add(One)
	require.ErrorIs(err, ErrOverflow)

	_, err = huge.Mul(FromUint64(2))
	require.ErrorIs(err, ErrOverflow)

	_, err = huge.Div(FromUint64(2))
	require.ErrorIs(err, ErrOverflow)

	_, err = huge.MulUint64(2)
	require.ErrorIs(err, ErrOverflow)

	// Opposite signs never overflow.
	back, err := huge.Add(huge.Negate())
	require.NoError(err)
	require.True(back.IsZero())
}

func TestCmpMinMaxClamp(t *testing.T) {
	require := require.New(t)

	a, b := MustParse("-1"), MustParse("0.5")
	require.Equal(-1, a.Cmp(b))
	require.Equal(1, b.Cmp(a))
	require.Zero(a.Cmp(FromInt64(-1)))
	require.Equal(a, Min(a, b))
	require.Equal(b, Max(a, b))

	got, clamped := Clamp(FromUint64(5), Zero, One)
	require.True(clamped)
	require.Equal(One, got)

	got, clamped = Clamp(b, Zero, One)
	require.False(clamped)
	require.Equal(b, got)
}

func TestFromHelpers(t *testing.T) {
	require := require.New(t)

	require.Equal("0.002", FromBps(20).String())
	require.Equal("0.003", FromBps(30).String())
	require.Equal("-3", FromInt64(-3).String())

	f, err := FromFraction(1, 8)
	require.NoError(err)
	require.Equal("0.125", f.String())

	_, err = FromFraction(1, 0)
	require.ErrorIs(err, ErrDivisionByZero)

	total, err := Sum(FromBps(20), FromBps(30), FromBps(20), FromBps(30))
	require.NoError(err)
	require.Equal("0.01", total.String())
}

func TestJSON(t *testing.T) {
	require := require.New(t)

	b, err := json.Marshal(MustParse("12.5"))
	require.NoError(err)
	require.JSONEq(`"12.5"`, string(b))

	var d Dec
	require.NoError(json.Unmarshal([]byte(`"-0.75"`), &d))
	require.Equal(MustParse("-0.75"), d)

	require.ErrorIs(json.Unmarshal([]byte(`"1.2.3"`), &d), ErrSyntax)
}

func TestFloat64(t *testing.T) {
	require := require.New(t)

	require.InDelta(12.5, MustParse("12.5").Float64(), 1e-12)
	require.InDelta(-0.000001, MustParse("-0.000001").Float64(), 1e-18)
	require.Zero(Zero.Float64())
}
