// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package mint maps the economic index to the Network token issuance of an
// epoch.
//
// The multiplier is Gamma(phi) = phi / (1 + phi). It is 0 at phi = 0, strictly
// increasing, and stays below 1 for every finite phi, so issuance never exceeds
// the base rate however large the reported activity grows. From phi = 10^18 on
// the quotient is within one unit of 1, so the result saturates one unit below
// without dividing.
package mint

import (
	"errors"
	"fmt"

	"github.com/luxfi/poe/utils/math/fixed"
)

var (
	ErrNegativeIndex = errors.New("negative index")
	ErrGammaRange    = errors.New("multiplier outside [0, 1)")

	maxGamma = fixed.MustParse("0.999999999999999999")

	// At and above saturation the rounded quotient is maxGamma, so Gamma
	// returns it without dividing.
	saturation = fixed.FromUint64(1_000_000_000_000_000_000)

	// DefaultBaseRate is the Network issuance per epoch at Gamma = 1.
	DefaultBaseRate = fixed.FromUint64(1000)
)

// Gamma returns phi / (1 + phi) rounded half-to-even.
func Gamma(phi fixed.Dec) (fixed.Dec, error) {
	if phi.Sign() < 0 {
		return fixed.Zero, fmt.Errorf("%w: %s", ErrNegativeIndex, phi)
	}
	if phi.Cmp(saturation) >= 0 {
		return maxGamma, nil
	}
	denominator, err := fixed.One.Add(phi)
	if err != nil {
		return fixed.Zero, err
	}
	gamma, err := phi.Div(denominator)
	if err != nil {
		return fixed.Zero, err
	}
	return fixed.Min(gamma, maxGamma), nil
}

// EpochMint returns baseRate * Gamma(phi).
func EpochMint(baseRate, phi fixed.Dec) (fixed.Dec, error) {
	if baseRate.Sign() < 0 {
		return fixed.Zero, fmt.Errorf("%w: base rate %s", fixed.ErrNegative, baseRate)
	}
	gamma, err := Gamma(phi)
	if err != nil {
		return fixed.Zero, err
	}
	return baseRate.Mul(gamma)
}

// VerifyGamma rejects a recorded multiplier outside [0, 1).
func VerifyGamma(gamma fixed.Dec) error {
	if gamma.Sign() < 0 || gamma.Cmp(fixed.One) >= 0 {
		return fmt.Errorf("%w: %s", ErrGammaRange, gamma)
	}
	return nil
}
