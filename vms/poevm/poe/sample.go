// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poe

import (
	"errors"
	"fmt"

	"github.com/luxfi/poe/utils/math/fixed"
)

var (
	ErrEmptySource     = errors.New("empty source id")
	ErrNegativeVolume  = errors.New("negative volume")
	ErrFractionRange   = errors.New("fraction outside [0, 1]")
	ErrEpochMismatch   = errors.New("sample epoch mismatch")
	ErrDuplicateSample = errors.New("duplicate sample")
	ErrUnknownSource   = errors.New("unknown source")
	ErrEpochClosed     = errors.New("epoch closed to new samples")
	ErrInvalidWeights  = errors.New("invalid weights")
	ErrMismatch        = errors.New("index recomputation mismatch")
	ErrWeightsVersion  = errors.New("weights version mismatch")
)

// ActivitySample is one source's measured activity for one epoch.
type ActivitySample struct {
	SourceID       string    `serialize:"true" json:"sourceID"`
	Epoch          uint64    `serialize:"true" json:"epoch"`
	Volume         fixed.Dec `serialize:"true" json:"volume"`
	LiquidityDelta fixed.Dec `serialize:"true" json:"liquidityDelta"`
	UptimeFraction fixed.Dec `serialize:"true" json:"uptimeFraction"`
	QualityScore   fixed.Dec `serialize:"true" json:"qualityScore"`
}

func (s *ActivitySample) Validate() error {
	switch {
	case s.SourceID == "":
		return ErrEmptySource
	case s.Volume.Sign() < 0:
		return fmt.Errorf("%w: %s from %q", ErrNegativeVolume, s.Volume, s.SourceID)
	case !inUnitInterval(s.UptimeFraction):
		return fmt.Errorf("%w: uptime %s from %q", ErrFractionRange, s.UptimeFraction, s.SourceID)
	case !inUnitInterval(s.QualityScore):
		return fmt.Errorf("%w: quality %s from %q", ErrFractionRange, s.QualityScore, s.SourceID)
	default:
		return nil
	}
}

func inUnitInterval(d fixed.Dec) bool {
	return d.Sign() >= 0 && d.Cmp(fixed.One) <= 0
}
