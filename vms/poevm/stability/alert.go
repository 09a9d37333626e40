// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stability

import (
	"fmt"

	"github.com/luxfi/poe/utils/math/fixed"
)

// Kind names the feedback loop an alert detected.
type Kind uint8

const (
	RunawayMint Kind = iota
	Devaluation
	BandSaturation
	IndexVolatility

	numKinds
)

// Kinds lists every alert kind.
var Kinds = [numKinds]Kind{RunawayMint, Devaluation, BandSaturation, IndexVolatility}

func (k Kind) String() string {
	switch k {
	case RunawayMint:
		return "runaway-mint"
	case Devaluation:
		return "devaluation"
	case BandSaturation:
		return "band-saturation"
	case IndexVolatility:
		return "index-volatility"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Recommendation is the parameter change an alert suggests. Applying it is a
// governance decision.
type Recommendation uint8

const (
	ReweightIndex Recommendation = iota
	AdjustFeeSplit
	AdjustElasticBand
)

func (r Recommendation) String() string {
	switch r {
	case ReweightIndex:
		return "reweight-poe-components"
	case AdjustFeeSplit:
		return "adjust-fee-split-ratios"
	case AdjustElasticBand:
		return "adjust-elastic-band"
	default:
		return fmt.Sprintf("Recommendation(%d)", uint8(r))
	}
}

func (r Recommendation) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (k Kind) recommendation() Recommendation {
	switch k {
	case Devaluation:
		return AdjustFeeSplit
	case BandSaturation:
		return AdjustElasticBand
	default:
		return ReweightIndex
	}
}

// Alert is an advisory record raised at Height. It is never applied
// automatically.
type Alert struct {
	Height         uint64         `serialize:"true" json:"height"`
	Kind           Kind           `serialize:"true" json:"kind"`
	Recommendation Recommendation `serialize:"true" json:"recommendation"`
	Window         uint32         `serialize:"true" json:"window"`
	Detail         string         `serialize:"true" json:"detail"`
}

// Observation is what the monitor sees of one committed height.
type Observation struct {
	Height         uint64
	Phi            fixed.Dec
	NetworkSupply  fixed.Dec
	UtilitySupply  fixed.Dec
	UtilityBandHit bool
	Clamps         int
	// Price is the external price reference, when one was submitted.
	Price    fixed.Dec
	HasPrice bool
}
