// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poe

import (
	"fmt"

	"github.com/luxfi/poe/utils/math/fixed"
)

// Ceilings bound each weighted component. A zero ceiling disables the bound.
type Ceilings struct {
	Volume    fixed.Dec `serialize:"true" json:"volume"`
	Liquidity fixed.Dec `serialize:"true" json:"liquidity"`
	Uptime    fixed.Dec `serialize:"true" json:"uptime"`
	Quality   fixed.Dec `serialize:"true" json:"quality"`
}

// Weights parameterize the index formula
//
//	phi = Volume*(sum(volume)/VolumeScale) + Liquidity*(sum(liquidity)/LiquidityScale)
//	    + Uptime*mean(uptime) + Quality*mean(quality)
//
// Every governance change produces a new Version.
type Weights struct {
	Version        uint64    `serialize:"true" json:"version"`
	Volume         fixed.Dec `serialize:"true" json:"volume"`
	Liquidity      fixed.Dec `serialize:"true" json:"liquidity"`
	Uptime         fixed.Dec `serialize:"true" json:"uptime"`
	Quality        fixed.Dec `serialize:"true" json:"quality"`
	VolumeScale    fixed.Dec `serialize:"true" json:"volume-scale"`
	LiquidityScale fixed.Dec `serialize:"true" json:"liquidity-scale"`
	Ceiling        Ceilings  `serialize:"true" json:"ceiling"`
}

func DefaultWeights() Weights {
	return Weights{
		Version:        1,
		Volume:         fixed.MustParse("0.4"),
		Liquidity:      fixed.MustParse("0.2"),
		Uptime:         fixed.MustParse("0.2"),
		Quality:        fixed.MustParse("0.2"),
		VolumeScale:    fixed.FromUint64(1_000_000),
		LiquidityScale: fixed.FromUint64(1_000_000),
		Ceiling: Ceilings{
			Volume:    fixed.FromUint64(100),
			Liquidity: fixed.FromUint64(100),
		},
	}
}

func (w *Weights) Validate() error {
	for _, c := range []struct {
		name string
		d    fixed.Dec
	}{
		{"volume", w.Volume},
		{"liquidity", w.Liquidity},
		{"uptime", w.Uptime},
		{"quality", w.Quality},
		{"volume ceiling", w.Ceiling.Volume},
		{"liquidity ceiling", w.Ceiling.Liquidity},
		{"uptime ceiling", w.Ceiling.Uptime},
		{"quality ceiling", w.Ceiling.Quality},
	} {
		if c.d.Sign() < 0 {
			return fmt.Errorf("%w: negative %s %s", ErrInvalidWeights, c.name, c.d)
		}
	}
	if w.VolumeScale.Sign() <= 0 || w.LiquidityScale.Sign() <= 0 {
		return fmt.Errorf("%w: scales must be positive", ErrInvalidWeights)
	}
	return nil
}
