// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poe

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"

	"github.com/luxfi/poe/utils/math/fixed"
)

// Component names one weighted term of the index.
type Component uint8

const (
	VolumeComponent Component = iota
	LiquidityComponent
	UptimeComponent
	QualityComponent
)

func (c Component) String() string {
	switch c {
	case VolumeComponent:
		return "volume"
	case LiquidityComponent:
		return "liquidity"
	case UptimeComponent:
		return "uptime"
	case QualityComponent:
		return "quality"
	default:
		return "unknown"
	}
}

// ClampEvent records a component that was bounded before summation.
type ClampEvent struct {
	Epoch     uint64    `serialize:"true" json:"epoch"`
	Component Component `serialize:"true" json:"component"`
	Raw       fixed.Dec `serialize:"true" json:"raw"`
	Clamped   fixed.Dec `serialize:"true" json:"clamped"`
}

// Index is the committed economic index of one epoch.
type Index struct {
	Epoch              uint64    `serialize:"true" json:"epoch"`
	Phi                fixed.Dec `serialize:"true" json:"phi"`
	VolumeComponent    fixed.Dec `serialize:"true" json:"volumeComponent"`
	LiquidityComponent fixed.Dec `serialize:"true" json:"liquidityComponent"`
	UptimeComponent    fixed.Dec `serialize:"true" json:"uptimeComponent"`
	QualityComponent   fixed.Dec `serialize:"true" json:"qualityComponent"`
	WeightsVersion     uint64    `serialize:"true" json:"weightsVersion"`
}

// Bytes returns the canonical encoding of the index.
func (i *Index) Bytes() ([]byte, error) {
	return Codec.Marshal(CodecVersion, i)
}

// ID is the hash of the canonical encoding. Blocks reference an index by ID.
func (i *Index) ID() (ids.ID, error) {
	b, err := i.Bytes()
	if err != nil {
		return ids.Empty, err
	}
	return hash.ComputeHash256Array(b), nil
}

// Equal reports whether every recorded value is bit-identical.
func (i *Index) Equal(o *Index) bool {
	return i.Epoch == o.Epoch &&
		i.WeightsVersion == o.WeightsVersion &&
		i.Phi.Equal(o.Phi) &&
		i.VolumeComponent.Equal(o.VolumeComponent) &&
		i.LiquidityComponent.Equal(o.LiquidityComponent) &&
		i.UptimeComponent.Equal(o.UptimeComponent) &&
		i.QualityComponent.Equal(o.QualityComponent)
}

type Result struct {
	Index  Index
	Clamps []ClampEvent
}

// Calculate computes the index of epoch from samples. It is pure: the result
// depends only on its arguments, never on their order.
//
// Means are taken over max(expectedSources, len(samples)) so sources that did
// not report contribute zero.
func Calculate(epoch uint64, samples []ActivitySample, expectedSources int, w Weights) (Result, error) {
	if err := w.Validate(); err != nil {
		return Result{}, err
	}

	sorted, err := sortSamples(epoch, samples)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Index: Index{
			Epoch:          epoch,
			WeightsVersion: w.Version,
		},
	}
	if len(sorted) == 0 {
		return result, nil
	}

	var sumV, sumL, sumU, sumQ fixed.Dec
	for _, s := range sorted {
		if sumV, err = sumV.Add(s.Volume); err != nil {
			return Result{}, err
		}
		if sumL, err = sumL.Add(s.LiquidityDelta); err != nil {
			return Result{}, err
		}
		if sumU, err = sumU.Add(s.UptimeFraction); err != nil {
			return Result{}, err
		}
		if sumQ, err = sumQ.Add(s.QualityScore); err != nil {
			return Result{}, err
		}
	}

	n := uint64(max(expectedSources, len(sorted)))
	volume, err := weighted(w.Volume, sumV, w.VolumeScale)
	if err != nil {
		return Result{}, err
	}
	liquidity, err := weighted(w.Liquidity, sumL, w.LiquidityScale)
	if err != nil {
		return Result{}, err
	}
	meanU, err := sumU.DivUint64(n)
	if err != nil {
		return Result{}, err
	}
	uptime, err := w.Uptime.Mul(meanU)
	if err != nil {
		return Result{}, err
	}
	meanQ, err := sumQ.DivUint64(n)
	if err != nil {
		return Result{}, err
	}
	quality, err := w.Quality.Mul(meanQ)
	if err != nil {
		return Result{}, err
	}

	// Net liquidity outflow cannot push the index below zero.
	if liquidity.Sign() < 0 {
		result.Clamps = append(result.Clamps, ClampEvent{
			Epoch:     epoch,
			Component: LiquidityComponent,
			Raw:       liquidity,
			Clamped:   fixed.Zero,
		})
		liquidity = fixed.Zero
	}

	idx := &result.Index
	idx.VolumeComponent = result.clamp(epoch, VolumeComponent, volume, w.Ceiling.Volume)
	idx.LiquidityComponent = result.clamp(epoch, LiquidityComponent, liquidity, w.Ceiling.Liquidity)
	idx.UptimeComponent = result.clamp(epoch, UptimeComponent, uptime, w.Ceiling.Uptime)
	idx.QualityComponent = result.clamp(epoch, QualityComponent, quality, w.Ceiling.Quality)

	idx.Phi, err = fixed.Sum(
		idx.VolumeComponent,
		idx.LiquidityComponent,
		idx.UptimeComponent,
		idx.QualityComponent,
	)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (r *Result) clamp(epoch uint64, c Component, value, ceiling fixed.Dec) fixed.Dec {
	if ceiling.IsZero() || value.Cmp(ceiling) <= 0 {
		return value
	}
	r.Clamps = append(r.Clamps, ClampEvent{
		Epoch:     epoch,
		Component: c,
		Raw:       value,
		Clamped:   ceiling,
	})
	return ceiling
}

func weighted(weight, sum, scale fixed.Dec) (fixed.Dec, error) {
	scaled, err := sum.Div(scale)
	if err != nil {
		return fixed.Zero, err
	}
	return weight.Mul(scaled)
}

func sortSamples(epoch uint64, samples []ActivitySample) ([]ActivitySample, error) {
	sorted := slices.Clone(samples)
	slices.SortFunc(sorted, func(a, b ActivitySample) int {
		return cmp.Compare(a.SourceID, b.SourceID)
	})
	for i := range sorted {
		s := &sorted[i]
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if s.Epoch != epoch {
			return nil, fmt.Errorf("%w: %q reported epoch %d, want %d", ErrEpochMismatch, s.SourceID, s.Epoch, epoch)
		}
		if i > 0 && sorted[i-1].SourceID == s.SourceID {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSample, s.SourceID)
		}
	}
	return sorted, nil
}

// Verify recomputes the index from its recorded inputs and fails with
// ErrMismatch when phi differs from the recorded value by more than epsilon.
// With a zero epsilon every component must match exactly.
func Verify(recorded *Index, samples []ActivitySample, expectedSources int, w Weights, epsilon fixed.Dec) (Result, error) {
	if recorded.WeightsVersion != w.Version {
		return Result{}, fmt.Errorf("%w: recorded %d, local %d", ErrWeightsVersion, recorded.WeightsVersion, w.Version)
	}
	result, err := Calculate(recorded.Epoch, samples, expectedSources, w)
	if err != nil {
		return Result{}, err
	}
	delta, err := result.Index.Phi.Sub(recorded.Phi)
	if err != nil {
		return Result{}, err
	}
	if delta.AbsValue().Cmp(epsilon) > 0 {
		return result, fmt.Errorf("%w: recomputed phi %s, recorded %s", ErrMismatch, result.Index.Phi, recorded.Phi)
	}
	if !result.Index.Equal(recorded) && epsilon.IsZero() {
		return result, fmt.Errorf("%w: recomputed components differ at epoch %d", ErrMismatch, recorded.Epoch)
	}
	return result, nil
}
