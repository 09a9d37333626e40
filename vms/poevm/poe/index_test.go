// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poe

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/poe/utils/math/fixed"
)

func sample(source string, epoch uint64, volume, liquidity, uptime, quality string) ActivitySample {
	return ActivitySample{
		SourceID:       source,
		Epoch:          epoch,
		Volume:         fixed.MustParse(volume),
		LiquidityDelta: fixed.MustParse(liquidity),
		UptimeFraction: fixed.MustParse(uptime),
		QualityScore:   fixed.MustParse(quality),
	}
}

func testSamples(epoch uint64) []ActivitySample {
	return []ActivitySample{
		sample("node-a", epoch, "600000", "200000", "1", "0.8"),
		sample("node-b", epoch, "400000", "100000", "0.5", "0.6"),
	}
}

func TestCalculateNoSamples(t *testing.T) {
	require := require.New(t)

	result, err := Calculate(7, nil, 3, DefaultWeights())
	require.NoError(err)
	require.True(result.Index.Phi.IsZero())
	require.Equal(uint64(7), result.Index.Epoch)
	require.Equal(DefaultWeights().Version, result.Index.WeightsVersion)
	require.Empty(result.Clamps)
}

func TestCalculate(t *testing.T) {
	require := require.New(t)

	result, err := Calculate(1, testSamples(1), 2, DefaultWeights())
	require.NoError(err)

	idx := result.Index
	require.Equal("0.4", idx.VolumeComponent.String())
	require.Equal("0.06", idx.LiquidityComponent.String())
	require.Equal("0.15", idx.UptimeComponent.String())
	require.Equal("0.14", idx.QualityComponent.String())
	require.Equal("0.75", idx.Phi.String())
	require.Empty(result.Clamps)
}

func TestCalculateMissingSourcesContributeZero(t *testing.T) {
	require := require.New(t)

	result, err := Calculate(1, testSamples(1), 4, DefaultWeights())
	require.NoError(err)
	require.Equal("0.075", result.Index.UptimeComponent.String())
	require.Equal("0.07", result.Index.QualityComponent.String())
	require.Equal("0.605", result.Index.Phi.String())
}

func TestCalculateOrderIndependent(t *testing.T) {
	require := require.New(t)

	samples := testSamples(3)
	forward, err := Calculate(3, samples, 2, DefaultWeights())
	require.NoError(err)

	slices.Reverse(samples)
	backward, err := Calculate(3, samples, 2, DefaultWeights())
	require.NoError(err)

	forwardID, err := forward.Index.ID()
	require.NoError(err)
	backwardID, err := backward.Index.ID()
	require.NoError(err)
	require.Equal(forwardID, backwardID)
}

func TestCalculateClamps(t *testing.T) {
	require := require.New(t)

	samples := []ActivitySample{
		sample("node-a", 2, "1000000000", "-500000", "1", "1"),
	}
	result, err := Calculate(2, samples, 1, DefaultWeights())
	require.NoError(err)

	require.Equal("100", result.Index.VolumeComponent.String())
	require.True(result.Index.LiquidityComponent.IsZero())
	require.Equal("100.4", result.Index.Phi.String())

	require.Len(result.Clamps, 2)
	require.Equal(LiquidityComponent, result.Clamps[0].Component)
	require.Equal("-0.1", result.Clamps[0].Raw.String())
	require.Equal(VolumeComponent, result.Clamps[1].Component)
	require.Equal("400", result.Clamps[1].Raw.String())
}

func TestCalculateRejectsBadSamples(t *testing.T) {
	tests := []struct {
		name    string
		samples []ActivitySample
		wantErr error
	}{
		{
			name: "duplicate source",
			samples: []ActivitySample{
				sample("node-a", 1, "1", "0", "1", "1"),
				sample("node-a", 1, "2", "0", "1", "1"),
			},
			wantErr: ErrDuplicateSample,
		},
		{
			name:    "foreign epoch",
			samples: []ActivitySample{sample("node-a", 2, "1", "0", "1", "1")},
			wantErr: ErrEpochMismatch,
		},
		{
			name:    "uptime above one",
			samples: []ActivitySample{sample("node-a", 1, "1", "0", "1.5", "1")},
			wantErr: ErrFractionRange,
		},
		{
			name:    "negative volume",
			samples: []ActivitySample{sample("node-a", 1, "-1", "0", "1", "1")},
			wantErr: ErrNegativeVolume,
		},
		{
			name:    "empty source",
			samples: []ActivitySample{sample("", 1, "1", "0", "1", "1")},
			wantErr: ErrEmptySource,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Calculate(1, test.samples, 1, DefaultWeights())
			require.ErrorIs(t, err, test.wantErr)
		})
	}
}

func TestCalculateRejectsBadWeights(t *testing.T) {
	require := require.New(t)

	w := DefaultWeights()
	w.VolumeScale = fixed.Zero
	_, err := Calculate(1, nil, 0, w)
	require.ErrorIs(err, ErrInvalidWeights)

	w = DefaultWeights()
	w.Quality = fixed.MustParse("-0.1")
	_, err = Calculate(1, nil, 0, w)
	require.ErrorIs(err, ErrInvalidWeights)
}

func TestWeightsValidateReportsFirstInvalid(t *testing.T) {
	require := require.New(t)

	w := DefaultWeights()
	w.Liquidity = fixed.MustParse("-1")
	w.Quality = fixed.MustParse("-2")
	w.Ceiling.Uptime = fixed.MustParse("-3")
	for range 20 {
		err := w.Validate()
		require.ErrorIs(err, ErrInvalidWeights)
		require.ErrorContains(err, "negative liquidity -1")
	}
}

func TestVerify(t *testing.T) {
	require := require.New(t)

	w := DefaultWeights()
	samples := testSamples(1)
	result, err := Calculate(1, samples, 2, w)
	require.NoError(err)

	_, err = Verify(&result.Index, samples, 2, w, fixed.Zero)
	require.NoError(err)

	tampered := result.Index
	tampered.Phi = fixed.MustParse("0.76")
	_, err = Verify(&tampered, samples, 2, w, fixed.MustParse("0.001"))
	require.ErrorIs(err, ErrMismatch)

	// Within epsilon passes.
	_, err = Verify(&tampered, samples, 2, w, fixed.MustParse("0.1"))
	require.NoError(err)

	// A different denominator is a component mismatch.
	_, err = Verify(&result.Index, samples, 3, w, fixed.Zero)
	require.ErrorIs(err, ErrMismatch)

	w.Version++
	_, err = Verify(&result.Index, samples, 2, w, fixed.Zero)
	require.ErrorIs(err, ErrWeightsVersion)
}

func TestIndexCodecRoundTrip(t *testing.T) {
	require := require.New(t)

	result, err := Calculate(1, testSamples(1), 2, DefaultWeights())
	require.NoError(err)

	b, err := result.Index.Bytes()
	require.NoError(err)

	var parsed Index
	_, err = Codec.Unmarshal(b, &parsed)
	require.NoError(err)
	require.Equal(result.Index, parsed)

	want, err := result.Index.ID()
	require.NoError(err)
	got, err := parsed.ID()
	require.NoError(err)
	require.Equal(want, got)
}
