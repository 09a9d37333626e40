// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stability

import (
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/poe/utils/math/fixed"
)

func newTestMonitor(t *testing.T) *Monitor {
	cfg := DefaultConfig()
	cfg.Window = 3
	m, err := NewMonitor(cfg, log.NewNoOpLogger())
	require.NoError(t, err)
	return m
}

func obs(height uint64, phi, supply string) Observation {
	return Observation{
		Height:        height,
		Phi:           fixed.MustParse(phi),
		NetworkSupply: fixed.MustParse(supply),
		UtilitySupply: fixed.FromUint64(1_000),
	}
}

func kinds(alerts []Alert) []Kind {
	var out []Kind
	for _, a := range alerts {
		out = append(out, a.Kind)
	}
	return out
}

func observeAll(t *testing.T, m *Monitor, observations ...Observation) [][]Kind {
	out := make([][]Kind, len(observations))
	for i, o := range observations {
		alerts, err := m.Observe(o)
		require.NoError(t, err)
		out[i] = kinds(alerts)
	}
	return out
}

func TestRunawayMint(t *testing.T) {
	require := require.New(t)

	m := newTestMonitor(t)
	got := observeAll(t, m,
		obs(1, "1", "100"),
		obs(2, "1", "110"),
		obs(3, "1", "121"),
		obs(4, "1", "133.1"),
	)
	require.Equal([][]Kind{nil, nil, nil, {RunawayMint}}, got)

	alerts := m.Alerts(0)
	require.Len(alerts, 1)
	require.Equal(ReweightIndex, alerts[0].Recommendation)
	require.Equal(uint32(3), alerts[0].Window)
}

func TestSupplyTrackingIndexIsStable(t *testing.T) {
	m := newTestMonitor(t)
	got := observeAll(t, m,
		obs(1, "1", "100"),
		obs(2, "1.2", "110"),
		obs(3, "1.44", "121"),
		obs(4, "1.728", "133.1"),
	)
	require.Equal(t, [][]Kind{nil, nil, nil, nil}, got)
}

func TestDevaluation(t *testing.T) {
	require := require.New(t)

	m := newTestMonitor(t)
	var observations []Observation
	for i, v := range []struct{ phi, supply, price string }{
		{"1", "100", "10"},
		{"1.5", "110", "9"},
		{"2.25", "121", "8"},
		{"3.375", "133.1", "7"},
	} {
		o := obs(uint64(i+1), v.phi, v.supply)
		o.Price = fixed.MustParse(v.price)
		o.HasPrice = true
		observations = append(observations, o)
	}
	got := observeAll(t, m, observations...)
	require.Equal([][]Kind{nil, nil, nil, {Devaluation}}, got)
	require.Equal(AdjustFeeSplit, m.Alerts(4)[0].Recommendation)
}

func TestDevaluationNeedsPrice(t *testing.T) {
	m := newTestMonitor(t)
	got := observeAll(t, m,
		obs(1, "1", "100"),
		obs(2, "1.5", "110"),
		obs(3, "2.25", "121"),
		obs(4, "3.375", "133.1"),
	)
	require.Equal(t, [][]Kind{nil, nil, nil, nil}, got)
}

func TestBandSaturationCooldown(t *testing.T) {
	require := require.New(t)

	m := newTestMonitor(t)
	var observations []Observation
	for h := uint64(1); h <= 6; h++ {
		o := obs(h, "1", "100")
		o.UtilityBandHit = true
		observations = append(observations, o)
	}
	got := observeAll(t, m, observations...)
	require.Equal([][]Kind{nil, nil, {BandSaturation}, nil, nil, {BandSaturation}}, got)
	require.Equal(AdjustElasticBand, m.Alerts(0)[0].Recommendation)
}

func TestIndexVolatility(t *testing.T) {
	m := newTestMonitor(t)
	got := observeAll(t, m,
		obs(1, "1", "100"),
		obs(2, "10", "100"),
		obs(3, "1", "100"),
	)
	require.Equal(t, [][]Kind{nil, nil, {IndexVolatility}}, got)
}

func TestObserveOutOfOrder(t *testing.T) {
	m := newTestMonitor(t)
	_, err := m.Observe(obs(5, "1", "1"))
	require.NoError(t, err)
	_, err = m.Observe(obs(5, "1", "1"))
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestStreamRestartable(t *testing.T) {
	require := require.New(t)

	m := newTestMonitor(t)
	m.Restore([]Alert{
		{Height: 3, Kind: BandSaturation},
		{Height: 7, Kind: IndexVolatility},
		{Height: 7, Kind: RunawayMint},
		{Height: 12, Kind: Devaluation},
	})

	var seen []uint64
	for a := range m.Stream(0) {
		seen = append(seen, a.Height)
		if a.Height == 7 {
			break
		}
	}
	require.Equal([]uint64{3, 7}, seen)

	// Resume from the height last seen.
	require.Equal([]Kind{IndexVolatility, RunawayMint, Devaluation}, kinds(m.Alerts(7)))
	require.Empty(m.Alerts(13))
}

func TestRestoreHoldsCooldown(t *testing.T) {
	require := require.New(t)

	m := newTestMonitor(t)
	m.Restore([]Alert{{Height: 4, Kind: BandSaturation}})

	var observations []Observation
	for h := uint64(4); h <= 7; h++ {
		o := obs(h, "1", "100")
		o.UtilityBandHit = true
		observations = append(observations, o)
	}
	got := observeAll(t, m, observations...)
	require.Equal([][]Kind{nil, nil, nil, {BandSaturation}}, got)
}

func TestConfigValidate(t *testing.T) {
	require := require.New(t)

	require.NoError(DefaultConfig().Validate())
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Window = 1 },
		func(c *Config) { c.GrowthMultiple = 0 },
		func(c *Config) { c.VolatilityBound = -1 },
		func(c *Config) { c.MaxAlerts = 0 },
	} {
		c := DefaultConfig()
		mutate(&c)
		require.ErrorIs(c.Validate(), ErrInvalidConfig)
	}
}
