// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"testing"
	"time"

	"github.com/luxfi/metric"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/poe/utils/math/fixed"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/stability"

	utilmetric "github.com/luxfi/poe/utils/metric"
)

// gathered returns the value of the series called name whose labels include
// every pair in labels.
func gathered(t *testing.T, registry metric.Registry, name string, labels metric.Labels) float64 {
	t.Helper()

	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.Name != name {
			continue
		}
		for _, m := range family.Metrics {
			if hasLabels(m.Labels, labels) {
				return m.Value.Value
			}
		}
	}
	require.FailNow(t, "series not gathered", "%s %v", name, labels)
	return 0
}

func hasLabels(pairs []metric.LabelPair, want metric.Labels) bool {
	matched := 0
	for _, pair := range pairs {
		if v, ok := want[pair.Name]; ok && v == pair.Value {
			matched++
		}
	}
	return matched == len(want)
}

func TestMetrics(t *testing.T) {
	require := require.New(t)

	registry := metric.NewRegistry()
	m, err := New("poe", registry)
	require.NoError(err)

	m.ViewChanged(1, 1)
	m.PrevoteWithheld("invalid")
	m.PrevoteWithheld("invalid")
	m.Committed(1, 1, time.Second)
	m.MarkAccepted(Block{
		Height: 1,
		Phi:    fixed.MustParse("1.5"),
		Gamma:  fixed.MustParse("0.6"),
		Supplies: []ledger.TokenSupplyState{
			{Class: ledger.Network, Supply: fixed.FromUint64(600)},
		},
		Alerts:   []stability.Alert{{Kind: stability.RunawayMint}},
		Clamps:   2,
		Receipts: 3,
	})
	m.SetPendingJobs(7)

	require.InDelta(1, gathered(t, registry, "poe_view_changes", nil), 0)
	require.InDelta(2, gathered(t, registry, "poe_prevotes_withheld", metric.Labels{ReasonLabel: "invalid"}), 0)
	require.InDelta(1, gathered(t, registry, "poe_bundles_committed", nil), 0)
	require.InDelta(1, gathered(t, registry, "poe_height", nil), 0)
	require.InDelta(1.5, gathered(t, registry, "poe_poe_index", nil), 1e-9)
	require.InDelta(0.6, gathered(t, registry, "poe_mint_multiplier", nil), 1e-9)
	require.InDelta(600, gathered(t, registry, "poe_token_supply", metric.Labels{ClassLabel: "NEX"}), 1e-9)
	require.InDelta(1, gathered(t, registry, "poe_stability_alerts", metric.Labels{KindLabel: "runaway-mint"}), 0)
	require.InDelta(2, gathered(t, registry, "poe_poe_clamps", nil), 0)
	require.InDelta(3, gathered(t, registry, "poe_fee_receipts", nil), 0)
	require.InDelta(7, gathered(t, registry, "poe_pending_jobs", nil), 0)
}

func TestMetricsNilRegistry(t *testing.T) {
	_, err := New("poe", nil)
	require.ErrorIs(t, err, utilmetric.ErrFailedRegistering)
}
