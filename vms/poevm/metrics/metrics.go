// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"time"

	"github.com/luxfi/codec/wrappers"
	"github.com/luxfi/metric"

	"github.com/luxfi/poe/consensus/bft"
	"github.com/luxfi/poe/utils/math/fixed"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/stability"

	utilmetric "github.com/luxfi/poe/utils/metric"
)

const (
	ClassLabel  = "class"
	KindLabel   = "kind"
	ReasonLabel = "reason"
)

var _ bft.Metrics = (*Metrics)(nil)

// Block is what an accepted bundle reports.
type Block struct {
	Height   uint64
	Phi      fixed.Dec
	Gamma    fixed.Dec
	Supplies []ledger.TokenSupplyState
	Alerts   []stability.Alert
	Clamps   int
	Receipts int
}

type Metrics struct {
	committed   metric.Counter
	viewChanges metric.Counter
	withheld    metric.CounterVec
	commitTime  utilmetric.Averager
	commitView  utilmetric.Averager

	height   metric.Gauge
	phi      metric.Gauge
	gamma    metric.Gauge
	supply   metric.GaugeVec
	alerts   metric.CounterVec
	clamps   metric.Counter
	receipts metric.Counter

	pendingJobs metric.Gauge
}

func New(namespace string, registry metric.Registry) (*Metrics, error) {
	if registry == nil {
		return nil, utilmetric.ErrFailedRegistering
	}
	name := func(n string) string {
		return utilmetric.AppendNamespace(namespace, n)
	}
	m := &Metrics{
		committed: metric.NewCounter(metric.CounterOpts{
			Name: name("bundles_committed"),
			Help: "Number of bundles committed",
		}),
		viewChanges: metric.NewCounter(metric.CounterOpts{
			Name: name("view_changes"),
			Help: "Number of view changes",
		}),
		withheld: metric.NewCounterVec(
			metric.CounterOpts{
				Name: name("prevotes_withheld"),
				Help: "Number of prevotes withheld by reason",
			},
			[]string{ReasonLabel},
		),
		height: metric.NewGauge(metric.GaugeOpts{
			Name: name("height"),
			Help: "Last committed height",
		}),
		phi: metric.NewGauge(metric.GaugeOpts{
			Name: name("poe_index"),
			Help: "Economic index of the last committed height",
		}),
		gamma: metric.NewGauge(metric.GaugeOpts{
			Name: name("mint_multiplier"),
			Help: "Mint multiplier of the last committed height",
		}),
		supply: metric.NewGaugeVec(
			metric.GaugeOpts{
				Name: name("token_supply"),
				Help: "Committed supply by token class",
			},
			[]string{ClassLabel},
		),
		alerts: metric.NewCounterVec(
			metric.CounterOpts{
				Name: name("stability_alerts"),
				Help: "Number of stability alerts raised by kind",
			},
			[]string{KindLabel},
		),
		clamps: metric.NewCounter(metric.CounterOpts{
			Name: name("poe_clamps"),
			Help: "Number of clamped index components",
		}),
		receipts: metric.NewCounter(metric.CounterOpts{
			Name: name("fee_receipts"),
			Help: "Number of fee receipts committed",
		}),
		pendingJobs: metric.NewGauge(metric.GaugeOpts{
			Name: name("pending_jobs"),
			Help: "Number of priced jobs waiting for a bundle",
		}),
	}

	errs := wrappers.Errs{}
	m.commitTime = utilmetric.NewAveragerWithErrs(
		name("commit_time"),
		"time (in ns) from height start to commit",
		registry,
		&errs,
	)
	m.commitView = utilmetric.NewAveragerWithErrs(
		name("commit_view"),
		"view a height committed in",
		registry,
		&errs,
	)
	errs.Add(
		registry.Register(metric.AsCollector(m.committed)),
		registry.Register(metric.AsCollector(m.viewChanges)),
		registry.Register(metric.AsCollector(m.withheld)),
		registry.Register(metric.AsCollector(m.height)),
		registry.Register(metric.AsCollector(m.phi)),
		registry.Register(metric.AsCollector(m.gamma)),
		registry.Register(metric.AsCollector(m.supply)),
		registry.Register(metric.AsCollector(m.alerts)),
		registry.Register(metric.AsCollector(m.clamps)),
		registry.Register(metric.AsCollector(m.receipts)),
		registry.Register(metric.AsCollector(m.pendingJobs)),
	)
	return m, errs.Err
}

func (m *Metrics) ViewChanged(uint64, uint64) {
	m.viewChanges.Inc()
}

func (m *Metrics) PrevoteWithheld(reason string) {
	m.withheld.With(metric.Labels{ReasonLabel: reason}).Inc()
}

func (m *Metrics) Committed(_, view uint64, elapsed time.Duration) {
	m.committed.Inc()
	m.commitTime.Observe(float64(elapsed))
	m.commitView.Observe(float64(view))
}

// MarkAccepted records the economic outcome of a committed bundle.
func (m *Metrics) MarkAccepted(b Block) {
	m.height.Set(float64(b.Height))
	m.phi.Set(b.Phi.Float64())
	m.gamma.Set(b.Gamma.Float64())
	for _, s := range b.Supplies {
		m.supply.With(metric.Labels{ClassLabel: s.Class.String()}).Set(s.Supply.Float64())
	}
	for _, a := range b.Alerts {
		m.alerts.With(metric.Labels{KindLabel: a.Kind.String()}).Inc()
	}
	m.clamps.Add(float64(b.Clamps))
	m.receipts.Add(float64(b.Receipts))
}

func (m *Metrics) SetPendingJobs(n int) {
	m.pendingJobs.Set(float64(n))
}
