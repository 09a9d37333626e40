// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package utilmetric

import (
	"errors"

	"github.com/luxfi/codec/wrappers"
	"github.com/luxfi/metric"
)

var ErrFailedRegistering = errors.New("failed registering metric")

type Averager interface {
	Observe(float64)
}

type averager struct {
	count metric.Counter
	sum   metric.Gauge
}

func NewAverager(name, desc string, registry metric.Registry) (Averager, error) {
	errs := wrappers.Errs{}
	a := NewAveragerWithErrs(name, desc, registry, &errs)
	return a, errs.Err
}

func NewAveragerWithErrs(name, desc string, registry metric.Registry, errs *wrappers.Errs) Averager {
	if registry == nil {
		errs.Add(ErrFailedRegistering)
		return &averager{
			count: metric.NewCounter(metric.CounterOpts{Name: AppendNamespace(name, "count")}),
			sum:   metric.NewGauge(metric.GaugeOpts{Name: AppendNamespace(name, "sum")}),
		}
	}

	metricsInstance := metric.NewWithRegistry("", registry)
	return &averager{
		count: metricsInstance.NewCounter(
			AppendNamespace(name, "count"),
			"Total # of observations of "+desc,
		),
		sum: metricsInstance.NewGauge(
			AppendNamespace(name, "sum"),
			"Sum of "+desc,
		),
	}
}

func (a *averager) Observe(v float64) {
	a.count.Inc()
	a.sum.Add(v)
}

// AppendNamespace joins prefix and suffix with an underscore, skipping empty
// parts.
func AppendNamespace(prefix, suffix string) string {
	switch {
	case len(prefix) == 0:
		return suffix
	case len(suffix) == 0:
		return prefix
	default:
		return prefix + "_" + suffix
	}
}
