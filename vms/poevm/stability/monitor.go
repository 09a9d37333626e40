// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stability

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/luxfi/log"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrOutOfOrder    = errors.New("observation height must increase")
	ErrInvalidConfig = errors.New("invalid stability config")
)

// Config sets the detection thresholds. Detection is advisory and runs on
// float64 statistics, outside of consensus.
type Config struct {
	// Window is the number of consecutive epochs a condition must hold.
	Window int `json:"window"`
	// GrowthMultiple flags supply growth above this multiple of index growth.
	GrowthMultiple float64 `json:"growth-multiple"`
	// VolatilityBound flags a coefficient of variation of Φ above it.
	VolatilityBound float64 `json:"volatility-bound"`
	// MaxAlerts bounds the alerts held in memory.
	MaxAlerts int `json:"max-alerts"`
}

func DefaultConfig() Config {
	return Config{
		Window:          5,
		GrowthMultiple:  2,
		VolatilityBound: 0.5,
		MaxAlerts:       1024,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Window < 2:
		return fmt.Errorf("%w: window %d < 2", ErrInvalidConfig, c.Window)
	case c.GrowthMultiple <= 0:
		return fmt.Errorf("%w: growth multiple %v", ErrInvalidConfig, c.GrowthMultiple)
	case c.VolatilityBound <= 0:
		return fmt.Errorf("%w: volatility bound %v", ErrInvalidConfig, c.VolatilityBound)
	case c.MaxAlerts <= 0:
		return fmt.Errorf("%w: max alerts %d", ErrInvalidConfig, c.MaxAlerts)
	}
	return nil
}

// Monitor watches committed heights for divergent feedback loops between
// activity, minting and price.
type Monitor struct {
	cfg Config
	log log.Logger

	mu sync.RWMutex
	// window holds the last Window+1 observations in height order.
	window     []Observation
	alerts     []Alert
	lastRaised [numKinds]uint64
	raised     [numKinds]bool
}

func NewMonitor(cfg Config, logger log.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		cfg: cfg,
		log: logger,
	}, nil
}

// Observe feeds one committed height and returns the alerts it raised. A kind
// that fired is not raised again until Window heights have passed.
func (m *Monitor) Observe(o Observation) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.window); n > 0 && o.Height <= m.window[n-1].Height {
		return nil, fmt.Errorf("%w: %d after %d", ErrOutOfOrder, o.Height, m.window[n-1].Height)
	}
	m.window = append(m.window, o)
	if extra := len(m.window) - (m.cfg.Window + 1); extra > 0 {
		m.window = slices.Delete(m.window, 0, extra)
	}

	var raised []Alert
	for _, kind := range Kinds {
		detail, ok := m.check(kind)
		if !ok {
			continue
		}
		if m.raised[kind] && o.Height-m.lastRaised[kind] < uint64(m.cfg.Window) {
			continue
		}
		a := Alert{
			Height:         o.Height,
			Kind:           kind,
			Recommendation: kind.recommendation(),
			Window:         uint32(m.cfg.Window),
			Detail:         detail,
		}
		m.raised[kind] = true
		m.lastRaised[kind] = o.Height
		m.appendAlert(a)
		raised = append(raised, a)

		m.log.Warn("stability alert",
			log.Uint64("height", a.Height),
			log.Stringer("kind", a.Kind),
			log.Stringer("recommendation", a.Recommendation),
			log.String("detail", a.Detail),
		)
	}
	if o.Clamps > 0 {
		m.log.Info("poe components clamped",
			log.Uint64("height", o.Height),
			log.Int("clamps", o.Clamps),
		)
	}
	return raised, nil
}

func (m *Monitor) appendAlert(a Alert) {
	m.alerts = append(m.alerts, a)
	if extra := len(m.alerts) - m.cfg.MaxAlerts; extra > 0 {
		m.alerts = slices.Delete(m.alerts, 0, extra)
	}
}

// Restore reloads alerts persisted before a restart.
func (m *Monitor) Restore(alerts []Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts = nil
	for _, a := range alerts {
		m.appendAlert(a)
		if a.Kind < numKinds && (!m.raised[a.Kind] || a.Height > m.lastRaised[a.Kind]) {
			m.raised[a.Kind] = true
			m.lastRaised[a.Kind] = a.Height
		}
	}
}

// Alerts returns the held alerts raised at or after fromHeight.
func (m *Monitor) Alerts(fromHeight uint64) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, _ := slices.BinarySearchFunc(m.alerts, fromHeight, func(a Alert, h uint64) int {
		switch {
		case a.Height < h:
			return -1
		case a.Height > h:
			return 1
		default:
			return 0
		}
	})
	return slices.Clone(m.alerts[i:])
}

// Stream yields the alerts known now from fromHeight on. Callers resume a
// later session from the last height they saw plus one.
func (m *Monitor) Stream(fromHeight uint64) iter.Seq[Alert] {
	return func(yield func(Alert) bool) {
		for _, a := range m.Alerts(fromHeight) {
			if !yield(a) {
				return
			}
		}
	}
}

func (m *Monitor) check(kind Kind) (string, bool) {
	switch kind {
	case RunawayMint:
		return m.runawayMint()
	case Devaluation:
		return m.devaluation()
	case BandSaturation:
		return m.bandSaturation()
	case IndexVolatility:
		return m.indexVolatility()
	default:
		return "", false
	}
}

// runawayMint holds when Network supply grew faster than GrowthMultiple times
// the index in each of the last Window epochs.
func (m *Monitor) runawayMint() (string, bool) {
	if len(m.window) < m.cfg.Window+1 {
		return "", false
	}
	var supplyGrowth, indexGrowth float64
	for i := 1; i < len(m.window); i++ {
		prev, cur := m.window[i-1], m.window[i]
		s0, s1 := prev.NetworkSupply.Float64(), cur.NetworkSupply.Float64()
		if s0 <= 0 {
			return "", false
		}
		supplyGrowth = (s1 - s0) / s0
		if supplyGrowth <= 0 {
			return "", false
		}

		p0, p1 := prev.Phi.Float64(), cur.Phi.Float64()
		switch {
		case p0 > 0:
			indexGrowth = (p1 - p0) / p0
		case p1 > 0:
			// Activity appeared from nothing.
			return "", false
		default:
			indexGrowth = 0
		}
		if supplyGrowth <= m.cfg.GrowthMultiple*max(indexGrowth, 0) {
			return "", false
		}
	}
	return fmt.Sprintf("network supply growth %.6f above %.2fx index growth %.6f for %d epochs",
		supplyGrowth, m.cfg.GrowthMultiple, indexGrowth, m.cfg.Window), true
}

// devaluation holds when the price fell while Network supply grew in each of
// the last Window epochs.
func (m *Monitor) devaluation() (string, bool) {
	if len(m.window) < m.cfg.Window+1 {
		return "", false
	}
	for i := 1; i < len(m.window); i++ {
		prev, cur := m.window[i-1], m.window[i]
		if !prev.HasPrice || !cur.HasPrice {
			return "", false
		}
		if cur.Price.Cmp(prev.Price) >= 0 || cur.NetworkSupply.Cmp(prev.NetworkSupply) <= 0 {
			return "", false
		}
	}
	first, last := m.window[0], m.window[len(m.window)-1]
	return fmt.Sprintf("price fell from %s to %s while network supply grew from %s to %s",
		first.Price, last.Price, first.NetworkSupply, last.NetworkSupply), true
}

// bandSaturation holds when the Utility elastic band limited the last Window
// epochs.
func (m *Monitor) bandSaturation() (string, bool) {
	if len(m.window) < m.cfg.Window {
		return "", false
	}
	for _, o := range m.window[len(m.window)-m.cfg.Window:] {
		if !o.UtilityBandHit {
			return "", false
		}
	}
	last := m.window[len(m.window)-1]
	return fmt.Sprintf("utility elastic band reached for %d epochs, supply %s", m.cfg.Window, last.UtilitySupply), true
}

// indexVolatility holds when the coefficient of variation of Φ over the last
// Window epochs exceeds VolatilityBound.
func (m *Monitor) indexVolatility() (string, bool) {
	if len(m.window) < m.cfg.Window {
		return "", false
	}
	xs := make([]float64, 0, m.cfg.Window)
	for _, o := range m.window[len(m.window)-m.cfg.Window:] {
		xs = append(xs, o.Phi.Float64())
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if mean <= 0 {
		return "", false
	}
	cv := std / mean
	if cv <= m.cfg.VolatilityBound {
		return "", false
	}
	return fmt.Sprintf("index coefficient of variation %.4f above %.4f (mean %.6f)", cv, m.cfg.VolatilityBound, mean), true
}
