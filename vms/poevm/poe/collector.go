// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poe

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/luxfi/math/set"

	"github.com/luxfi/poe/utils/timer/mockable"
)

type epochSamples struct {
	opened  time.Time
	closed  bool
	samples map[string]ActivitySample
}

// Collector gathers the samples reported for each epoch. An epoch is ready
// once every expected source has reported or its timeout has elapsed.
// Submitted samples are never replaced, and a closed epoch takes no more.
type Collector struct {
	clock   *mockable.Clock
	timeout time.Duration

	mu       sync.Mutex
	expected set.Set[string]
	epochs   map[uint64]*epochSamples
}

func NewCollector(clock *mockable.Clock, timeout time.Duration, expected []string) *Collector {
	return &Collector{
		clock:    clock,
		timeout:  timeout,
		expected: set.Of(expected...),
		epochs:   make(map[uint64]*epochSamples),
	}
}

// SetExpected replaces the expected source list for epochs not yet opened.
func (c *Collector) SetExpected(sources []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expected = set.Of(sources...)
}

func (c *Collector) ExpectedSources() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.expected.Len()
}

func (c *Collector) Submit(s ActivitySample) error {
	if err := s.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.expected.Contains(s.SourceID) {
		return fmt.Errorf("%w: %q", ErrUnknownSource, s.SourceID)
	}
	e := c.open(s.Epoch)
	if e.closed {
		return fmt.Errorf("%w: %q at epoch %d", ErrEpochClosed, s.SourceID, s.Epoch)
	}
	if _, ok := e.samples[s.SourceID]; ok {
		return fmt.Errorf("%w: %q at epoch %d", ErrDuplicateSample, s.SourceID, s.Epoch)
	}
	e.samples[s.SourceID] = s
	return nil
}

// Open starts the timeout of epoch if it has not started yet.
func (c *Collector) Open(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.open(epoch)
}

// Close freezes the samples of epoch. Every later Samples call returns the
// same set.
func (c *Collector) Close(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.open(epoch).closed = true
}

func (c *Collector) open(epoch uint64) *epochSamples {
	e, ok := c.epochs[epoch]
	if !ok {
		e = &epochSamples{
			opened:  c.clock.Time(),
			samples: make(map[string]ActivitySample),
		}
		c.epochs[epoch] = e
	}
	return e
}

func (c *Collector) Ready(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.epochs[epoch]
	if !ok {
		return c.expected.Len() == 0
	}
	if len(e.samples) >= c.expected.Len() {
		return true
	}
	return !c.clock.Time().Before(e.opened.Add(c.timeout))
}

// Samples returns the samples of epoch ordered by source.
func (c *Collector) Samples(epoch uint64) []ActivitySample {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.epochs[epoch]
	if !ok {
		return nil
	}
	samples := make([]ActivitySample, 0, len(e.samples))
	for _, s := range e.samples {
		samples = append(samples, s)
	}
	slices.SortFunc(samples, func(a, b ActivitySample) int {
		return cmp.Compare(a.SourceID, b.SourceID)
	})
	return samples
}

// Prune drops every epoch at or below epoch.
func (c *Collector) Prune(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := range c.epochs {
		if e <= epoch {
			delete(c.epochs, e)
		}
	}
}
