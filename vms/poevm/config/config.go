// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines the node-local configuration of the PoE VM.
// Parameters every validator must agree on live in the genesis instead.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/poe/consensus/bft"
	"github.com/luxfi/poe/utils/math/fixed"
	"github.com/luxfi/poe/vms/poevm/stability"
)

var ErrInvalidConfig = errors.New("invalid config")

var DefaultConfig = Config{
	Consensus:          bft.DefaultConfig(),
	Stability:          stability.DefaultConfig(),
	PhiEpsilon:         fixed.Zero,
	SampleTimeout:      2 * time.Second,
	SamplePollInterval: 50 * time.Millisecond,
	MaxJobsPerBundle:   1024,
	MaxDeltasPerBundle: 1024,
	MaxPendingJobs:     16384,
	MetricsEnabled:     true,
}

// Config provides the execution parameters of one validator.
type Config struct {
	Consensus bft.Config       `json:"consensus"`
	Stability stability.Config `json:"stability"`

	// PhiEpsilon is the largest Φ difference a voter tolerates when it
	// recomputes the index of a proposal. Zero requires bit-identical results.
	PhiEpsilon fixed.Dec `json:"phi-epsilon"`

	// SampleTimeout bounds how long a height waits for missing sources.
	SampleTimeout      time.Duration `json:"sample-timeout"`
	SamplePollInterval time.Duration `json:"sample-poll-interval"`

	MaxJobsPerBundle   int `json:"max-jobs-per-bundle"`
	MaxDeltasPerBundle int `json:"max-deltas-per-bundle"`
	MaxPendingJobs     int `json:"max-pending-jobs"`

	MetricsEnabled bool `json:"metrics-enabled"`
}

// GetConfig returns a Config
// input is unmarshalled into a Config previously
// initialized with default values
func GetConfig(b []byte) (*Config, error) {
	c := DefaultConfig

	// if bytes are empty keep default values
	if len(b) == 0 {
		return &c, nil
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, c.Validate()
}

func (c *Config) Validate() error {
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	if err := c.Stability.Validate(); err != nil {
		return err
	}
	switch {
	case c.PhiEpsilon.Sign() < 0:
		return fmt.Errorf("%w: negative phi epsilon %s", ErrInvalidConfig, c.PhiEpsilon)
	case c.SampleTimeout < 0:
		return fmt.Errorf("%w: negative sample timeout %s", ErrInvalidConfig, c.SampleTimeout)
	case c.SamplePollInterval <= 0:
		return fmt.Errorf("%w: sample poll interval %s", ErrInvalidConfig, c.SamplePollInterval)
	case c.MaxJobsPerBundle <= 0:
		return fmt.Errorf("%w: max jobs per bundle %d", ErrInvalidConfig, c.MaxJobsPerBundle)
	case c.MaxDeltasPerBundle <= 0:
		return fmt.Errorf("%w: max deltas per bundle %d", ErrInvalidConfig, c.MaxDeltasPerBundle)
	case c.MaxPendingJobs < c.MaxJobsPerBundle:
		return fmt.Errorf("%w: max pending jobs %d below max jobs per bundle %d", ErrInvalidConfig, c.MaxPendingJobs, c.MaxJobsPerBundle)
	}
	return nil
}
