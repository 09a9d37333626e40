// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bft

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTimeout      = errors.New("round timeout must be positive")
	ErrInvalidTimeoutDelta = errors.New("timeout delta must not be negative")
	ErrInvalidMaxTimeout   = errors.New("max timeout must be >= round timeout")
	ErrInvalidBufferSize   = errors.New("buffer size must be positive")
)

// Config holds the round timing. These affect liveness, not safety.
type Config struct {
	// RoundTimeout bounds view 0 of every height. Vote propagation is the
	// only suspending operation, so this is the longest a healthy height waits
	// before ViewChange.
	RoundTimeout time.Duration `json:"round-timeout"`

	// TimeoutDelta is added per view so that slow but honest proposers
	// eventually fit.
	TimeoutDelta time.Duration `json:"timeout-delta"`

	// MaxTimeout caps the per-view timeout.
	MaxTimeout time.Duration `json:"max-timeout"`

	// FutureBufferSize limits messages held for heights not yet started.
	FutureBufferSize int `json:"future-buffer-size"`
}

func DefaultConfig() Config {
	return Config{
		RoundTimeout:     5 * time.Second,
		TimeoutDelta:     time.Second,
		MaxTimeout:       10 * time.Second,
		FutureBufferSize: 4096,
	}
}

func (c Config) Validate() error {
	if c.RoundTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.TimeoutDelta < 0 {
		return ErrInvalidTimeoutDelta
	}
	if c.MaxTimeout < c.RoundTimeout {
		return fmt.Errorf("%w: max %v, round %v", ErrInvalidMaxTimeout, c.MaxTimeout, c.RoundTimeout)
	}
	if c.FutureBufferSize <= 0 {
		return ErrInvalidBufferSize
	}
	return nil
}

// Timeout returns the timeout of view.
func (c Config) Timeout(view uint64) time.Duration {
	if c.TimeoutDelta == 0 {
		return c.RoundTimeout
	}
	steps := uint64((c.MaxTimeout - c.RoundTimeout) / c.TimeoutDelta)
	if view > steps {
		return c.MaxTimeout
	}
	return c.RoundTimeout + time.Duration(view)*c.TimeoutDelta
}
