// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package devnet

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

const (
	ValidatorsKey    = "validators"
	HeightsKey       = "heights"
	RoundTimeoutKey  = "round-timeout"
	SourcesKey       = "sources"
	JobsPerHeightKey = "jobs-per-height"
	VerboseKey       = "verbose"
)

var ErrInvalidFlag = errors.New("invalid flag")

func AddFlags(flags *pflag.FlagSet) {
	flags.Int(ValidatorsKey, 4, "Number of in-process validators")
	flags.Uint64(HeightsKey, 10, "Number of heights to commit")
	flags.Duration(RoundTimeoutKey, 3*time.Second, "Timeout of the first view of every height")
	flags.Int(SourcesKey, 3, "Number of synthetic activity sources")
	flags.Int(JobsPerHeightKey, 2, "Number of synthetic priced jobs submitted per height")
	flags.Bool(VerboseKey, false, "Log every validator to stdout")
}

type Config struct {
	Validators    int
	Heights       uint64
	RoundTimeout  time.Duration
	Sources       int
	JobsPerHeight int
	Verbose       bool
}

func ParseFlags(flags *pflag.FlagSet, args []string) (*Config, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	validators, err := flags.GetInt(ValidatorsKey)
	if err != nil {
		return nil, err
	}
	heights, err := flags.GetUint64(HeightsKey)
	if err != nil {
		return nil, err
	}
	roundTimeout, err := flags.GetDuration(RoundTimeoutKey)
	if err != nil {
		return nil, err
	}
	sources, err := flags.GetInt(SourcesKey)
	if err != nil {
		return nil, err
	}
	jobs, err := flags.GetInt(JobsPerHeightKey)
	if err != nil {
		return nil, err
	}
	verbose, err := flags.GetBool(VerboseKey)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Validators:    validators,
		Heights:       heights,
		RoundTimeout:  roundTimeout,
		Sources:       sources,
		JobsPerHeight: jobs,
		Verbose:       verbose,
	}
	return c, c.Validate()
}

func (c *Config) Validate() error {
	switch {
	case c.Validators <= 0:
		return fmt.Errorf("%w: --%s %d", ErrInvalidFlag, ValidatorsKey, c.Validators)
	case c.Heights == 0:
		return fmt.Errorf("%w: --%s 0", ErrInvalidFlag, HeightsKey)
	case c.RoundTimeout <= 0:
		return fmt.Errorf("%w: --%s %s", ErrInvalidFlag, RoundTimeoutKey, c.RoundTimeout)
	case c.Sources <= 0:
		return fmt.Errorf("%w: --%s %d", ErrInvalidFlag, SourcesKey, c.Sources)
	case c.JobsPerHeight < 0:
		return fmt.Errorf("%w: --%s %d", ErrInvalidFlag, JobsPerHeightKey, c.JobsPerHeight)
	}
	return nil
}
