// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package devnet

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expected    *Config
		expectedErr error
	}{
		{
			name: "defaults",
			expected: &Config{
				Validators:    4,
				Heights:       10,
				RoundTimeout:  3 * time.Second,
				Sources:       3,
				JobsPerHeight: 2,
			},
		},
		{
			name: "overrides",
			args: []string{"--validators", "7", "--heights", "3", "--round-timeout", "1s", "--verbose"},
			expected: &Config{
				Validators:    7,
				Heights:       3,
				RoundTimeout:  time.Second,
				Sources:       3,
				JobsPerHeight: 2,
				Verbose:       true,
			},
		},
		{
			name:        "no validators",
			args:        []string{"--validators", "0"},
			expectedErr: ErrInvalidFlag,
		},
		{
			name:        "no heights",
			args:        []string{"--heights", "0"},
			expectedErr: ErrInvalidFlag,
		},
		{
			name:        "no sources",
			args:        []string{"--sources", "0"},
			expectedErr: ErrInvalidFlag,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			flags := pflag.NewFlagSet("devnet", pflag.ContinueOnError)
			AddFlags(flags)
			c, err := ParseFlags(flags, test.args)
			require.ErrorIs(err, test.expectedErr)
			if test.expectedErr == nil {
				require.Equal(test.expected, c)
			}
		})
	}
}

func TestRun(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(Run(ctx, &Config{
		Validators:    4,
		Heights:       3,
		RoundTimeout:  2 * time.Second,
		Sources:       2,
		JobsPerHeight: 1,
	}, log.NewNoOpLogger(), &out))

	require.Contains(out.String(), "committed height 3")
	require.Contains(out.String(), "stability alerts")
}
