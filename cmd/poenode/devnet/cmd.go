// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package devnet

import (
	"github.com/luxfi/log"
	"github.com/spf13/cobra"
)

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "devnet",
		Short: "Runs an in-process PoE devnet and prints the committed supplies",
		RunE:  devnetFunc,
	}
	flags := c.Flags()
	AddFlags(flags)
	return c
}

func devnetFunc(c *cobra.Command, args []string) error {
	flags := c.Flags()
	config, err := ParseFlags(flags, args)
	if err != nil {
		return err
	}

	logger := log.NewLogger("devnet")
	return Run(c.Context(), config, logger, c.OutOrStdout())
}
