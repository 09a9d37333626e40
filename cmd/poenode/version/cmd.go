// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package version

import (
	"fmt"

	"github.com/luxfi/version"
	"github.com/spf13/cobra"

	"github.com/luxfi/poe/vms/poevm"
)

// Version of the poenode binary.
const Version = "v0.1.0"

func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints out the version",
		RunE:  versionFunc,
	}
}

func versionFunc(c *cobra.Command, _ []string) error {
	_, err := fmt.Fprintf(c.OutOrStdout(), "poenode %s [vm=%s, node=%s]\n", Version, poevm.Namespace, version.Current)
	return err
}
