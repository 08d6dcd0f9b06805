// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import (
	"github.com/spf13/cobra"
)

// globalFlags holds the persistent flag values shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "vnetd",
		Short:         "vnetd runs the vnet packet-processing graph",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "vnetd.yaml", "path to the YAML configuration document")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newRoutesCmd(flags))

	return root
}
