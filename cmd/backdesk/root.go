// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root backdesk command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "backdesk",
		Short:         "Backdesk conversational backoffice agent",
		Long:          "Backdesk runs a turn pipeline that answers backoffice questions and executes gated tools against external systems.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	root.AddCommand(
		newServeCmd(),
		newToolsCmd(),
		newVersionCmd(),
	)

	return root
}
