// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/backdesk-ai/backdesk/internal/catalog"
	"github.com/backdesk-ai/backdesk/internal/config"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the registered tools",
		Long:  "Load the tool registry and print each tool's name, risk level, and required permissions.",
		RunE:  runTools,
	}

	cmd.Flags().String("registry", "", "override tool registry path")

	return cmd
}

func runTools(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	path := cfg.Catalog.Path
	if override, _ := cmd.Flags().GetString("registry"); override != "" {
		path = override
	}

	cat, err := catalog.Load(path)
	if err != nil {
		return err
	}

	snap := cat.Snapshot()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tRISK\tKIND\tPERMISSIONS")
	for _, d := range snap.All() {
		kind := "http"
		if d.Builtin {
			kind = "builtin"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.RiskLevel, kind, strings.Join(d.Permissions, ","))
	}
	return w.Flush()
}
