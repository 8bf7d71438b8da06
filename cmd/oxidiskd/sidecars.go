package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var sidecarsCmd = &cobra.Command{
	Use:   "sidecars",
	Short: "Report on required external binaries",
}

func init() {
	sidecarsCmd.AddCommand(sidecarsStatusCmd)
}

var sidecarsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Resolve and report every declared sidecar binary",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		statuses := a.registry.StatusAll(context.Background())
		if wantJSON() {
			printJSON(statuses)
			return
		}
		for _, s := range statuses {
			state := "missing"
			if s.Found {
				state = s.Path
			}
			fmt.Printf("%-12s %s\n", s.Name, state)
		}
	},
}
