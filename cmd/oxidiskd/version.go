package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oxidisk/oxidiskd/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the oxidiskd version",
	Run: func(cmd *cobra.Command, args []string) {
		if wantJSON() {
			printJSON(map[string]string{"version": version.Version})
			return
		}
		fmt.Println(version.Version)
	},
}
