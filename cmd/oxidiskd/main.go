// Command oxidiskd is the disk operations engine's command-line surface: a
// thin cobra layer over the internal packages that do the actual topology
// inspection, preflight checking, and partition/image mutation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "oxidiskd",
	Short: "Disk operations engine",
	Long: `oxidiskd inspects, partitions, resizes, and flashes block devices.

Every destructive operation must be preceded by a fresh "preflight" check
against the exact device/operation it authorizes; the dispatcher refuses to
run a mutation whose preflight verdict is missing, stale, or blocked.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches /etc/oxidisk, ~/.config/oxidisk, ./oxidisk.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "force JSON output (default: table when attached to a terminal)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(disksCmd)
	rootCmd.AddCommand(partitionsCmd)
	rootCmd.AddCommand(apfsCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(sidecarsCmd)
	rootCmd.AddCommand(helperCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
