package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query recorded operation and device history",
}

func init() {
	historyCmd.AddCommand(historyOperationsCmd, historyDevicesCmd)
}

var historyLimit int

var historyOperationsCmd = &cobra.Command{
	Use:   "operations",
	Short: "List recently recorded operations",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		if a.audit == nil {
			exitErr(fmt.Errorf("audit database unavailable"))
		}
		records, err := a.audit.RecentOperations(historyLimit)
		if err != nil {
			exitErr(err)
		}
		if wantJSON() {
			printJSON(records)
			return
		}
		for _, r := range records {
			fmt.Printf("%-6d %-14s %-20s %-10s %s\n", r.ID, r.Operation, r.Target, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"))
			if r.ErrorKind != "" {
				fmt.Printf("       %s: %s\n", r.ErrorKind, r.ErrorMessage)
			}
		}
	},
}

func init() {
	historyOperationsCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum rows to return")
}

var historyDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices ever seen, with first/last-seen timestamps",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		if a.audit == nil {
			exitErr(fmt.Errorf("audit database unavailable"))
		}
		records, err := a.audit.DeviceHistory()
		if err != nil {
			exitErr(err)
		}
		if wantJSON() {
			printJSON(records)
			return
		}
		for _, r := range records {
			fmt.Printf("%-18s %-24s first=%s last=%s\n", r.Identifier, r.Model, r.FirstSeen.Format("2006-01-02"), r.LastSeen.Format("2006-01-02"))
		}
	},
}
