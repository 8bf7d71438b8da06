package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oxidisk/oxidiskd/internal/sizefmt"
)

var includeSystemDisks bool

var disksCmd = &cobra.Command{
	Use:   "disks",
	Short: "List physical block devices and their partitions",
	Run:   runDisks,
}

func init() {
	disksCmd.Flags().BoolVar(&includeSystemDisks, "include-system", false, "include internal/system disks")
}

func runDisks(cmd *cobra.Command, args []string) {
	a := mustApp()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeouts.DiskListing)
	defer cancel()

	devices, err := a.inspector.ListDevices(ctx, includeSystemDisks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listing devices: %v\n", err)
		os.Exit(1)
	}

	if a.audit != nil {
		for _, d := range devices {
			a.audit.RecordDeviceSeen(d.Identifier, d.Content, d.SizeBytes)
		}
	}

	if wantJSON() {
		printJSON(devices)
		return
	}

	for _, d := range devices {
		protected := ""
		if d.IsProtected {
			protected = fmt.Sprintf(" [%s]", d.ProtectionReason)
		}
		fmt.Printf("%s  %10s  %s%s\n", d.Identifier, sizefmt.Human(d.SizeBytes), d.Content, protected)
		for _, p := range d.Partitions {
			mount := p.MountPoint
			if mount == "" {
				mount = "-"
			}
			fmt.Printf("  %-18s %10s  %-8s %s\n", p.Identifier, sizefmt.Human(p.SizeBytes), p.FSType, mount)
		}
		for _, gap := range d.Unallocated {
			fmt.Printf("  %-18s %10s  free\n", gap.Key, sizefmt.Human(gap.SizeBytes))
		}
	}
}
