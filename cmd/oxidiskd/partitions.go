package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oxidisk/oxidiskd/internal/model"
	"github.com/oxidisk/oxidiskd/internal/preflight"
	"github.com/oxidisk/oxidiskd/internal/progressbus"
	"github.com/oxidisk/oxidiskd/internal/sizefmt"
)

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Inspect and mutate partitions",
}

func init() {
	partitionsCmd.AddCommand(
		partitionsListCmd, partitionsBoundsCmd, partitionsPreflightCmd,
		partitionsWipeCmd, partitionsCreateTableCmd, partitionsCreateCmd,
		partitionsDeleteCmd, partitionsFormatCmd, partitionsLabelCmd,
		partitionsCheckCmd, partitionsResizeCmd, partitionsMoveCmd,
		partitionsCopyCmd, partitionsMountCmd, partitionsUnmountCmd,
		partitionsEjectCmd, partitionsForceUnmountCmd, partitionsCancelCmd,
	)
}

// findPartition locates a device/partition's protection status and, for a
// partition identifier, its owning device, by re-scanning topology. Every
// destructive command needs this to populate preflight.Request's protection
// fields without trusting caller-supplied flags.
func findPartition(ctx context.Context, a *app, identifier string) (device model.Device, partition *model.Partition, err error) {
	devices, err := a.inspector.ListDevices(ctx, true)
	if err != nil {
		return model.Device{}, nil, err
	}
	for _, d := range devices {
		if d.Identifier == identifier {
			return d, nil, nil
		}
		for i := range d.Partitions {
			if d.Partitions[i].Identifier == identifier {
				return d, &d.Partitions[i], nil
			}
		}
	}
	return model.Device{}, nil, fmt.Errorf("%s not found", identifier)
}

// buildPreflightRequest assembles a preflight.Request from topology lookups
// plus whatever the command line supplied, so every destructive command
// goes through the same protection/mount-point plumbing.
func buildPreflightRequest(operation, target, fs string, newSize int64, device model.Device, partition *model.Partition) preflight.Request {
	req := preflight.Request{Operation: operation, Target: target, FS: fs, NewSize: newSize}
	if partition != nil {
		req.IsProtected = partition.IsProtected
		req.ProtectionReason = partition.ProtectionReason
		req.MountPoint = partition.MountPoint
	} else {
		req.IsProtected = device.IsProtected
		req.ProtectionReason = device.ProtectionReason
	}
	return req
}

// runDestructive runs req through preflight, printing and exiting on a
// blocking verdict, then dispatches run under name using the verdict's key.
func runDestructive(a *app, name string, req preflight.Request, run func(ctx context.Context, bus *progressbus.Bus) (model.Result, error)) {
	ctx := context.Background()

	verdict := a.dispatcher.Preflight(ctx, req)
	if !verdict.OK {
		printVerdict(verdict)
		os.Exit(1)
	}

	result, err := a.dispatcher.Dispatch(ctx, name, verdict.Key, run)
	if err != nil {
		exitErr(err)
	}
	printResult(result)
}

var partitionsListCmd = &cobra.Command{
	Use:   "list <device>",
	Short: "List a device's partitions",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		device, _, err := findPartition(context.Background(), a, args[0])
		if err != nil {
			exitErr(err)
		}
		if wantJSON() {
			printJSON(device)
			return
		}
		for _, p := range device.Partitions {
			fmt.Printf("%-18s %10s  %-8s %s\n", p.Identifier, sizefmt.Human(p.SizeBytes), p.FSType, p.MountPoint)
		}
	},
}

var partitionsBoundsCmd = &cobra.Command{
	Use:   "bounds <partition>",
	Short: "Show the legal move/resize range for a partition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		bounds, err := a.inspector.PartitionBounds(context.Background(), args[0])
		if err != nil {
			exitErr(err)
		}
		printJSON(bounds)
	},
}

var (
	preflightOperation string
	preflightFS        string
	preflightNewSize   string
)

var partitionsPreflightCmd = &cobra.Command{
	Use:   "preflight <target>",
	Short: "Run the safety checks for an operation without executing it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		ctx := context.Background()

		target := args[0]
		device, partition, err := findPartition(ctx, a, target)
		if err != nil {
			exitErr(err)
		}

		var newSize int64
		if preflightNewSize != "" {
			newSize, err = sizefmt.ParseBytes(preflightNewSize)
			if err != nil {
				exitErr(model.ErrInvalidInput("newSize", err.Error()))
			}
		}

		req := buildPreflightRequest(preflightOperation, target, preflightFS, newSize, device, partition)
		verdict := a.dispatcher.Preflight(ctx, req)
		printVerdict(verdict)
		if !verdict.OK {
			os.Exit(1)
		}
	},
}

func init() {
	partitionsPreflightCmd.Flags().StringVar(&preflightOperation, "operation", "", "operation to check (wipe, create_table, create, delete, format, resize, move, flash)")
	partitionsPreflightCmd.Flags().StringVar(&preflightFS, "fs", "", "filesystem involved, if any")
	partitionsPreflightCmd.Flags().StringVar(&preflightNewSize, "new-size", "", "target size, for resize")
	partitionsPreflightCmd.MarkFlagRequired("operation")
}

var (
	wipeTable, wipeFS, wipeLabel string
)

var partitionsWipeCmd = &cobra.Command{
	Use:   "wipe <device>",
	Short: "Erase a device and create a single spanning partition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		device, _, err := findPartition(context.Background(), a, args[0])
		if err != nil {
			exitErr(err)
		}
		req := buildPreflightRequest("wipe", args[0], wipeFS, 0, device, nil)
		runDestructive(a, "wipe", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.ops.WipeDevice(ctx, args[0], wipeTable, wipeFS, wipeLabel)
		})
	},
}

func init() {
	partitionsWipeCmd.Flags().StringVar(&wipeTable, "table", "gpt", "partition table scheme (gpt, mbr)")
	partitionsWipeCmd.Flags().StringVar(&wipeFS, "fs", "ext4", "filesystem for the spanning partition")
	partitionsWipeCmd.Flags().StringVar(&wipeLabel, "label", "", "volume label")
}

var createTableScheme string

var partitionsCreateTableCmd = &cobra.Command{
	Use:   "create-table <device>",
	Short: "Rewrite a device's partition table",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		device, _, err := findPartition(context.Background(), a, args[0])
		if err != nil {
			exitErr(err)
		}
		req := buildPreflightRequest("create_table", args[0], "", 0, device, nil)
		runDestructive(a, "create_table", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.ops.CreatePartitionTable(ctx, args[0], createTableScheme)
		})
	},
}

func init() {
	partitionsCreateTableCmd.Flags().StringVar(&createTableScheme, "table", "gpt", "partition table scheme (gpt, mbr)")
}

var (
	createFS, createLabel, createSize string
)

var partitionsCreateCmd = &cobra.Command{
	Use:   "create <device>",
	Short: "Allocate a new partition from free space",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		device, _, err := findPartition(context.Background(), a, args[0])
		if err != nil {
			exitErr(err)
		}
		var freeBytes int64
		for _, gap := range device.Unallocated {
			if gap.SizeBytes > freeBytes {
				freeBytes = gap.SizeBytes
			}
		}
		requestedSize, err := sizefmt.ParseBytes(createSize)
		if err != nil {
			exitErr(model.ErrInvalidInput("size", err.Error()))
		}
		req := buildPreflightRequest("create", args[0], createFS, requestedSize, device, nil)
		req.FreeBytes = freeBytes
		runDestructive(a, "create", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.ops.CreatePartition(ctx, args[0], createFS, createLabel, createSize, freeBytes)
		})
	},
}

func init() {
	partitionsCreateCmd.Flags().StringVar(&createFS, "fs", "ext4", "filesystem for the new partition")
	partitionsCreateCmd.Flags().StringVar(&createLabel, "label", "", "volume label")
	partitionsCreateCmd.Flags().StringVar(&createSize, "size", "", "size, e.g. 10g, 512m")
	partitionsCreateCmd.MarkFlagRequired("size")
}

var partitionsDeleteCmd = &cobra.Command{
	Use:   "delete <partition>",
	Short: "Delete a partition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		device, partition, err := findPartition(context.Background(), a, args[0])
		if err != nil {
			exitErr(err)
		}
		req := buildPreflightRequest("delete", args[0], "", 0, device, partition)
		runDestructive(a, "delete", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.ops.DeletePartition(ctx, args[0])
		})
	},
}

var formatFS, formatLabel string

var partitionsFormatCmd = &cobra.Command{
	Use:   "format <partition>",
	Short: "Reformat a partition in place",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		device, partition, err := findPartition(context.Background(), a, args[0])
		if err != nil {
			exitErr(err)
		}
		req := buildPreflightRequest("format", args[0], formatFS, 0, device, partition)
		runDestructive(a, "format", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.ops.FormatPartition(ctx, args[0], formatFS, formatLabel)
		})
	},
}

func init() {
	partitionsFormatCmd.Flags().StringVar(&formatFS, "fs", "ext4", "filesystem to format as")
	partitionsFormatCmd.Flags().StringVar(&formatLabel, "label", "", "volume label")
}

var labelFS, labelName, labelUUID string

var partitionsLabelCmd = &cobra.Command{
	Use:   "label <partition>",
	Short: "Set a partition's label and/or UUID",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		result, err := a.ops.SetLabelUUID(context.Background(), args[0], labelFS, labelName, labelUUID)
		if err != nil {
			exitErr(err)
		}
		printResult(result)
	},
}

func init() {
	partitionsLabelCmd.Flags().StringVar(&labelFS, "fs", "", "filesystem of the partition")
	partitionsLabelCmd.Flags().StringVar(&labelName, "label", "", "new volume label")
	partitionsLabelCmd.Flags().StringVar(&labelUUID, "uuid", "", "new UUID, or \"random\"")
	partitionsLabelCmd.MarkFlagRequired("fs")
}

var checkFS string
var checkRepair bool

var partitionsCheckCmd = &cobra.Command{
	Use:   "check <partition>",
	Short: "Run a filesystem consistency check",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		result, err := a.ops.CheckPartition(context.Background(), args[0], checkFS, checkRepair)
		if err != nil {
			exitErr(err)
		}
		printResult(result)
	},
}

func init() {
	partitionsCheckCmd.Flags().StringVar(&checkFS, "fs", "", "filesystem of the partition")
	partitionsCheckCmd.Flags().BoolVar(&checkRepair, "repair", false, "attempt repair instead of a read-only check")
	partitionsCheckCmd.MarkFlagRequired("fs")
}

var resizeFS, resizeNewSize string

var partitionsResizeCmd = &cobra.Command{
	Use:   "resize <partition>",
	Short: "Grow or shrink a partition in place",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		ctx := context.Background()

		device, partition, err := findPartition(ctx, a, args[0])
		if err != nil {
			exitErr(err)
		}
		bounds, err := a.inspector.PartitionBounds(ctx, args[0])
		if err != nil {
			exitErr(err)
		}
		newSize, err := sizefmt.ParseBytes(resizeNewSize)
		if err != nil {
			exitErr(model.ErrInvalidInput("newSize", err.Error()))
		}
		if partition == nil {
			exitErr(model.ErrInvalidInput("target", "resize requires a partition, not a whole device"))
		}
		req := buildPreflightRequest("resize", args[0], resizeFS, newSize, device, partition)
		req.FreeBytes = bounds.MaxStart + bounds.SizeBytes - bounds.MinStart
		runDestructive(a, "resize", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.resize.Resize(ctx, args[0], resizeFS, *bounds, newSize)
		})
	},
}

func init() {
	partitionsResizeCmd.Flags().StringVar(&resizeFS, "fs", "", "filesystem of the partition")
	partitionsResizeCmd.Flags().StringVar(&resizeNewSize, "new-size", "", "target size, e.g. 20g")
	partitionsResizeCmd.MarkFlagRequired("fs")
	partitionsResizeCmd.MarkFlagRequired("new-size")
}

var moveNewStart string

var partitionsMoveCmd = &cobra.Command{
	Use:   "move <partition>",
	Short: "Relocate a partition within its disk's free space",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		ctx := context.Background()

		device, partition, err := findPartition(ctx, a, args[0])
		if err != nil {
			exitErr(err)
		}
		bounds, err := a.inspector.PartitionBounds(ctx, args[0])
		if err != nil {
			exitErr(err)
		}
		newStart, err := sizefmt.ParseBytes(moveNewStart)
		if err != nil {
			exitErr(model.ErrInvalidInput("newStart", err.Error()))
		}

		req := buildPreflightRequest("move", args[0], "", 0, device, partition)
		runDestructive(a, "move", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.resize.Move(ctx, args[0], *bounds, newStart)
		})
	},
}

func init() {
	partitionsMoveCmd.Flags().StringVar(&moveNewStart, "new-start", "", "new start offset, e.g. 512m")
	partitionsMoveCmd.MarkFlagRequired("new-start")
}

var copyDestStart string

var partitionsCopyCmd = &cobra.Command{
	Use:   "copy <partition>",
	Short: "Duplicate a partition's data into free space as a new partition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		ctx := context.Background()

		device, partition, err := findPartition(ctx, a, args[0])
		if err != nil {
			exitErr(err)
		}
		bounds, err := a.inspector.PartitionBounds(ctx, args[0])
		if err != nil {
			exitErr(err)
		}
		destStart, err := sizefmt.ParseBytes(copyDestStart)
		if err != nil {
			exitErr(model.ErrInvalidInput("destStart", err.Error()))
		}

		req := buildPreflightRequest("copy", args[0], "", 0, device, partition)
		runDestructive(a, "copy", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.resize.Copy(ctx, args[0], *bounds, destStart)
		})
	},
}

func init() {
	partitionsCopyCmd.Flags().StringVar(&copyDestStart, "dest-start", "", "destination start offset, e.g. 1g")
	partitionsCopyCmd.MarkFlagRequired("dest-start")
}

var partitionsMountCmd = &cobra.Command{
	Use:   "mount <partition>",
	Short: "Mount a partition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		result, err := a.ops.Mount(context.Background(), args[0])
		if err != nil {
			exitErr(err)
		}
		printResult(result)
	},
}

var partitionsUnmountCmd = &cobra.Command{
	Use:   "unmount <partition>",
	Short: "Unmount a partition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		result, err := a.ops.Unmount(context.Background(), args[0])
		if err != nil {
			exitErr(err)
		}
		printResult(result)
	},
}

var partitionsEjectCmd = &cobra.Command{
	Use:   "eject <device>",
	Short: "Eject a removable device",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		result, err := a.ops.Eject(context.Background(), args[0])
		if err != nil {
			exitErr(err)
		}
		printResult(result)
	},
}

var partitionsForceUnmountCmd = &cobra.Command{
	Use:   "force-unmount <device>",
	Short: "Unmount every mounted partition of a device, escalating to SIGKILL if a process refuses to release it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		if err := a.ops.ForceUnmountDisk(context.Background(), args[0]); err != nil {
			exitErr(err)
		}
		printResult(model.Result{OK: true})
	},
}

var partitionsCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Request cancellation of the currently running destructive operation",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		a.dispatcher.Cancel()
		if !wantJSON() {
			fmt.Println("cancellation requested")
		} else {
			printJSON(map[string]bool{"cancelled": true})
		}
	},
}
