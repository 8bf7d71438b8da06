package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/oxidisk/oxidiskd/internal/model"
	"github.com/oxidisk/oxidiskd/internal/preflight"
	"github.com/oxidisk/oxidiskd/internal/progressbus"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Inspect, hash, flash, and back up disk images",
}

func init() {
	imageCmd.AddCommand(imageInspectCmd, imageHashCmd, imageFlashCmd, imageBackupCmd, imageWindowsInstallCmd)
}

var imageInspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Report an image file's format and metadata",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		result, err := a.image.InspectImage(context.Background(), args[0])
		if err != nil {
			exitErr(err)
		}
		printResult(result)
	},
}

var imageHashCmd = &cobra.Command{
	Use:   "hash <path>",
	Short: "Compute a sha256 digest of an image file's decompressed contents",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		result, err := a.image.HashImage(context.Background(), args[0])
		if err != nil {
			exitErr(err)
		}
		printResult(result)
	},
}

var (
	flashVerify          bool
	flashAllowWindowsISO bool
)

var imageFlashCmd = &cobra.Command{
	Use:   "flash <source> <device>",
	Short: "Write an image file onto a device",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		source, device := args[0], args[1]

		dev, _, err := findPartition(context.Background(), a, device)
		if err != nil {
			exitErr(err)
		}
		req := preflight.Request{
			Operation:        "flash",
			Target:           device,
			IsProtected:      dev.IsProtected,
			ProtectionReason: dev.ProtectionReason,
		}
		runDestructive(a, "flash", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.image.Flash(ctx, source, device, flashVerify, flashAllowWindowsISO)
		})
	},
}

func init() {
	imageFlashCmd.Flags().BoolVar(&flashVerify, "verify", true, "read the device back and compare checksums")
	imageFlashCmd.Flags().BoolVar(&flashAllowWindowsISO, "allow-windows-iso", false, "permit flashing a detected Windows installer ISO directly (use windows-install instead)")
}

var (
	backupOverwrite bool
	backupCompress  bool
)

var imageBackupCmd = &cobra.Command{
	Use:   "backup <device> <path>",
	Short: "Copy a device's contents to an image file",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		result, err := a.image.Backup(context.Background(), args[0], args[1], backupOverwrite, backupCompress)
		if err != nil {
			exitErr(err)
		}
		printResult(result)
	},
}

func init() {
	imageBackupCmd.Flags().BoolVar(&backupOverwrite, "overwrite", false, "overwrite an existing file at the destination path")
	imageBackupCmd.Flags().BoolVar(&backupCompress, "compress", false, "gzip-compress the backup file")
}

var (
	windowsFat32Fallback bool
	windowsAutounattend  string
)

var imageWindowsInstallCmd = &cobra.Command{
	Use:   "windows-install <iso> <partition>",
	Short: "Stage a Windows installer ISO onto a partition",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		iso, partition := args[0], args[1]

		var autounattend []byte
		if windowsAutounattend != "" {
			data, err := os.ReadFile(windowsAutounattend)
			if err != nil {
				exitErr(model.ErrIo("read-autounattend", "could not read answer file", err))
			}
			autounattend = data
		}

		_, part, err := findPartition(context.Background(), a, partition)
		if err != nil {
			exitErr(err)
		}
		req := preflight.Request{Operation: "windows_install", Target: partition}
		if part != nil {
			req.IsProtected = part.IsProtected
			req.ProtectionReason = part.ProtectionReason
			req.MountPoint = part.MountPoint
		}
		runDestructive(a, "windows_install", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.image.WindowsInstall(ctx, iso, partition, windowsFat32Fallback, autounattend)
		})
	},
}

func init() {
	imageWindowsInstallCmd.Flags().BoolVar(&windowsFat32Fallback, "fat32-fallback", true, "split install.wim across FAT32 if the partition can't take exFAT/NTFS")
	imageWindowsInstallCmd.Flags().StringVar(&windowsAutounattend, "autounattend", "", "path to a custom autounattend.xml (default: generated)")
}
