// Package partops implements the Partition Operations component: wipe,
// create-table, create, delete, format, label/UUID, check, mount/unmount/
// eject, and (in apfs.go) APFS container/volume management. Grounded on
// original_source's partitioning command handlers, generalized from a
// diskutil-only backend to a runtime-selected sgdisk/diskutil backend per
// SPEC_FULL.md.
package partops

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/oxidisk/oxidiskd/internal/model"
	"github.com/oxidisk/oxidiskd/internal/sidecar"
	"github.com/oxidisk/oxidiskd/internal/sizefmt"
)

// Ops executes partition-level operations against a single device.
type Ops struct {
	runner *sidecar.Runner
}

// New builds an Ops using runner for every external-tool invocation.
func New(runner *sidecar.Runner) *Ops {
	return &Ops{runner: runner}
}

// WipeDevice creates a fresh partition table on device and a single
// spanning partition formatted as fs.
func (o *Ops) WipeDevice(ctx context.Context, device, table, fs, label string) (model.Result, error) {
	scheme, err := normalizeTable(table)
	if err != nil {
		return model.Result{}, model.ErrInvalidInput("table", err.Error())
	}
	if err := ValidateLabel(fs, label); err != nil {
		return model.Result{}, model.ErrInvalidInput("label", err.Error())
	}

	if err := o.ForceUnmountDisk(ctx, device); err != nil {
		return model.Result{}, err
	}

	if runtime.GOOS == "darwin" {
		fsArg := diskutilFSName(fs)
		if _, err := o.runner.Run(ctx, "diskutil", "eraseDisk", fsArg, label, scheme, device); err != nil {
			return model.Result{}, toOpError("diskutil", err)
		}
	} else {
		if _, err := o.runner.Run(ctx, "sgdisk", "--zap-all", device); err != nil {
			return model.Result{}, toOpError("sgdisk", err)
		}
		if _, err := o.runner.Run(ctx, "sgdisk", "--new=1:0:0", device); err != nil {
			return model.Result{}, toOpError("sgdisk", err)
		}
		partition := firstPartitionOf(device)
		if _, err := o.mkfs(ctx, partition, fs, label); err != nil {
			return model.Result{}, err
		}
		if code, err := GPTTypeCode(fs); err == nil {
			o.runner.Run(ctx, "sgdisk", fmt.Sprintf("--typecode=1:%s", code), device)
		}
	}

	o.syncKernelTable(ctx, device)
	return model.Result{OK: true, Details: map[string]interface{}{"device": device, "format": fs, "scheme": scheme}}, nil
}

// CreatePartitionTable rewrites the whole scheme, destroying contents.
func (o *Ops) CreatePartitionTable(ctx context.Context, device, table string) (model.Result, error) {
	scheme, err := normalizeTable(table)
	if err != nil {
		return model.Result{}, model.ErrInvalidInput("table", err.Error())
	}
	if err := o.ForceUnmountDisk(ctx, device); err != nil {
		return model.Result{}, err
	}

	if runtime.GOOS == "darwin" {
		if _, err := o.runner.Run(ctx, "diskutil", "partitionDisk", device, "1", scheme, "free", "%noformat%", "100%"); err != nil {
			return model.Result{}, toOpError("diskutil", err)
		}
	} else {
		if _, err := o.runner.Run(ctx, "sgdisk", "--zap-all", device); err != nil {
			return model.Result{}, toOpError("sgdisk", err)
		}
		if scheme == "MBR" {
			o.runner.Run(ctx, "sgdisk", "-m", device)
		}
	}

	o.syncKernelTable(ctx, device)
	return model.Result{OK: true, Details: map[string]interface{}{"device": device, "scheme": scheme}}, nil
}

// CreatePartition allocates a new partition from free space, aligned to
// 1 MiB, formatted as fs.
func (o *Ops) CreatePartition(ctx context.Context, device, fs, label, size string, freeBytes int64) (model.Result, error) {
	if err := ValidateLabel(fs, label); err != nil {
		return model.Result{}, model.ErrInvalidInput("label", err.Error())
	}
	sizeBytes, err := sizefmt.ParseBytes(size)
	if err != nil {
		return model.Result{}, model.ErrInvalidInput("size", err.Error())
	}
	sizeBytes = sizefmt.AlignMiBFloor(sizeBytes)
	if sizeBytes <= 0 || sizeBytes > freeBytes {
		return model.Result{}, model.ErrInvalidInput("size", "requested size exceeds free space")
	}

	if err := o.ForceUnmountDisk(ctx, device); err != nil {
		return model.Result{}, err
	}

	if runtime.GOOS == "darwin" {
		fsArg := diskutilFSName(fs)
		if _, err := o.runner.Run(ctx, "diskutil", "addPartition", device, fsArg, label, size); err != nil {
			return model.Result{}, toOpError("diskutil", err)
		}
	} else {
		sizeMiB := sizeBytes / sizefmt.MiB
		if _, err := o.runner.Run(ctx, "sgdisk", "--new=0:0:+"+fmt.Sprint(sizeMiB)+"M", device); err != nil {
			return model.Result{}, toOpError("sgdisk", err)
		}
		partition := lastPartitionOf(ctx, device)
		if _, err := o.mkfs(ctx, partition, fs, label); err != nil {
			return model.Result{}, err
		}
	}

	o.syncKernelTable(ctx, device)
	return model.Result{OK: true, Details: map[string]interface{}{"device": device, "format": fs, "size": size}}, nil
}

// DeletePartition removes a partition entirely.
func (o *Ops) DeletePartition(ctx context.Context, partition string) (model.Result, error) {
	if err := o.maybeSwapoff(ctx, partition); err != nil {
		return model.Result{}, err
	}
	if err := o.ForceUnmountDisk(ctx, partition); err != nil {
		return model.Result{}, err
	}

	if runtime.GOOS == "darwin" {
		if _, err := o.runner.Run(ctx, "diskutil", "eraseVolume", "free", "none", partition); err != nil {
			return model.Result{}, toOpError("diskutil", err)
		}
	} else {
		disk, num, err := splitPartition(partition)
		if err != nil {
			return model.Result{}, model.ErrInvalidInput("partitionIdentifier", err.Error())
		}
		if _, err := o.runner.Run(ctx, "sgdisk", fmt.Sprintf("--delete=%d", num), disk); err != nil {
			return model.Result{}, toOpError("sgdisk", err)
		}
		o.syncKernelTable(ctx, disk)
	}

	return model.Result{OK: true, Details: map[string]interface{}{"partition": partition}}, nil
}

// FormatPartition reformats an existing partition in place.
func (o *Ops) FormatPartition(ctx context.Context, partition, fs, label string) (model.Result, error) {
	if err := ValidateLabel(fs, label); err != nil {
		return model.Result{}, model.ErrInvalidInput("label", err.Error())
	}
	if err := o.maybeSwapoff(ctx, partition); err != nil {
		return model.Result{}, err
	}
	if err := o.ForceUnmountDisk(ctx, partition); err != nil {
		return model.Result{}, err
	}

	if runtime.GOOS == "darwin" {
		fsArg := diskutilFSName(fs)
		if _, err := o.runner.Run(ctx, "diskutil", "eraseVolume", fsArg, label, partition); err != nil {
			return model.Result{}, toOpError("diskutil", err)
		}
	} else {
		if _, err := o.mkfs(ctx, partition, fs, label); err != nil {
			return model.Result{}, err
		}
	}

	if disk, err := parentDisk(partition); err == nil {
		o.syncKernelTable(ctx, disk)
	}
	return model.Result{OK: true, Details: map[string]interface{}{"device": partition, "format": fs}}, nil
}

// SetLabelUUID applies a new label and/or UUID per the fs label/UUID
// policy table.
func (o *Ops) SetLabelUUID(ctx context.Context, partition, fs, label, uuidStr string) (model.Result, error) {
	if label == "" && uuidStr == "" {
		return model.Result{}, model.ErrInvalidInput("label", "no label or uuid provided")
	}

	if runtime.GOOS == "darwin" && (fs == "apfs" || fs == "hfs+") {
		if label != "" {
			if _, err := o.runner.Run(ctx, "diskutil", "renameVolume", partition, label); err != nil {
				return model.Result{}, toOpError("diskutil", err)
			}
		}
		if uuidStr != "" {
			if err := validateUUID(uuidStr); err != nil {
				return model.Result{}, model.ErrInvalidInput("uuid", err.Error())
			}
			if _, err := o.runner.Run(ctx, "diskutil", "apfs", "changeVolumeUUID", partition, uuidStr); err != nil {
				return model.Result{}, toOpError("diskutil", err)
			}
		}
		return model.Result{OK: true, Details: map[string]interface{}{"device": partition, "label": label, "uuid": uuidStr, "fs": fs}}, nil
	}

	driver, ok := DriverFor(fs)
	if !ok {
		return model.Result{}, model.ErrInvalidInput("fs", fmt.Sprintf("unsupported filesystem %q for label/uuid", fs))
	}

	if label != "" {
		if err := ValidateLabel(fs, label); err != nil {
			return model.Result{}, model.ErrInvalidInput("label", err.Error())
		}
		if driver.LabelCommand == nil {
			return model.Result{}, model.ErrUnsupported("label change not supported for " + fs)
		}
		cmd, _ := driver.LabelCommand(partition, label)
		if _, err := o.runner.Run(ctx, cmd.Binary, cmd.Args...); err != nil {
			return model.Result{}, toOpError(cmd.Binary, err)
		}
	}

	if uuidStr != "" {
		if !driver.SupportsUUID {
			return model.Result{}, model.ErrUnsupported(fs + " UUID change is not supported")
		}
		if err := validateUUID(uuidStr); err != nil {
			return model.Result{}, model.ErrInvalidInput("uuid", err.Error())
		}
		cmd, _ := driver.UUIDCommand(partition, uuidStr)
		if _, err := o.runner.Run(ctx, cmd.Binary, cmd.Args...); err != nil {
			return model.Result{}, toOpError(cmd.Binary, err)
		}
	}

	if disk, err := parentDisk(partition); err == nil {
		o.syncKernelTable(ctx, disk)
	}
	return model.Result{OK: true, Details: map[string]interface{}{"device": partition, "label": label, "uuid": uuidStr, "fs": fs}}, nil
}

// CheckPartition runs a filesystem check, optionally repairing.
func (o *Ops) CheckPartition(ctx context.Context, partition, fs string, repair bool) (model.Result, error) {
	var out string
	var err error
	switch fs {
	case "ext4":
		if repair {
			out, err = o.runner.Run(ctx, "e2fsck", "-p", "-f", partition)
		} else {
			out, err = o.runner.Run(ctx, "e2fsck", "-n", "-f", partition)
		}
	case "ntfs":
		if repair {
			out, err = o.runner.Run(ctx, "ntfsfix", partition)
		} else {
			out, err = o.runner.Run(ctx, "ntfsfix", "-n", partition)
		}
	case "apfs", "exfat", "fat32":
		if runtime.GOOS == "darwin" {
			verb := "verifyVolume"
			if repair {
				verb = "repairVolume"
			}
			out, err = o.runner.Run(ctx, "diskutil", verb, partition)
		} else if fs == "exfat" {
			flag := "-n"
			if repair {
				flag = "-y"
			}
			out, err = o.runner.Run(ctx, "fsck.exfat", flag, partition)
		} else {
			return model.Result{}, model.ErrUnsupported("unsupported filesystem for check: " + fs)
		}
	default:
		return model.Result{}, model.ErrUnsupported("unsupported filesystem for check: " + fs)
	}

	if err != nil {
		// e2fsck/fsck tools use nonzero exit codes to report "fixed" states,
		// not only hard failures; still surface a SubprocessFailed for a
		// true invocation error (binary missing, killed, etc.)
		if oe, ok := err.(*model.OpError); ok && oe.Kind == model.KindMissingSidecar {
			return model.Result{}, err
		}
	}

	return model.Result{OK: true, Details: map[string]interface{}{"device": partition, "fs": fs, "output": out}}, nil
}

// Mount, Unmount, Eject are thin wrappers.
func (o *Ops) Mount(ctx context.Context, partition string) (model.Result, error) {
	bin := "mount"
	if runtime.GOOS == "darwin" {
		if _, err := o.runner.Run(ctx, "diskutil", "mount", partition); err != nil {
			return model.Result{}, toOpError("diskutil", err)
		}
		return model.Result{OK: true}, nil
	}
	if _, err := o.runner.Run(ctx, bin, partition); err != nil {
		return model.Result{}, toOpError(bin, err)
	}
	return model.Result{OK: true}, nil
}

func (o *Ops) Unmount(ctx context.Context, partition string) (model.Result, error) {
	if runtime.GOOS == "darwin" {
		if _, err := o.runner.Run(ctx, "diskutil", "unmount", partition); err != nil {
			return model.Result{}, toOpError("diskutil", err)
		}
		return model.Result{OK: true}, nil
	}
	if _, err := o.runner.Run(ctx, "umount", partition); err != nil {
		return model.Result{}, toOpError("umount", err)
	}
	return model.Result{OK: true}, nil
}

func (o *Ops) Eject(ctx context.Context, device string) (model.Result, error) {
	if runtime.GOOS == "darwin" {
		if _, err := o.runner.Run(ctx, "diskutil", "eject", device); err != nil {
			return model.Result{}, toOpError("diskutil", err)
		}
		return model.Result{OK: true}, nil
	}
	if _, err := o.runner.Run(ctx, "eject", device); err != nil {
		return model.Result{}, toOpError("eject", err)
	}
	return model.Result{OK: true}, nil
}

// ForceUnmountDisk unmounts every mounted partition of device, escalating
// to terminate busy processes per the resolved open question: SIGTERM,
// wait 2s, SIGKILL, retry once.
func (o *Ops) ForceUnmountDisk(ctx context.Context, device string) error {
	if runtime.GOOS == "darwin" {
		if _, err := o.runner.Run(ctx, "diskutil", "unmountDisk", "force", device); err == nil {
			return nil
		}
	}

	mountPoint := currentMountPoint(ctx, device)
	if mountPoint == "" {
		exec.CommandContext(ctx, "umount", device).Run()
		return nil
	}

	if err := exec.CommandContext(ctx, "umount", mountPoint).Run(); err == nil {
		return nil
	}

	pids := pidsUsingPath(ctx, mountPoint)
	for _, pid := range pids {
		syscall.Kill(pid, syscall.SIGTERM)
	}
	time.Sleep(2 * time.Second)
	for _, pid := range pidsUsingPath(ctx, mountPoint) {
		syscall.Kill(pid, syscall.SIGKILL)
	}

	if err := exec.CommandContext(ctx, "umount", mountPoint).Run(); err != nil {
		return model.ErrIo("unmount", "processes would not terminate", err)
	}
	return nil
}

func (o *Ops) maybeSwapoff(ctx context.Context, partition string) error {
	out, err := exec.CommandContext(ctx, "swapon", "--show=NAME", "--noheadings").CombinedOutput()
	if err != nil {
		return nil
	}
	if strings.Contains(string(out), partition) {
		exec.CommandContext(ctx, "swapoff", partition).Run()
	}
	return nil
}

func (o *Ops) mkfs(ctx context.Context, device, fs, label string) (string, error) {
	driver, ok := DriverFor(fs)
	if !ok {
		return "", model.ErrInvalidInput("formatType", fmt.Sprintf("unsupported format type: %s", fs))
	}
	cmd, ok := driver.MkfsCommand(device, label)
	if !ok {
		return "", model.ErrUnsupported("mkfs not supported for " + fs)
	}
	out, err := o.runner.Run(ctx, cmd.Binary, cmd.Args...)
	if err != nil {
		return "", toOpError(cmd.Binary, err)
	}
	return out, nil
}

func (o *Ops) syncKernelTable(ctx context.Context, device string) {
	if runtime.GOOS != "darwin" {
		o.runner.Run(ctx, "partprobe", device)
	}
}

func normalizeTable(table string) (string, error) {
	switch strings.ToLower(table) {
	case "gpt":
		return "GPT", nil
	case "mbr":
		return "MBR", nil
	default:
		return "", fmt.Errorf("unsupported table type: %s", table)
	}
}

func diskutilFSName(fs string) string {
	switch fs {
	case "exfat":
		return "ExFAT"
	case "fat32":
		return "MS-DOS"
	case "apfs":
		return "APFS"
	default:
		return strings.ToUpper(fs)
	}
}

func validateUUID(value string) error {
	if value == "random" {
		return nil
	}
	if _, err := uuid.Parse(value); err != nil {
		return fmt.Errorf("invalid UUID %q", value)
	}
	return nil
}

func toOpError(binary string, err error) error {
	if oe, ok := err.(*model.OpError); ok {
		return oe
	}
	return model.ErrSubprocessFailed(binary, -1, err.Error())
}

func splitPartition(partition string) (disk string, num int, err error) {
	trimmed := strings.TrimPrefix(partition, "/dev/")
	i := len(trimmed)
	for i > 0 && trimmed[i-1] >= '0' && trimmed[i-1] <= '9' {
		i--
	}
	if i == len(trimmed) {
		return "", 0, fmt.Errorf("no partition number in %q", partition)
	}
	numStr := trimmed[i:]
	diskName := trimmed[:i]
	diskName = strings.TrimSuffix(diskName, "p")
	n := 0
	fmt.Sscanf(numStr, "%d", &n)
	return "/dev/" + diskName, n, nil
}

func parentDisk(partition string) (string, error) {
	disk, _, err := splitPartition(partition)
	return disk, err
}

func firstPartitionOf(device string) string {
	if strings.Contains(device, "nvme") {
		return device + "p1"
	}
	return device + "1"
}

func lastPartitionOf(ctx context.Context, device string) string {
	out, err := exec.CommandContext(ctx, "sgdisk", "-p", device).CombinedOutput()
	if err != nil {
		return firstPartitionOf(device)
	}
	lines := strings.Split(string(out), "\n")
	last := 1
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(fields[0], "%d", &n); err == nil {
			if n > last {
				last = n
			}
		}
	}
	if strings.Contains(device, "nvme") {
		return fmt.Sprintf("%sp%d", device, last)
	}
	return fmt.Sprintf("%s%d", device, last)
}

func currentMountPoint(ctx context.Context, device string) string {
	out, err := exec.CommandContext(ctx, "findmnt", "-n", "-o", "TARGET", device).CombinedOutput()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func pidsUsingPath(ctx context.Context, path string) []int {
	out, err := exec.CommandContext(ctx, "lsof", "-t", path).CombinedOutput()
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var pid int
		if _, err := fmt.Sscanf(line, "%d", &pid); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}
