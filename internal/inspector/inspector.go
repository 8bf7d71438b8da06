// Package inspector enumerates block device topology into the normalized
// model.Device/model.Partition shape and classifies protection. It follows
// the teacher's collector package's approach of shelling out to a
// structured-output tool (lsblk -J) and mapping the JSON into typed structs,
// adding the partition-table layer the teacher's drive-bay inventory never
// needed.
package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/oxidisk/oxidiskd/internal/model"
	"github.com/oxidisk/oxidiskd/internal/sizefmt"
)

// Inspector reads device/partition topology from the host.
type Inspector struct {
	protectedRoles map[string]bool
}

// New builds an Inspector using the given protected-role set (from config).
func New(protectedRoles map[string]bool) *Inspector {
	return &Inspector{protectedRoles: protectedRoles}
}

type lsblkNode struct {
	Name       string      `json:"name"`
	Path       string      `json:"path"`
	Size       int64       `json:"size,string"`
	Start      int64       `json:"start,string"`
	Type       string      `json:"type"`
	FSType     string      `json:"fstype"`
	Mountpoint string      `json:"mountpoint"`
	PartUUID   string      `json:"partuuid"`
	PartLabel  string      `json:"partlabel"`
	Label      string      `json:"label"`
	Children   []lsblkNode `json:"children,omitempty"`
}

// lsblkSectorSize is the fixed 512 B unit lsblk's START column always
// reports in, independent of -b (which only affects SIZE).
const lsblkSectorSize = 512

type lsblkOutput struct {
	BlockDevices []lsblkNode `json:"blockdevices"`
}

// ListDevices enumerates every physical disk and its partitions. Internal
// (non-removable, non-virtual) devices are included only when
// includeSystem is true, mirroring the UI's toggle for showing system
// volumes.
func (i *Inspector) ListDevices(ctx context.Context, includeSystem bool) ([]model.Device, error) {
	out, err := exec.CommandContext(ctx, "lsblk", "-J", "-b",
		"-o", "NAME,PATH,SIZE,START,TYPE,FSTYPE,MOUNTPOINT,PARTUUID,PARTLABEL,LABEL").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("lsblk: %w", err)
	}

	var parsed lsblkOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parsing lsblk output: %w", err)
	}

	var devices []model.Device
	for _, node := range parsed.BlockDevices {
		if node.Type != "disk" {
			continue
		}
		if isExcludedDiskType(node.Name) {
			continue
		}

		dev := model.Device{
			Identifier: node.Path,
			SizeBytes:  node.Size,
			Internal:   !strings.HasPrefix(node.Name, "sd") || isLikelyInternal(node.Name),
			Content:    "gpt",
		}

		for _, child := range node.Children {
			part := model.Partition{
				Identifier:  child.Path,
				Name:        firstNonEmpty(child.PartLabel, child.Label),
				SizeBytes:   child.Size,
				OffsetBytes: child.Start * lsblkSectorSize,
				Content:     child.Type,
				FSType:      child.FSType,
				MountPoint:  child.Mountpoint,
			}
			part.IsProtected, part.ProtectionReason = i.classifyPartitionProtection(part)
			dev.Partitions = append(dev.Partitions, part)
		}

		sort.Slice(dev.Partitions, func(a, b int) bool {
			return dev.Partitions[a].OffsetBytes < dev.Partitions[b].OffsetBytes
		})
		dev.Unallocated = computeUnallocated(dev.Partitions, dev.SizeBytes)

		if !includeSystem && dev.IsProtected {
			continue
		}
		devices = append(devices, dev)
	}

	return devices, nil
}

// PartitionBounds derives the legal move range for a partition from the
// surrounding gaps, aligned to a 1 MiB granularity the way Move/Copy align
// their requested offsets. BlockSize on the returned Bounds is the device's
// logical sector size, read from the kernel: sgdisk's --new spec takes
// sector numbers in that unit, not the copy engine's I/O buffer size.
func (i *Inspector) PartitionBounds(ctx context.Context, partitionIdentifier string) (*model.Bounds, error) {
	parent, err := parentDiskOf(partitionIdentifier)
	if err != nil {
		return nil, err
	}

	devices, err := i.ListDevices(ctx, true)
	if err != nil {
		return nil, err
	}

	for _, dev := range devices {
		if dev.Identifier != parent {
			continue
		}
		for idx, part := range dev.Partitions {
			if part.Identifier != partitionIdentifier {
				continue
			}

			minStart := int64(1024 * 1024) // first MiB reserved for the GPT header
			if idx > 0 {
				prev := dev.Partitions[idx-1]
				minStart = prev.OffsetBytes + prev.SizeBytes
			}

			maxStart := dev.SizeBytes - part.SizeBytes
			if idx+1 < len(dev.Partitions) {
				next := dev.Partitions[idx+1]
				maxStart = next.OffsetBytes - part.SizeBytes
			}

			return &model.Bounds{
				MinStart:  alignUp(minStart, sizefmt.MiB),
				MaxStart:  alignDown(maxStart, sizefmt.MiB),
				Offset:    part.OffsetBytes,
				SizeBytes: part.SizeBytes,
				BlockSize: i.LogicalSectorSize(ctx, parent),
			}, nil
		}
	}

	return nil, fmt.Errorf("partition %s not found on %s", partitionIdentifier, parent)
}

// LogicalSectorSize reads a disk's logical sector size via blockdev,
// falling back to the near-universal 512 B default when the query fails,
// mirroring the original helper's DeviceBlockSize lookup
// (unwrap_or(512)). Exported so journal-recovery callers can compute
// sgdisk sector math for a device without a full PartitionBounds lookup.
func (i *Inspector) LogicalSectorSize(ctx context.Context, disk string) int64 {
	out, err := exec.CommandContext(ctx, "blockdev", "--getss", disk).CombinedOutput()
	if err != nil {
		return 512
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil || n <= 0 {
		return 512
	}
	return n
}

func (i *Inspector) classifyPartitionProtection(p model.Partition) (bool, model.ProtectionReason) {
	switch strings.ToLower(p.FSType) {
	case "crypto_luks":
		return false, model.ProtectionNone
	}
	if p.MountPoint == "/" || p.MountPoint == "/boot" || p.MountPoint == "/boot/efi" {
		return true, model.ProtectionSystem
	}
	label := strings.ToLower(p.Name)
	if strings.Contains(label, "recovery") {
		return true, model.ProtectionRecovery
	}
	if strings.Contains(label, "efi") || strings.Contains(label, "preboot") {
		return true, model.ProtectionPreboot
	}
	return false, model.ProtectionNone
}

func computeUnallocated(partitions []model.Partition, total int64) []model.UnallocatedSegment {
	var gaps []model.UnallocatedSegment
	cursor := int64(1024 * 1024)
	for idx, p := range partitions {
		if p.OffsetBytes > cursor {
			gaps = append(gaps, model.UnallocatedSegment{
				Key:         fmt.Sprintf("gap-%d", idx),
				OffsetBytes: cursor,
				SizeBytes:   p.OffsetBytes - cursor,
			})
		}
		cursor = p.OffsetBytes + p.SizeBytes
	}
	if cursor < total {
		gaps = append(gaps, model.UnallocatedSegment{
			Key:         "gap-end",
			OffsetBytes: cursor,
			SizeBytes:   total - cursor,
		})
	}
	return gaps
}

func isExcludedDiskType(name string) bool {
	for _, prefix := range []string{"loop", "dm-", "sr", "zram", "ram"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func isLikelyInternal(name string) bool {
	return name == "sda" || name == "nvme0n1"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parentDiskOf(partitionIdentifier string) (string, error) {
	trimmed := strings.TrimPrefix(partitionIdentifier, "/dev/")
	idx := strings.LastIndexAny(trimmed, "p")
	if strings.HasPrefix(trimmed, "nvme") {
		if i2 := strings.LastIndex(trimmed, "p"); i2 > 0 {
			return "/dev/" + trimmed[:i2], nil
		}
	}
	for i2 := len(trimmed) - 1; i2 >= 0; i2-- {
		if trimmed[i2] < '0' || trimmed[i2] > '9' {
			return "/dev/" + trimmed[:i2+1], nil
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("cannot derive parent disk from %q", partitionIdentifier)
	}
	return "/dev/" + trimmed[:idx], nil
}

func alignUp(v, block int64) int64 {
	if block <= 0 {
		return v
	}
	rem := v % block
	if rem == 0 {
		return v
	}
	return v + (block - rem)
}

func alignDown(v, block int64) int64 {
	if block <= 0 {
		return v
	}
	return v / block * block
}
