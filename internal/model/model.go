// Package model defines the normalized data types shared by every component
// of the disk operations engine: device/partition topology, container
// volumes, preflight verdicts, the operation journal, and the progress/log
// event types streamed to a caller.
package model

import "time"

// ProtectionReason enumerates why a device or partition is refused for
// mutation. Kept as an enumerated tag rather than free text so callers can
// branch on it.
type ProtectionReason string

const (
	ProtectionNone     ProtectionReason = ""
	ProtectionSystem   ProtectionReason = "system"
	ProtectionBoot     ProtectionReason = "boot"
	ProtectionRecovery ProtectionReason = "recovery"
	ProtectionPreboot  ProtectionReason = "preboot"
	ProtectionVM       ProtectionReason = "vm"
)

// Role tags a contained volume by its function within a container.
type Role string

const (
	RoleSystem   Role = "System"
	RoleData     Role = "Data"
	RolePreboot  Role = "Preboot"
	RoleRecovery Role = "Recovery"
	RoleVM       Role = "VM"
	RoleNone     Role = "None"
)

// ProtectedRoles is the default set of roles the Inspector treats as
// protected. Overridable via config.
var ProtectedRoles = map[Role]bool{
	RoleSystem:   true,
	RolePreboot:  true,
	RoleRecovery: true,
}

// Device is a physical or virtual block device as reported by a single
// topology scan. Snapshots are immutable value types; a rescan produces a
// fresh Device, it is never mutated in place.
type Device struct {
	Identifier       string      `json:"identifier"`
	SizeBytes        int64       `json:"sizeBytes"`
	Internal         bool        `json:"internal"`
	Content          string      `json:"content"`
	ParentDevice     string      `json:"parentDevice,omitempty"`
	IsProtected      bool        `json:"isProtected"`
	ProtectionReason ProtectionReason `json:"protectionReason,omitempty"`
	Partitions       []Partition `json:"partitions"`
	Unallocated      []UnallocatedSegment `json:"unallocated,omitempty"`
}

// Partition is a single partition-table entry within a Device snapshot.
type Partition struct {
	Identifier       string           `json:"identifier"`
	Name             string           `json:"name,omitempty"`
	SizeBytes        int64            `json:"sizeBytes"`
	OffsetBytes      int64            `json:"offsetBytes"`
	Content          string           `json:"content"`
	FSType           string           `json:"fsType,omitempty"`
	MountPoint       string           `json:"mountPoint,omitempty"`
	IsProtected      bool             `json:"isProtected"`
	ProtectionReason ProtectionReason `json:"protectionReason,omitempty"`
}

// UnallocatedSegment is a synthetic gap between partitions, surfaced for the
// UI and used by create_partition's allocation logic.
type UnallocatedSegment struct {
	Key         string `json:"key"`
	OffsetBytes int64  `json:"offsetBytes"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Bounds describes the legal move range for a partition, aligned to a
// 1 MiB granularity. BlockSize is the device's logical sector size, the
// unit sgdisk's --new spec expects, not a copy chunk size.
type Bounds struct {
	MinStart  int64 `json:"minStart"`
	MaxStart  int64 `json:"maxStart"`
	Offset    int64 `json:"offset"`
	SizeBytes int64 `json:"sizeBytes"`
	BlockSize int64 `json:"blockSize"`
}

// Container is a logical container over one or more partitions (e.g. an
// APFS container) holding zero or more Volumes.
type Container struct {
	Identifier    string   `json:"identifier"`
	CapacityBytes int64    `json:"capacityBytes"`
	FreeBytes     int64    `json:"freeBytes"`
	UsedBytes     int64    `json:"usedBytes"`
	Volumes       []Volume `json:"volumes"`
}

// Volume is one filesystem-level volume within a Container.
type Volume struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Roles      []Role `json:"roles"`
	SizeBytes  int64  `json:"sizeBytes"`
	UsedBytes  int64  `json:"usedBytes"`
	MountPoint string `json:"mountPoint,omitempty"`
}

// IsProtected reports whether any of the volume's roles intersect the
// configured protected-role set.
func (v Volume) IsProtected(protected map[Role]bool) bool {
	for _, r := range v.Roles {
		if protected[r] {
			return true
		}
	}
	return false
}

// BusyProcess identifies a process holding a target open, surfaced by the
// preflight busy-process check.
type BusyProcess struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
}

// BatterySnapshot is the preflight battery check's result.
type BatterySnapshot struct {
	IsLaptop bool `json:"isLaptop"`
	OnAC     bool `json:"onAC"`
	Percent  *int `json:"percent,omitempty"`
}

// SidecarStatus reports whether a declared external binary was resolved.
type SidecarStatus struct {
	Name  string `json:"name"`
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

// FSCheckResult is the outcome of a read-only filesystem sanity check.
type FSCheckResult struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
}

// PreflightKey identifies the exact operation a verdict was computed for;
// the Dispatcher rejects execution against a stale key.
type PreflightKey struct {
	Operation string `json:"operation"`
	Target    string `json:"target"`
	FS        string `json:"fs,omitempty"`
	NewSize   int64  `json:"newSize,omitempty"`
}

// Verdict is the Preflight Checker's output for a PreflightKey.
type Verdict struct {
	Key            PreflightKey      `json:"key"`
	OK             bool              `json:"ok"`
	Blockers       []string          `json:"blockers"`
	Warnings       []string          `json:"warnings"`
	BusyProcesses  []BusyProcess     `json:"busyProcesses,omitempty"`
	Battery        *BatterySnapshot  `json:"battery,omitempty"`
	Sidecars       []SidecarStatus   `json:"sidecars,omitempty"`
	FSCheck        *FSCheckResult    `json:"fsCheck,omitempty"`
	ComputedAt     time.Time         `json:"computedAt"`
}

// JournalOperation enumerates the destructive byte-copy operations the
// Journal Store can track.
type JournalOperation string

const (
	JournalMove   JournalOperation = "move"
	JournalCopy   JournalOperation = "copy"
	JournalFlash  JournalOperation = "flash"
	JournalBackup JournalOperation = "backup"
)

// JournalRecord is the single in-flight byte-copy record. Its presence at
// startup means an operation was interrupted.
type JournalRecord struct {
	Operation  JournalOperation `json:"operation"`
	Device     string           `json:"device"`
	Disk       string           `json:"disk"`
	SrcOffset  int64            `json:"srcOffset,omitempty"`
	DstOffset  int64            `json:"dstOffset,omitempty"`
	SizeBytes  int64            `json:"size"`
	BlockSize  int64            `json:"blockSize"` // copy-loop chunk size, not a device sector size
	LastCopied int64            `json:"lastCopied"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// ProgressEvent is emitted by a running operation. Bytes is monotonically
// non-decreasing within one operation.
type ProgressEvent struct {
	Percent    float64 `json:"percent"`
	Phase      string  `json:"phase"`
	Message    string  `json:"message,omitempty"`
	Bytes      int64   `json:"bytes,omitempty"`
	TotalBytes int64   `json:"totalBytes,omitempty"`
}

// LogEvent is an unstructured log line tagged by source.
type LogEvent struct {
	Source string `json:"source"`
	Line   string `json:"line"`
}

// Result is the unified return shape for every dispatched operation.
type Result struct {
	OK       bool                   `json:"ok"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
}
